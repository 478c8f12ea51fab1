package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/lindamesh/internal/ids"
	"github.com/adred-codev/lindamesh/internal/tuple"
)

func TestNewSeedsUniversalTuplespace(t *testing.T) {
	r := New(1, nil)
	e, ok := r.Lookup(ids.Universal)
	require.True(t, ok)
	assert.Equal(t, ids.Universal, e.ID())
}

func TestNewTupleSpaceIsIdempotent(t *testing.T) {
	r := New(1, nil)
	a := r.NewTupleSpace(ids.NewTupleSpaceID(1, 5))
	b := r.NewTupleSpace(ids.NewTupleSpaceID(1, 5))
	assert.Same(t, a, b)
}

func TestOwnsResolvesFounderAlias(t *testing.T) {
	r := New(1, nil)
	assert.True(t, r.Owns(ids.NewTupleSpaceID(0, 1)))
	assert.False(t, r.Owns(ids.NewTupleSpaceID(2, 1)))
}

func TestIncrementRefCreatesLocalEngineOnDemand(t *testing.T) {
	r := New(1, nil)
	tsID := ids.NewTupleSpaceID(1, 9)
	r.IncrementRef(tsID, "1")

	e, ok := r.Lookup(tsID)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"1"}, e.RefsSnapshot())
}

func TestDecrementRefDeletesWhenUnreferencedWithNoGCWired(t *testing.T) {
	r := New(1, nil)
	tsID := ids.NewTupleSpaceID(1, 9)
	r.IncrementRef(tsID, "1")
	r.DecrementRef(tsID, "1")

	_, ok := r.Lookup(tsID)
	assert.False(t, ok, "with no gc trigger wired, the simple refs-empty check should delete it")
}

func TestUniversalNeverDeleted(t *testing.T) {
	r := New(1, nil)
	r.IncrementRef(ids.Universal, "1")
	r.DecrementRef(ids.Universal, "1")

	_, ok := r.Lookup(ids.Universal)
	assert.True(t, ok)
}

func TestDrainAndRemoveCascadesNestedReferences(t *testing.T) {
	r := New(1, nil)
	outer := r.NewTupleSpace(ids.NewTupleSpaceID(1, 1))
	inner := ids.NewTupleSpaceID(1, 2)
	r.NewTupleSpace(inner)

	outer.Out(tuple.Tuple{tuple.TSRef(inner)})
	innerEngine, _ := r.Lookup(inner)
	assert.ElementsMatch(t, []string{outer.ID()}, innerEngine.RefsSnapshot())

	r.DrainAndRemove(outer.ID())

	_, ok := r.Lookup(outer.ID())
	assert.False(t, ok)
	assert.True(t, innerEngine.RefsEmpty(), "draining outer must dismantle its held reference to inner")
}
