package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/lindamesh/internal/ids"
	"github.com/adred-codev/lindamesh/internal/tuple"
)

// fakeRefUpdater records every increment/decrement it is asked to apply,
// regardless of which tuplespace it targets, so tests can assert on the
// reference bookkeeping an operation produced without a real registry.
type fakeRefUpdater struct {
	mu   sync.Mutex
	incs []string // "tsID:holder"
	decs []string
}

func (f *fakeRefUpdater) IncrementRef(tsID, holder string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.incs = append(f.incs, tsID+":"+holder)
}

func (f *fakeRefUpdater) DecrementRef(tsID, holder string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decs = append(f.decs, tsID+":"+holder)
}

func TestScenarioS1LocalOutIn(t *testing.T) {
	e := New(ids.NewTupleSpaceID(1, 1))
	e.Out(tuple.Tuple{tuple.Int(1), tuple.String("x")})

	got, outcome := e.In("1!1!1", tuple.Tuple{tuple.Formal(tuple.ClassInt), tuple.Formal(tuple.ClassString)}, false)
	require.Equal(t, OutcomeMatched, outcome)
	assert.Equal(t, tuple.Tuple{tuple.Int(1), tuple.String("x")}.Key(), got.Key())

	assert.Empty(t, e.CopyCollect(tuple.Tuple{tuple.Formal(tuple.ClassInt), tuple.Formal(tuple.ClassString)}))
}

func TestScenarioS2BlockThenUnblockViaOut(t *testing.T) {
	e := New(ids.NewTupleSpaceID(1, 1))

	resultCh := make(chan tuple.Tuple, 1)
	go func() {
		got, outcome := e.Rd("1!2!1", tuple.Tuple{tuple.Formal(tuple.ClassInt), tuple.String("y")}, false)
		require.Equal(t, OutcomeMatched, outcome)
		resultCh <- got
	}()

	// Give the reader a moment to register as blocked before the out.
	time.Sleep(20 * time.Millisecond)
	e.Out(tuple.Tuple{tuple.Int(7), tuple.String("y")})

	select {
	case got := <-resultCh:
		assert.Equal(t, tuple.Tuple{tuple.Int(7), tuple.String("y")}.Key(), got.Key())
	case <-time.After(time.Second):
		t.Fatal("blocked rd was never unblocked by out")
	}

	// rd does not consume: the tuple must remain in the container.
	remaining := e.CopyCollect(tuple.Tuple{tuple.Formal(tuple.ClassInt), tuple.Formal(tuple.ClassString)})
	require.Len(t, remaining, 1)
}

func TestScenarioS3DestructiveWinsOverReader(t *testing.T) {
	e := New(ids.NewTupleSpaceID(1, 1))

	rdResult := make(chan tuple.Tuple, 1)
	inResult := make(chan tuple.Tuple, 1)
	go func() {
		got, _ := e.Rd("1!2!1", tuple.Tuple{tuple.Formal(tuple.ClassInt)}, false)
		rdResult <- got
	}()
	go func() {
		got, _ := e.In("1!3!1", tuple.Tuple{tuple.Formal(tuple.ClassInt)}, false)
		inResult <- got
	}()

	time.Sleep(20 * time.Millisecond)
	e.Out(tuple.Tuple{tuple.Int(3)})

	var rd, in tuple.Tuple
	for i := 0; i < 2; i++ {
		select {
		case rd = <-rdResult:
		case in = <-inResult:
		case <-time.After(time.Second):
			t.Fatal("both waiters should have woken")
		}
	}
	assert.Equal(t, tuple.Int(3).Key(), rd[0].Key())
	assert.Equal(t, tuple.Int(3).Key(), in[0].Key())

	// The destructive match consumed the tuple: the container is empty.
	assert.Empty(t, e.CopyCollect(tuple.Tuple{tuple.Formal(tuple.ClassInt)}))
}

func TestOutEstablishesContainerReference(t *testing.T) {
	e := New(ids.NewTupleSpaceID(1, 1))
	ru := &fakeRefUpdater{}
	e.SetRefUpdater(ru)

	e.Out(tuple.Tuple{tuple.TSRef("1:9")})

	ru.mu.Lock()
	defer ru.mu.Unlock()
	require.Len(t, ru.incs, 1)
	assert.Equal(t, "1:9:"+e.ID(), ru.incs[0])
}

func TestInDismantlesContainerReferenceAndGrantsReader(t *testing.T) {
	e := New(ids.NewTupleSpaceID(1, 1))
	ru := &fakeRefUpdater{}
	e.SetRefUpdater(ru)

	e.Out(tuple.Tuple{tuple.TSRef("1:9")})
	_, outcome := e.In("1!4!1", tuple.Tuple{tuple.Formal(tuple.ClassTSRef)}, false)
	require.Equal(t, OutcomeMatched, outcome)

	ru.mu.Lock()
	defer ru.mu.Unlock()
	assert.Contains(t, ru.decs, "1:9:"+e.ID())
	assert.Contains(t, ru.incs, "1:9:1!4")
}

func TestUniversalTuplespaceIgnoresRefEdits(t *testing.T) {
	e := New(ids.Universal)
	e.AddReference("1")
	assert.True(t, e.RefsEmpty())
	require.NoError(t, e.RemoveReference("1"))
}

func TestRemoveReferenceNotPresentIsError(t *testing.T) {
	e := New(ids.NewTupleSpaceID(1, 1))
	err := e.RemoveReference("nope")
	assert.Error(t, err)
}

func TestRemoveAnyReferencesBulkPurge(t *testing.T) {
	e := New(ids.NewTupleSpaceID(1, 1))
	e.AddReference("1!1")
	e.AddReference("1!1")
	e.AddReference("2")
	e.RemoveAnyReferences("1!1")

	snap := e.RefsSnapshot()
	assert.ElementsMatch(t, []string{"2"}, snap)
}

func TestTryUnblockOneReleasesPredicateWaiterOnly(t *testing.T) {
	e := New(ids.NewTupleSpaceID(1, 1))

	predicateResult := make(chan Outcome, 1)
	go func() {
		_, outcome := e.Inp("1!5!1", tuple.Tuple{tuple.Formal(tuple.ClassInt)})
		predicateResult <- outcome
	}()
	time.Sleep(20 * time.Millisecond)

	released := e.TryUnblockOne()
	require.True(t, released)

	select {
	case outcome := <-predicateResult:
		assert.Equal(t, OutcomeUnblocked, outcome)
	case <-time.After(time.Second):
		t.Fatal("predicate waiter was never released")
	}

	assert.False(t, e.TryUnblockOne(), "no further unblockable waiters should remain")
}

func TestCancelWaitReleasesBlockedThread(t *testing.T) {
	e := New(ids.NewTupleSpaceID(1, 1))

	done := make(chan Outcome, 1)
	go func() {
		_, outcome := e.In("1!6!1", tuple.Tuple{tuple.Formal(tuple.ClassInt)}, false)
		done <- outcome
	}()
	time.Sleep(20 * time.Millisecond)

	require.True(t, e.CancelWait("1!6!1"))
	select {
	case outcome := <-done:
		assert.Equal(t, OutcomeUnblocked, outcome)
	case <-time.After(time.Second):
		t.Fatal("cancelled waiter was never released")
	}
}

// deadlockCheckerSpy records whether it was invoked, simulating component H
// without pulling in the registry/mesh machinery deadlock detection needs.
type deadlockCheckerSpy struct {
	mu      sync.Mutex
	invoked int
}

func (d *deadlockCheckerSpy) CheckAndRecover(e *Engine) {
	d.mu.Lock()
	d.invoked++
	d.mu.Unlock()
}

func TestBlockingRegistrationTriggersDeadlockCheck(t *testing.T) {
	e := New(ids.NewTupleSpaceID(1, 1))
	spy := &deadlockCheckerSpy{}
	e.SetDeadlockChecker(spy)

	go e.Rd("1!7!1", tuple.Tuple{tuple.Formal(tuple.ClassInt)}, false)
	time.Sleep(20 * time.Millisecond)

	spy.mu.Lock()
	defer spy.mu.Unlock()
	assert.Equal(t, 1, spy.invoked)

	e.CancelWait("1!7!1")
}
