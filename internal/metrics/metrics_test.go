package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewRegistryExposesHandler(t *testing.T) {
	r := NewRegistry()
	assert.NotNil(t, r.Handler())
	r.Tuplespaces.Set(3)
	r.GCSweeps.Inc()
}
