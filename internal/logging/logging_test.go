package logging

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, parseLevel("debug"))
	assert.Equal(t, zerolog.WarnLevel, parseLevel("warn"))
	assert.Equal(t, zerolog.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zerolog.InfoLevel, parseLevel("info"))
	assert.Equal(t, zerolog.InfoLevel, parseLevel("nonsense"))
}

func TestRecoverPanicDoesNotPropagate(t *testing.T) {
	logger := New("info", "json")
	func() {
		defer RecoverPanic(logger, "test-goroutine", map[string]any{"k": "v"})
		panic("boom")
	}()
}
