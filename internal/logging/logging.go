// Package logging builds the structured logger every other package
// threads down from main, and the panic-recovery helper the dispatch
// package defers in its connection and per-frame goroutines.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// New builds a zerolog.Logger. format is "json" or "console"; level is
// one of "debug", "info", "warn", "error".
func New(level, format string) zerolog.Logger {
	var output io.Writer = os.Stdout
	if format == "console" {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	zerolog.SetGlobalLevel(parseLevel(level))

	return zerolog.New(output).
		With().
		Timestamp().
		Str("service", "lindad").
		Logger()
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// RecoverPanic recovers a panic in the calling goroutine, logs it with a
// stack trace, and lets the goroutine exit normally instead of crashing
// the process. The dispatch package defers it first in Serve, in every
// per-frame dispatch goroutine (which also carries forwarded blocking
// reads) and in session cleanup. The engine's return-tuple delivery
// goroutines and the registry's detached GC goroutines do not use it.
func RecoverPanic(logger zerolog.Logger, goroutineName string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Str("goroutine", goroutineName).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack()))
		for k, v := range fields {
			event = event.Interface(k, v)
		}
		event.Msg("recovered goroutine panic")
	}
}
