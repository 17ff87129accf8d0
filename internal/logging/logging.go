// Package logging builds the process-wide structured logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// New creates a zerolog logger configured from the LOG_LEVEL / LOG_FORMAT
// settings. JSON output is the default; "pretty" switches to the console
// writer for local development.
func New(level, format string) zerolog.Logger {
	var output io.Writer = os.Stdout

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if format == "pretty" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Str("service", "realtime").
		Logger()
}

// RecoverPanic recovers a panic at a goroutine boundary and logs it with
// the stack. Deferred first in every long-lived goroutine so a programming
// error in one subsystem never takes down its neighbours.
func RecoverPanic(logger zerolog.Logger, component string, onPanic func(error)) {
	if r := recover(); r != nil {
		err, ok := r.(error)
		if !ok {
			err = fmt.Errorf("%v", r)
		}
		logger.Error().
			Err(err).
			Str("component", component).
			Str("stack_trace", string(debug.Stack())).
			Msg("Panic recovered")
		if onPanic != nil {
			onPanic(err)
		}
	}
}
