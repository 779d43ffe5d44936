// Package logging configures the process-wide structured logger.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds the process logger. In development it writes a human-readable
// console stream; anywhere else it writes JSON lines suitable for ingestion.
func New(env, component string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	var output = os.Stdout
	var logger zerolog.Logger

	if env == "development" || env == "" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: output, TimeFormat: time.Kitchen}).
			With().Timestamp().Str("component", component).Logger()
	} else {
		logger = zerolog.New(output).With().Timestamp().Str("component", component).Logger()
	}

	return logger
}
