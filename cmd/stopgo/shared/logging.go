// Package shared holds helpers common to the stopgo subcommands.
package shared

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// LogOptions selects the logger format and verbosity.
type LogOptions struct {
	// Level is a zerolog level name. Debug overrides it.
	Level string
	Debug bool
	// JSON switches from console output to one JSON object per line.
	JSON bool
}

// SetupLogger builds the process logger writing to stderr.
func SetupLogger(opts LogOptions) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if opts.Level != "" {
		parsed, err := zerolog.ParseLevel(opts.Level)
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		level = parsed
	}
	if opts.Debug {
		level = zerolog.DebugLevel
	}

	if opts.JSON {
		zerolog.TimeFieldFormat = time.RFC3339Nano
		return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger(), nil
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().
		Timestamp().
		Logger(), nil
}
