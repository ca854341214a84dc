// Package logger builds the zerolog root logger both services hand down to
// their components via log.With().Str("component", ...).
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config selects the level and output shape of the root logger.
type Config struct {
	// Level is one of debug, info, warn, error. Anything else falls back
	// to info.
	Level string
	// Pretty switches the JSON lines for a human console writer. Dev mode
	// turns it on.
	Pretty bool
}

// New builds the root logger and installs its level globally.
func New(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))
	zerolog.TimeFieldFormat = time.RFC3339

	var out io.Writer = os.Stdout
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
	}
	return zerolog.New(out).With().Timestamp().Caller().Logger()
}

func parseLevel(s string) zerolog.Level {
	switch s {
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
