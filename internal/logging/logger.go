// Package logging configures the global zerolog logger for all binaries.
package logging

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init initializes the global logger with configuration from environment variables.
// GEN_LOG_LEVEL controls the log level: debug, info, warn, error (default: info).
// GEN_LOG_PRETTY=1 switches from JSON to human-readable console output; JSON is
// the default because Lambda log ingestion expects one JSON object per line.
func Init() {
	level := os.Getenv("GEN_LOG_LEVEL")
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if os.Getenv("GEN_LOG_PRETTY") == "1" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
