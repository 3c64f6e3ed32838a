// Package logging builds the process-wide structured logger.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum level: debug, info, warn, error. Defaults to info.
	Level string `yaml:"level" json:"level"`
	// Pretty switches from JSON to human-readable console output.
	Pretty bool `yaml:"pretty" json:"pretty"`
}

// New creates a structured logger writing JSON to stdout (or console output
// when Pretty is set), stamped with the service name.
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Str("service", "relayd").
		Logger()
}
