// Package logging builds the process logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/PaulBabatuyi/marketchat/internal/config"
)

// New returns the root logger, stamped with the service name and pid.
func New(service string, cfg *config.LoggerConfig) zerolog.Logger {
	return newLogger(os.Stdout, service, cfg)
}

func newLogger(w io.Writer, service string, cfg *config.LoggerConfig) zerolog.Logger {
	level := zerolog.InfoLevel
	format := "json"
	if cfg != nil {
		if l, err := zerolog.ParseLevel(strings.ToLower(cfg.Level)); err == nil && l != zerolog.NoLevel {
			level = l
		}
		format = strings.ToLower(cfg.Format)
	}

	if format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("service", service).
		Int("pid", os.Getpid()).
		Logger()
}

// Component derives a sub-logger for one engine component.
func Component(log zerolog.Logger, name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
