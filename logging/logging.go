package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"posting-video-pipeline/config"
)

// New builds the process logger. Components derive children with Str("stage", ...).
func New(cfg config.LogConfig) zerolog.Logger {
	return NewWithWriter(cfg, os.Stderr)
}

// NewWithWriter is New writing to w.
func NewWithWriter(cfg config.LogConfig, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	out := w
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// Stage returns a child logger tagged with the pipeline stage name.
func Stage(log zerolog.Logger, name string) zerolog.Logger {
	return log.With().Str("stage", name).Logger()
}
