package main

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/michaelbrown/sortarena/internal/config"
)

// newLogger builds the process logger. Console output goes to stderr so it
// never mixes with command output on stdout.
func newLogger(cfg config.LogConfig) *zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var w io.Writer = os.Stderr
	if cfg.Format != "json" {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	}

	logger := zerolog.New(w).Level(level).With().Timestamp().Logger()
	return &logger
}
