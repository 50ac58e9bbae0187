// Package logging builds the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"

	"github.com/joshu-sajeev/jobrunner/internal/config"
)

// New returns a logger writing to stderr. Format "auto" picks the console
// writer when stderr is a terminal and JSON otherwise.
func New(cfg config.LogConfig) zerolog.Logger {
	return NewWithWriter(cfg, os.Stderr, isatty.IsTerminal(os.Stderr.Fd()))
}

func NewWithWriter(cfg config.LogConfig, w io.Writer, tty bool) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	out := w
	switch strings.ToLower(cfg.Format) {
	case "console":
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	case "json":
	default:
		if tty {
			out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
		}
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}
