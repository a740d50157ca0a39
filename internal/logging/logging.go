// Package logging builds the single zerolog.Logger the Supervisor
// constructs once at startup and passes down explicitly to every
// component, per the "no global mutable singletons" rule.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Options controls the log level, output format and optional file sink.
type Options struct {
	Level  string // "debug", "info", "warn", "error"
	Format string // "json" or "console"
	File   string // optional path; appended to, in addition to stderr
}

// New builds a zerolog.Logger from Options. Unknown levels fall back to
// info; unknown formats fall back to json.
func New(opts Options) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}

	var writers []io.Writer
	switch strings.ToLower(opts.Format) {
	case "console":
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	default:
		writers = append(writers, os.Stderr)
	}

	if opts.File != "" {
		if f, err := os.OpenFile(opts.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640); err == nil {
			writers = append(writers, f)
		}
	}

	var out io.Writer = os.Stderr
	if len(writers) == 1 {
		out = writers[0]
	} else if len(writers) > 1 {
		out = zerolog.MultiLevelWriter(writers...)
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}
