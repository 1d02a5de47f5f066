// Package logging builds the process logger from the log config section.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects the sink and level.
type Options struct {
	// File rotates logs into this path. Empty logs to Stderr.
	File string

	// Level is debug, info, warn or error.
	Level string

	// JSON switches the handler to JSON lines. File sinks always use JSON.
	JSON bool

	// Stderr overrides os.Stderr, for tests.
	Stderr io.Writer
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// New returns a logger and a closer for its sink.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	if opts.File != "" {
		w := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), w, nil
	}

	out := opts.Stderr
	if out == nil {
		out = os.Stderr
	}
	if opts.JSON {
		return slog.New(slog.NewJSONHandler(out, handlerOpts)), nopCloser{}, nil
	}
	return slog.New(slog.NewTextHandler(out, handlerOpts)), nopCloser{}, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
