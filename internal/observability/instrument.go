// Package observability wires up structured logging for the relay.
package observability

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// Instrument installs the process-wide slog handler. Must run before any
// component starts logging.
func Instrument(level slog.Level, format string) error {
	base, err := newStdoutHandler(level, format)
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(newTraceHandler(base)))
	return nil
}

func newStdoutHandler(level slog.Level, format string) (slog.Handler, error) {
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(format) {
	case "json":
		return slog.NewJSONHandler(os.Stdout, opts), nil
	case "text":
		return slog.NewTextHandler(os.Stdout, opts), nil
	}
	return nil, fmt.Errorf("unsupported log format %q (expected: json, text)", format)
}
