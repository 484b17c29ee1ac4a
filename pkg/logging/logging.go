package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// ParseLevel maps "debug", "info", "warn" and "error" to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// New returns a tint logger writing to stderr.
func New(level slog.Level, noColor bool) *slog.Logger {
	return NewWriter(os.Stderr, level, noColor)
}

// NewWriter is New with an explicit destination.
func NewWriter(w io.Writer, level slog.Level, noColor bool) *slog.Logger {
	handler := tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
		// Source locations only help when debugging.
		AddSource: level <= slog.LevelDebug,
		NoColor:   noColor,
	})
	return slog.New(handler)
}

// Default is the logger components fall back to when none is injected:
// info level, colored stderr.
func Default() *slog.Logger {
	return New(slog.LevelInfo, false)
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
