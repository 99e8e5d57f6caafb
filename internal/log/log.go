// Package log provides a minimal factory for structured slog loggers.
package log

import (
	"io"
	"log/slog"
	"strings"
)

// NewWriter creates a text [slog.Logger] writing to w at the given level
// (one of "debug", "info", "warn", "error"; defaults to info). Command
// output owns stdout, so callers pass stderr.
func NewWriter(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(level),
	}))
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// ParseLevel maps a level name to a [slog.Level], defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
