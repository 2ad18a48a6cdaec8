package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger initialises an slog.Logger on stdout. format is "json" or "text".
func NewLogger(levelStr, format string) *slog.Logger {
	return newLogger(os.Stdout, levelStr, format)
}

func newLogger(w io.Writer, levelStr, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(levelStr)}
	var handler slog.Handler
	if strings.EqualFold(strings.TrimSpace(format), "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler).With("service", "conversation-store")
}

func parseLevel(levelStr string) slog.Leveler {
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
