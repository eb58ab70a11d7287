package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds the JSON logger a binary writes to stdout. Every record
// carries the service name.
func NewLogger(level, service string) *slog.Logger {
	return newLogger(os.Stdout, level, service)
}

func newLogger(w io.Writer, level, service string) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:     levelFromString(level),
		AddSource: true,
	})
	l := slog.New(handler)
	if service != "" {
		l = l.With("service", service)
	}
	return l
}

// OrDefault lets components accept a nil logger.
func OrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

func levelFromString(level string) slog.Leveler {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
