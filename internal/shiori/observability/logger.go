// Package observability provides structured logging helpers for Shiori.
//
// It wraps log/slog with trace and user ID propagation so that every log
// line emitted while handling one inbound event can be attributed to the
// event and to the user it belongs to.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/bdobrica/Shiori/common/redact"
	"github.com/bdobrica/Shiori/common/trace"
)

// ParseLevel maps "debug", "info", "warn" and "error" to slog levels.
// Anything else is info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds a logger writing to w in the given format ("json" or
// "text").
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// Setup configures the global slog logger on stdout and returns it.
func Setup(level, format string) *slog.Logger {
	logger := NewLogger(os.Stdout, level, format)
	slog.SetDefault(logger)
	return logger
}

// WithTrace returns a child of base carrying the trace_id and user_id found
// in ctx. A nil base uses slog.Default().
func WithTrace(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	var attrs []any
	if id := trace.FromContext(ctx); id != "" {
		attrs = append(attrs, "trace_id", id)
	}
	if user := trace.UserIDFromContext(ctx); user != "" {
		attrs = append(attrs, "user_id", user)
	}
	if len(attrs) == 0 {
		return base
	}
	return base.With(attrs...)
}

// RedactSecrets replaces known-sensitive values in msg with "[REDACTED]".
func RedactSecrets(msg string, sensitiveValues ...string) string {
	return redact.String(msg, sensitiveValues...)
}
