// Package logging configures the engine's structured logger and threads it
// through request contexts.
//
// The HTTP edge stamps a request ID into the context; L then returns a
// logger carrying it, so every line a money operation emits can be traced
// back to the request that caused it.
package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

type ctxKey int

const (
	ctxRequestID ctxKey = iota
	ctxLogger
)

// New builds the process logger. Format "json" emits machine-readable lines
// for shipping; anything else uses the text handler. Debug level also
// records source positions.
func New(level, format string) *slog.Logger {
	lvl := parseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}

	var h slog.Handler
	switch format {
	case "json":
		h = slog.NewJSONHandler(os.Stdout, opts)
	default:
		h = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(h)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// WithRequestID stamps the request ID into the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxRequestID, id)
}

// RequestID returns the ID stamped by WithRequestID, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxRequestID).(string)
	return id
}

// WithLogger pins a specific logger to the context.
func WithLogger(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxLogger, l)
}

// FromContext returns the pinned logger, or the process default.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxLogger).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// L returns the context logger annotated with the request ID when one is
// present. Services log through L so audit-relevant lines stay correlated.
func L(ctx context.Context) *slog.Logger {
	l := FromContext(ctx)
	if id := RequestID(ctx); id != "" {
		l = l.With("request_id", id)
	}
	return l
}
