// Package logger configures the process-wide slog logger and provides
// helpers for attaching component and document-source attributes.
package logger

import (
	"context"
	"log/slog"
	"os"
)

type contextKey struct{}

func Setup(level string, format string) {
	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// WithSource stores a document source identifier in the context so log
// lines emitted while processing that document carry it.
func WithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, contextKey{}, source)
}

func FromContext(ctx context.Context) *slog.Logger {
	logger := slog.Default()
	if source, ok := ctx.Value(contextKey{}).(string); ok {
		logger = logger.With("source", source)
	}
	return logger
}

func WithComponent(component string) *slog.Logger {
	return slog.Default().With("component", component)
}

func parseLevel(level string) slog.Level {
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
