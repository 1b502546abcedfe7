package logctx

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	loggerKey     contextKey = "logger"
	contentKeyKey contextKey = "content_key"
)

// WithLogger returns a new context with the provided slog.Logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves the slog.Logger from the context, or returns slog.Default() if not found.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok && l != nil {
		return l
	}

	return slog.Default()
}

// WithContentKey tags the context with the content key being processed so
// every record logged through ContextHandler carries it.
func WithContentKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, contentKeyKey, key)
}

// ContentKeyFromContext returns the content key stored by WithContentKey.
func ContentKeyFromContext(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(contentKeyKey).(string)

	return key, ok && key != ""
}
