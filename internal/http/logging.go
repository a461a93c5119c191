package http

import (
	"context"
	"log/slog"
)

func defaultLogger(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}

// handlerLogger prefers the request-scoped logger installed by RequestLogger,
// which already carries request_id, method and path.
func handlerLogger(ctx context.Context, fallback *slog.Logger, handlerName, operation string, attrs ...any) *slog.Logger {
	logger := LoggerFromContext(ctx)
	if logger == nil {
		logger = defaultLogger(fallback)
	}
	logger = logger.With("handler", handlerName, "operation", operation)
	if len(attrs) == 0 {
		return logger
	}
	return logger.With(attrs...)
}
