package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"bbb-stream-controller/internal/api"
	"bbb-stream-controller/internal/observability/logging"
)

func loggerWithRequestContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logging.WithContext(ctx, logger)
}

// writeMiddlewareError normalises middleware error responses to the API JSON shape.
func writeMiddlewareError(w http.ResponseWriter, status int, message string) {
	api.WriteError(w, status, errors.New(message))
}
