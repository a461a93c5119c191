package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/example/instrument-gateway/internal/application"
)

var (
	errBadRequestBody = errors.New("request body is not valid JSON")
	errMissingEventID = errors.New("event id is required")
)

type responder struct {
	logger *slog.Logger
}

func newResponder(logger *slog.Logger) responder {
	if logger == nil {
		logger = slog.Default()
	}
	return responder{logger: logger}
}

func (r responder) writeJSON(ctx context.Context, w http.ResponseWriter, status int, payload any) {
	if w == nil {
		return
	}

	if status == http.StatusNoContent || payload == nil {
		w.WriteHeader(status)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		r.loggerFor(ctx).ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (r responder) writeError(ctx context.Context, w http.ResponseWriter, status int, err error) {
	message := http.StatusText(status)
	if err != nil {
		if msg := strings.TrimSpace(err.Error()); msg != "" {
			message = msg
		}
		r.loggerFor(ctx).ErrorContext(ctx, "request failed", "status", status, "error", err)
	}

	r.writeJSON(ctx, w, status, errorResponse{Message: message})
}

// handleServiceError maps application errors onto status codes and stable
// error codes the CLI can match on.
func (r responder) handleServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		r.writeError(ctx, w, http.StatusInternalServerError, errors.New("unknown error"))
		return
	}

	var vErr *application.ValidationError
	switch {
	case errors.As(err, &vErr):
		r.writeJSON(ctx, w, http.StatusUnprocessableEntity, errorResponse{
			ErrorCode: "VALIDATION_FAILED",
			Message:   "request validation failed",
			Errors:    vErr.FieldErrors,
		})
	case errors.Is(err, application.ErrSessionActive):
		r.writeJSON(ctx, w, http.StatusConflict, errorResponse{
			ErrorCode: "SESSION_ACTIVE",
			Message:   "a session is already in progress; stop it first",
		})
	case errors.Is(err, application.ErrEntryNotTerminal):
		r.writeJSON(ctx, w, http.StatusConflict, errorResponse{
			ErrorCode: "ENTRY_NOT_TERMINAL",
			Message:   "only failed entries that are no longer retried can be retried or discarded",
		})
	case errors.Is(err, application.ErrQueueFull):
		r.writeJSON(ctx, w, http.StatusServiceUnavailable, errorResponse{
			ErrorCode: "QUEUE_FULL",
			Message:   "the local event queue is full; reconnect to the network so queued events can sync",
		})
	case errors.Is(err, application.ErrEngineStopped):
		r.writeJSON(ctx, w, http.StatusServiceUnavailable, errorResponse{
			ErrorCode: "SHUTTING_DOWN",
			Message:   "the gateway is shutting down",
		})
	case errors.Is(err, application.ErrInvalidCredentials):
		r.writeJSON(ctx, w, http.StatusUnauthorized, errorResponse{
			ErrorCode: "AUTH_INVALID_CREDENTIALS",
			Message:   "email or password is incorrect",
		})
	case errors.Is(err, application.ErrNotAuthenticated):
		r.writeJSON(ctx, w, http.StatusUnauthorized, errorResponse{
			ErrorCode: "AUTH_REQUIRED",
			Message:   "sign in first",
		})
	case errors.Is(err, application.ErrAuthExpired):
		r.writeJSON(ctx, w, http.StatusUnauthorized, errorResponse{
			ErrorCode: "AUTH_EXPIRED",
			Message:   "the sign-in has expired; sign in again",
		})
	case errors.Is(err, application.ErrNotFound):
		r.writeJSON(ctx, w, http.StatusNotFound, errorResponse{Message: "resource not found"})
	case errors.Is(err, application.ErrLocalStorage):
		r.writeJSON(ctx, w, http.StatusInternalServerError, errorResponse{
			ErrorCode: "LOCAL_STORAGE",
			Message:   "local storage is unavailable",
		})
	case errors.Is(err, application.ErrRemoteTransient):
		r.writeJSON(ctx, w, http.StatusBadGateway, errorResponse{
			ErrorCode: "BACKEND_UNAVAILABLE",
			Message:   "the backend could not be reached",
		})
	case errors.Is(err, application.ErrRemotePermanent):
		r.writeJSON(ctx, w, http.StatusBadGateway, errorResponse{
			ErrorCode: "BACKEND_REJECTED",
			Message:   err.Error(),
		})
	default:
		r.writeJSON(ctx, w, http.StatusInternalServerError, errorResponse{Message: "internal error"})
	}
}

func (r responder) loggerFor(ctx context.Context) *slog.Logger {
	if logger := LoggerFromContext(ctx); logger != nil {
		return logger
	}
	return r.logger
}

type errorResponse struct {
	ErrorCode string            `json:"error_code,omitempty"`
	Message   string            `json:"message"`
	Errors    map[string]string `json:"errors,omitempty"`
}
