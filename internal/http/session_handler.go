package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/example/instrument-gateway/internal/application"
)

type sessionService interface {
	Current() (application.ActiveSession, bool)
	Start(ctx context.Context, params application.StartParams) (application.ActiveSession, error)
	Stop(ctx context.Context) (application.StopResult, error)
}

type cycleRunner interface {
	RunCycle(ctx context.Context, now time.Time) (application.CycleReport, error)
}

type SessionHandler struct {
	service   sessionService
	sync      cycleRunner
	now       func() time.Time
	responder responder
	logger    *slog.Logger
}

// NewSessionHandler constructs a SessionHandler. When a start or stop is
// refused because the queue is full, one delivery cycle is run through sync
// and the call is retried once.
func NewSessionHandler(service sessionService, sync cycleRunner, now func() time.Time, logger *slog.Logger) *SessionHandler {
	if now == nil {
		now = time.Now
	}
	base := defaultLogger(logger)
	return &SessionHandler{service: service, sync: sync, now: now, responder: newResponder(base), logger: base}
}

func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := sessionStateResponse{}
	if current, ok := h.service.Current(); ok {
		dto := toSessionDTO(current, h.now())
		resp.Active = true
		resp.Session = &dto
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, resp)
}

func (h *SessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		handlerLogger(r.Context(), h.logger, "SessionHandler", "Start", "error_kind", "bad_request").
			ErrorContext(r.Context(), "failed to decode start request", "error", err)
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errBadRequestBody)
		return
	}

	logger := handlerLogger(r.Context(), h.logger, "SessionHandler", "Start", "product_id", req.ProductID)
	params := application.StartParams{ProductID: req.ProductID, BookingID: req.BookingID}

	session, err := h.service.Start(r.Context(), params)
	if errors.Is(err, application.ErrQueueFull) && h.flush(r.Context(), logger) {
		session, err = h.service.Start(r.Context(), params)
	}
	if err != nil {
		logger.ErrorContext(r.Context(), "failed to start session", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	logger.InfoContext(r.Context(), "session started", "session_id", session.SessionID)
	h.responder.writeJSON(r.Context(), w, http.StatusCreated, toSessionDTO(session, h.now()))
}

func (h *SessionHandler) Stop(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	logger := handlerLogger(r.Context(), h.logger, "SessionHandler", "Stop")

	result, err := h.service.Stop(r.Context())
	if errors.Is(err, application.ErrQueueFull) && h.flush(r.Context(), logger) {
		result, err = h.service.Stop(r.Context())
	}
	if err != nil {
		logger.ErrorContext(r.Context(), "failed to stop session", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	resp := stopResponse{Noop: result.Noop}
	if !result.Noop {
		resp.SessionID = result.Session.SessionID
		resp.ProductID = result.Session.ProductID
		resp.EventID = result.EventID
		resp.StartTime = formatTime(result.Session.StartTime)
		resp.EndTime = formatTime(result.EndTime)
		resp.DurationSeconds = result.DurationSeconds
		resp.Status = string(result.Status)
		logger.InfoContext(r.Context(), "session stopped", "session_id", result.Session.SessionID, "duration_seconds", result.DurationSeconds)
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, resp)
}

// flush runs one synchronous delivery cycle to make room in the queue. It
// reports false when the cycle could not run.
func (h *SessionHandler) flush(ctx context.Context, logger *slog.Logger) bool {
	if h.sync == nil {
		return false
	}
	report, err := h.sync.RunCycle(ctx, h.now())
	if err != nil {
		logger.WarnContext(ctx, "flush before retry failed", "error", err, "error_kind", application.ErrorKind(err))
		return false
	}
	logger.InfoContext(ctx, "queue full, flushed before retry", "confirmed", report.Confirmed)
	return true
}

type startRequest struct {
	ProductID string `json:"product_id"`
	BookingID string `json:"booking_id,omitempty"`
}

type sessionDTO struct {
	SessionID      string `json:"session_id"`
	ProductID      string `json:"product_id"`
	UserID         string `json:"user_id"`
	BookingID      string `json:"booking_id,omitempty"`
	StartTime      string `json:"start_time"`
	ElapsedSeconds int64  `json:"elapsed_seconds"`
}

type sessionStateResponse struct {
	Active  bool        `json:"active"`
	Session *sessionDTO `json:"session,omitempty"`
}

type stopResponse struct {
	Noop            bool   `json:"noop"`
	SessionID       string `json:"session_id,omitempty"`
	ProductID       string `json:"product_id,omitempty"`
	EventID         string `json:"event_id,omitempty"`
	StartTime       string `json:"start_time,omitempty"`
	EndTime         string `json:"end_time,omitempty"`
	DurationSeconds int64  `json:"duration_seconds"`
	Status          string `json:"status,omitempty"`
}

func toSessionDTO(session application.ActiveSession, now time.Time) sessionDTO {
	elapsed := int64(now.Sub(session.StartTime) / time.Second)
	if elapsed < 0 {
		elapsed = 0
	}
	return sessionDTO{
		SessionID:      session.SessionID,
		ProductID:      session.ProductID,
		UserID:         session.UserID,
		BookingID:      session.BookingID,
		StartTime:      formatTime(session.StartTime),
		ElapsedSeconds: elapsed,
	}
}
