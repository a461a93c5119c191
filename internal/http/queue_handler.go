package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/example/instrument-gateway/internal/application"
)

type queueService interface {
	Entries() []application.QueueEntry
	Stats() application.QueueStats
	Requeue(ctx context.Context, eventID string) (application.QueueEntry, error)
	Discard(ctx context.Context, eventID string) (application.QueueEntry, error)
	ClearTerminal(ctx context.Context) ([]application.QueueEntry, error)
}

type eventNotices interface {
	DismissEvent(eventID string) int
}

type syncService interface {
	cycleRunner
	Trigger()
	Paused() bool
}

type QueueHandler struct {
	queue     queueService
	sync      syncService
	notices   eventNotices
	now       func() time.Time
	responder responder
	logger    *slog.Logger
}

func NewQueueHandler(queue queueService, sync syncService, notices eventNotices, now func() time.Time, logger *slog.Logger) *QueueHandler {
	if now == nil {
		now = time.Now
	}
	base := defaultLogger(logger)
	return &QueueHandler{queue: queue, sync: sync, notices: notices, now: now, responder: newResponder(base), logger: base}
}

func (h *QueueHandler) List(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.queue == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	entries := h.queue.Entries()
	resp := queueResponse{
		Stats:   toStatsDTO(h.queue.Stats()),
		Entries: make([]queueEntryDTO, 0, len(entries)),
	}
	if h.sync != nil {
		resp.Paused = h.sync.Paused()
	}
	for _, entry := range entries {
		resp.Entries = append(resp.Entries, toQueueEntryDTO(entry))
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, resp)
}

func (h *QueueHandler) Sync(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.sync == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	logger := handlerLogger(r.Context(), h.logger, "QueueHandler", "Sync")
	report, err := h.sync.RunCycle(r.Context(), h.now())
	if err != nil {
		logger.ErrorContext(r.Context(), "manual sync failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	h.responder.writeJSON(r.Context(), w, http.StatusOK, cycleReportDTO{
		Attempted:     report.Attempted,
		Confirmed:     report.Confirmed,
		Retried:       report.Retried,
		Failed:        report.Failed,
		StorageErrors: report.StorageErrors,
		Paused:        report.SkippedPaused,
		Remaining:     h.queue.Stats().Total,
	})
}

func (h *QueueHandler) Retry(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.queue == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	eventID, ok := EventIDFromContext(r.Context())
	if !ok || eventID == "" {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errMissingEventID)
		return
	}

	logger := handlerLogger(r.Context(), h.logger, "QueueHandler", "Retry", "event_id", eventID)
	entry, err := h.queue.Requeue(r.Context(), eventID)
	if err != nil {
		logger.ErrorContext(r.Context(), "failed to requeue entry", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	if h.sync != nil {
		h.sync.Trigger()
	}

	logger.InfoContext(r.Context(), "entry requeued")
	h.responder.writeJSON(r.Context(), w, http.StatusOK, toQueueEntryDTO(entry))
}

func (h *QueueHandler) Discard(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.queue == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	eventID, ok := EventIDFromContext(r.Context())
	if !ok || eventID == "" {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errMissingEventID)
		return
	}

	logger := handlerLogger(r.Context(), h.logger, "QueueHandler", "Discard", "event_id", eventID)
	if _, err := h.queue.Discard(r.Context(), eventID); err != nil {
		logger.ErrorContext(r.Context(), "failed to discard entry", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	if h.notices != nil {
		h.notices.DismissEvent(eventID)
	}

	logger.InfoContext(r.Context(), "entry discarded")
	w.WriteHeader(http.StatusNoContent)
}

// ClearFailed discards every terminal entry.
func (h *QueueHandler) ClearFailed(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.queue == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	logger := handlerLogger(r.Context(), h.logger, "QueueHandler", "ClearFailed")
	removed, err := h.queue.ClearTerminal(r.Context())
	if h.notices != nil {
		for _, entry := range removed {
			h.notices.DismissEvent(entry.Event.EventID)
		}
	}
	if err != nil {
		logger.ErrorContext(r.Context(), "failed to clear terminal entries", "error", err, "error_kind", application.ErrorKind(err), "removed", len(removed))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	logger.InfoContext(r.Context(), "terminal entries cleared", "removed", len(removed))
	h.responder.writeJSON(r.Context(), w, http.StatusOK, clearResponse{
		Removed: len(removed),
		Stats:   toStatsDTO(h.queue.Stats()),
	})
}

type clearResponse struct {
	Removed int           `json:"removed"`
	Stats   queueStatsDTO `json:"stats"`
}

type queueStatsDTO struct {
	Pending  int `json:"pending"`
	InFlight int `json:"in_flight"`
	Failed   int `json:"failed"`
	Terminal int `json:"terminal"`
	Total    int `json:"total"`
	Capacity int `json:"capacity"`
}

type queueEntryDTO struct {
	EventID       string `json:"event_id"`
	SessionID     string `json:"session_id"`
	Kind          string `json:"kind"`
	ProductID     string `json:"product_id"`
	Timestamp     string `json:"timestamp"`
	Status        string `json:"status"`
	Terminal      bool   `json:"terminal"`
	AttemptCount  int    `json:"attempt_count"`
	NextRetryAt   string `json:"next_retry_at,omitempty"`
	LastAttemptAt string `json:"last_attempt_at,omitempty"`
	LastError     string `json:"last_error,omitempty"`
	LastErrorKind string `json:"last_error_kind,omitempty"`
	EnqueuedAt    string `json:"enqueued_at"`
}

type queueResponse struct {
	Stats   queueStatsDTO   `json:"stats"`
	Entries []queueEntryDTO `json:"entries"`
	Paused  bool            `json:"paused"`
}

type cycleReportDTO struct {
	Attempted     int  `json:"attempted"`
	Confirmed     int  `json:"confirmed"`
	Retried       int  `json:"retried"`
	Failed        int  `json:"failed"`
	StorageErrors int  `json:"storage_errors"`
	Paused        bool `json:"paused"`
	Remaining     int  `json:"remaining"`
}

func toStatsDTO(stats application.QueueStats) queueStatsDTO {
	return queueStatsDTO{
		Pending:  stats.Pending,
		InFlight: stats.InFlight,
		Failed:   stats.Failed,
		Terminal: stats.Terminal,
		Total:    stats.Total,
		Capacity: stats.Capacity,
	}
}

func toQueueEntryDTO(entry application.QueueEntry) queueEntryDTO {
	return queueEntryDTO{
		EventID:       entry.Event.EventID,
		SessionID:     entry.Event.SessionID,
		Kind:          string(entry.Event.Kind),
		ProductID:     entry.Event.ProductID,
		Timestamp:     formatTime(entry.Event.Timestamp),
		Status:        string(entry.Status),
		Terminal:      entry.Terminal,
		AttemptCount:  entry.AttemptCount,
		NextRetryAt:   formatTimePtr(entry.NextRetryAt),
		LastAttemptAt: formatTimePtr(entry.LastAttemptAt),
		LastError:     entry.LastError,
		LastErrorKind: string(entry.LastErrorKind),
		EnqueuedAt:    formatTime(entry.EnqueuedAt),
	}
}
