package http

import (
	"log/slog"
	"net/http"

	"github.com/example/instrument-gateway/internal/application"
)

type noticeService interface {
	List() []application.Notice
	Dismiss(id string) error
}

type NoticeHandler struct {
	service   noticeService
	responder responder
	logger    *slog.Logger
}

func NewNoticeHandler(service noticeService, logger *slog.Logger) *NoticeHandler {
	base := defaultLogger(logger)
	return &NoticeHandler{service: service, responder: newResponder(base), logger: base}
}

func (h *NoticeHandler) List(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	notices := h.service.List()
	resp := make([]noticeDTO, 0, len(notices))
	for _, n := range notices {
		resp = append(resp, noticeDTO{
			ID:        n.ID,
			Kind:      string(n.Kind),
			EventID:   n.EventID,
			Message:   n.Message,
			CreatedAt: formatTime(n.CreatedAt),
		})
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, resp)
}

func (h *NoticeHandler) Dismiss(w http.ResponseWriter, r *http.Request, id string) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if err := h.service.Dismiss(id); err != nil {
		handlerLogger(r.Context(), h.logger, "NoticeHandler", "Dismiss", "notice_id", id).
			ErrorContext(r.Context(), "failed to dismiss notice", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusNoContent, nil)
}

type noticeDTO struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	EventID   string `json:"event_id,omitempty"`
	Message   string `json:"message"`
	CreatedAt string `json:"created_at"`
}
