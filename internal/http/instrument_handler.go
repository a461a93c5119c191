package http

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/example/instrument-gateway/internal/application"
)

type catalogService interface {
	ListActive(ctx context.Context) (application.InstrumentList, error)
	Refresh(ctx context.Context) (application.InstrumentList, error)
}

type InstrumentHandler struct {
	service   catalogService
	responder responder
	logger    *slog.Logger
}

func NewInstrumentHandler(service catalogService, logger *slog.Logger) *InstrumentHandler {
	base := defaultLogger(logger)
	return &InstrumentHandler{service: service, responder: newResponder(base), logger: base}
}

func (h *InstrumentHandler) List(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))
	logger := handlerLogger(r.Context(), h.logger, "InstrumentHandler", "List", "refresh", refresh)

	var (
		list application.InstrumentList
		err  error
	)
	if refresh {
		list, err = h.service.Refresh(r.Context())
	} else {
		list, err = h.service.ListActive(r.Context())
	}
	if err != nil {
		logger.ErrorContext(r.Context(), "failed to list instruments", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	resp := instrumentListResponse{
		Instruments: make([]instrumentDTO, 0, len(list.Instruments)),
		Stale:       list.Stale,
		FetchedAt:   formatTime(list.FetchedAt),
	}
	for _, instrument := range list.Instruments {
		resp.Instruments = append(resp.Instruments, instrumentDTO{
			ID:          instrument.ID,
			Name:        instrument.Name,
			Description: instrument.Description,
			Location:    instrument.Location,
			Status:      instrument.Status,
		})
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, resp)
}

type instrumentDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
	Status      string `json:"status"`
}

type instrumentListResponse struct {
	Instruments []instrumentDTO `json:"instruments"`
	Stale       bool            `json:"stale"`
	FetchedAt   string          `json:"fetched_at,omitempty"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
