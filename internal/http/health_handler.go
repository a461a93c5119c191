package http

import (
	"net/http"

	"github.com/example/instrument-gateway/internal/connectivity"
)

type connectivityStatus interface {
	Status() connectivity.Status
}

type pauseState interface {
	Paused() bool
}

// HealthHandler reports liveness. It always answers 200 while the process
// serves requests; backend reachability is informational.
type HealthHandler struct {
	connectivity connectivityStatus
	sync         pauseState
	responder    responder
}

func NewHealthHandler(conn connectivityStatus, sync pauseState) *HealthHandler {
	return &HealthHandler{connectivity: conn, sync: sync, responder: newResponder(nil)}
}

func (h *HealthHandler) Get(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Backend: string(connectivity.StateUnknown)}
	if h.connectivity != nil {
		status := h.connectivity.Status()
		resp.Backend = string(status.State)
		resp.BackendSince = formatTime(status.Since)
		resp.BackendError = status.LastError
	}
	if h.sync != nil {
		resp.SyncPaused = h.sync.Paused()
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, resp)
}

type healthResponse struct {
	Status       string `json:"status"`
	Backend      string `json:"backend"`
	BackendSince string `json:"backend_since,omitempty"`
	BackendError string `json:"backend_error,omitempty"`
	SyncPaused   bool   `json:"sync_paused"`
}
