package handlers

import (
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"

	"github.com/atelierlabs/atelier/internal/fault"
	"github.com/atelierlabs/atelier/internal/gpu"
)

// ServicesHandler drives the lifecycle of the local model services through
// the GPU coordinator. Stop engages the STOP_LOCK so nothing restarts the
// service behind the operator's back; quickstart clears it first.
type ServicesHandler struct {
	coord *gpu.Coordinator
}

func NewServicesHandler(coord *gpu.Coordinator) *ServicesHandler {
	return &ServicesHandler{coord: coord}
}

func (h *ServicesHandler) serviceParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := chi.URLParam(r, "name")
	if !slices.Contains(gpu.Services, name) {
		respondError(w, string(fault.InvalidArgument), "unknown service "+name, http.StatusBadRequest)
		return "", false
	}
	return name, true
}

type serviceActionResponse struct {
	Service    string `json:"service"`
	Action     string `json:"action"`
	StopLocked bool   `json:"stop_locked"`
}

// Stop handles POST /api/services/{name}/stop: write the STOP_LOCK, then
// bring the process down.
func (h *ServicesHandler) Stop(w http.ResponseWriter, r *http.Request) {
	name, ok := h.serviceParam(w, r)
	if !ok {
		return
	}
	if err := h.coord.WriteStopLock(name); err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, serviceActionResponse{Service: name, Action: "stopped", StopLocked: true}, http.StatusOK)
}

// Start handles POST /api/services/{name}/start. A stop-locked service is
// not started; the lock has to be cleared first (or use quickstart).
func (h *ServicesHandler) Start(w http.ResponseWriter, r *http.Request) {
	name, ok := h.serviceParam(w, r)
	if !ok {
		return
	}
	if err := h.coord.EnsureService(r.Context(), name); err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, serviceActionResponse{Service: name, Action: "started", StopLocked: false}, http.StatusOK)
}

// QuickStart handles POST /api/services/{name}/quickstart: clear the
// STOP_LOCK, then start.
func (h *ServicesHandler) QuickStart(w http.ResponseWriter, r *http.Request) {
	name, ok := h.serviceParam(w, r)
	if !ok {
		return
	}
	if err := h.coord.ClearStopLock(name); err != nil {
		respondFault(w, err)
		return
	}
	if err := h.coord.EnsureService(r.Context(), name); err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, serviceActionResponse{Service: name, Action: "started", StopLocked: false}, http.StatusOK)
}

type healthResponse struct {
	Status   string              `json:"status"`
	Services []gpu.ServiceHealth `json:"services"`
}

// Health handles GET /health: the control server is up, plus a probe of
// every local model service.
func (h *ServicesHandler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, healthResponse{
		Status:   "ok",
		Services: h.coord.HealthReport(r.Context()),
	}, http.StatusOK)
}
