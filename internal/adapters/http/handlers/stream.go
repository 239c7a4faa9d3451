package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/atelierlabs/atelier/internal/application/services"
	"github.com/atelierlabs/atelier/internal/fault"
	"github.com/atelierlabs/atelier/internal/ports"
)

// StreamHandler serves GET /api/sessions/{id}/stream: the session's
// progress events as SSE, `data: `-prefixed newline-delimited JSON.
type StreamHandler struct {
	svc *services.SearchService
	now func() time.Time
}

func NewStreamHandler(svc *services.SearchService) *StreamHandler {
	return &StreamHandler{svc: svc, now: time.Now}
}

func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	events, release, err := h.svc.Stream(sessionID)
	if err != nil {
		respondError(w, string(fault.InvalidArgument), err.Error(), http.StatusNotFound)
		return
	}
	defer release()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, string(fault.Unknown), "streaming not supported", http.StatusInternalServerError)
		return
	}

	h.sendEvent(w, flusher, ports.ProgressEvent{
		SessionID: sessionID,
		Status:    ports.StatusInfo,
		Stage:     "stream",
		Message:   "connected",
		Timestamp: h.now().UTC(),
	})

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			slog.Debug("sse: client disconnected", "session_id", sessionID)
			return

		case event, ok := <-events:
			if !ok {
				// Hub closed the channel: the session is finished.
				return
			}
			h.sendEvent(w, flusher, event)
			if event.Stage == "session" && (event.Status == ports.StatusComplete || event.Status == ports.StatusError) {
				return
			}

		case <-keepalive.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func (h *StreamHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, event ports.ProgressEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		slog.Error("sse: encoding event", "error", err)
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}
