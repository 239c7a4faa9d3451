package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/atelierlabs/atelier/internal/application/services"
	"github.com/atelierlabs/atelier/internal/domain/models"
	"github.com/atelierlabs/atelier/internal/fault"
	"github.com/atelierlabs/atelier/internal/search"
)

// SessionsHandler manages search sessions over HTTP: create (async),
// inspect, cancel, and record human evaluations.
type SessionsHandler struct {
	svc *services.SearchService
}

func NewSessionsHandler(svc *services.SearchService) *SessionsHandler {
	return &SessionsHandler{svc: svc}
}

type createSessionRequest struct {
	Prompt          string              `json:"prompt"`
	Style           string              `json:"style,omitempty"`
	Descriptiveness string              `json:"descriptiveness,omitempty"`
	Seed            *int64              `json:"seed,omitempty"`
	Iterations      *int                `json:"iterations,omitempty"`
	SessionID       string              `json:"session_id,omitempty"`
	Config          models.SearchConfig `json:"config"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// Create handles POST /api/sessions. The search runs in the background;
// the response carries the id to poll or stream.
func (h *SessionsHandler) Create(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[createSessionRequest](r, w)
	if !ok {
		return
	}

	id, err := h.svc.Start(r.Context(), search.Request{
		SessionID:       req.SessionID,
		Prompt:          req.Prompt,
		Style:           req.Style,
		Descriptiveness: req.Descriptiveness,
		Seed:            req.Seed,
		Iterations:      req.Iterations,
		Config:          req.Config,
	})
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, createSessionResponse{SessionID: id, Status: "running"}, http.StatusAccepted)
}

type sessionListEntry struct {
	SessionID      string               `json:"session_id"`
	Date           string               `json:"date"`
	CreatedAt      time.Time            `json:"created_at"`
	Status         models.SessionStatus `json:"status"`
	OriginalPrompt string               `json:"original_prompt"`
	Active         bool                 `json:"active"`
}

// List handles GET /api/sessions, newest first.
func (h *SessionsHandler) List(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.svc.List()
	if err != nil {
		respondFault(w, err)
		return
	}
	out := make([]sessionListEntry, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, sessionListEntry{
			SessionID:      s.SessionID,
			Date:           s.Date,
			CreatedAt:      s.CreatedAt,
			Status:         s.Status,
			OriginalPrompt: s.OriginalPrompt,
			Active:         s.Active,
		})
	}
	respondJSON(w, out, http.StatusOK)
}

// Get handles GET /api/sessions/{id}: the full metadata document.
func (h *SessionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.Get(chi.URLParam(r, "id"))
	if err != nil {
		if fault.IsKind(err, fault.InvalidArgument) {
			respondError(w, string(fault.InvalidArgument), err.Error(), http.StatusNotFound)
			return
		}
		respondFault(w, err)
		return
	}
	respondJSON(w, sess, http.StatusOK)
}

// Cancel handles POST /api/sessions/{id}/cancel. Cancellation lands at the
// next iteration boundary; completed work stays on disk.
func (h *SessionsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.Cancel(id); err != nil {
		respondError(w, string(fault.InvalidArgument), err.Error(), http.StatusNotFound)
		return
	}
	respondJSON(w, map[string]string{"session_id": id, "status": "cancelling"}, http.StatusAccepted)
}

// Evaluate handles POST /api/sessions/{id}/evaluations: store one human
// preference record next to the session metadata.
func (h *SessionsHandler) Evaluate(w http.ResponseWriter, r *http.Request) {
	eval, ok := decodeJSON[models.HumanEvaluation](r, w)
	if !ok {
		return
	}
	stored, err := h.svc.Evaluate(chi.URLParam(r, "id"), *eval)
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, stored, http.StatusCreated)
}
