package handlers

import (
	"net/http"

	"github.com/atelierlabs/atelier/internal/providers"
)

// ProvidersHandler exposes the runtime provider registry: read the current
// selection, or switch it with the registry's validity gates.
type ProvidersHandler struct {
	registry *providers.Registry
}

func NewProvidersHandler(registry *providers.Registry) *ProvidersHandler {
	return &ProvidersHandler{registry: registry}
}

// Get handles GET /api/providers.
func (h *ProvidersHandler) Get(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, h.registry.Selection(), http.StatusOK)
}

type switchResponse struct {
	Current  providers.Selection `json:"current"`
	Previous providers.Selection `json:"previous"`
}

// Put handles PUT /api/providers. A switch to an unreachable local
// provider is rejected with 503 and leaves the selection untouched.
func (h *ProvidersHandler) Put(w http.ResponseWriter, r *http.Request) {
	sel, ok := decodeJSON[providers.Selection](r, w)
	if !ok {
		return
	}

	prior, err := h.registry.Switch(r.Context(), *sel)
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, switchResponse{Current: *sel, Previous: prior}, http.StatusOK)
}
