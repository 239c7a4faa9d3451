// Package handlers implements the control endpoints the engine exposes to
// its host: provider switching, service lifecycle, session management and
// progress streaming.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/atelierlabs/atelier/internal/fault"
)

// errorResponse is the JSON body of every non-2xx answer.
type errorResponse struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

// respondJSON writes a JSON response with the given status code
func respondJSON(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes an error JSON response
func respondError(w http.ResponseWriter, kind string, message string, status int) {
	respondJSON(w, errorResponse{Error: errorDetail{Kind: kind, Message: message, Status: status}}, status)
}

// respondFault maps a fault kind onto an HTTP status and writes the error.
func respondFault(w http.ResponseWriter, err error) {
	kind := fault.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case fault.InvalidArgument:
		status = http.StatusBadRequest
	case fault.ServiceUnavailable:
		status = http.StatusServiceUnavailable
	case fault.Timeout:
		status = http.StatusGatewayTimeout
	case fault.Cancelled:
		status = http.StatusConflict
	case fault.ParseFailure:
		status = http.StatusBadGateway
	}
	respondError(w, string(kind), err.Error(), status)
}

// decodeJSON decodes a JSON request body with a size limit.
func decodeJSON[T any](r *http.Request, w http.ResponseWriter) (*T, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	var req T
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, string(fault.InvalidArgument), "invalid request body", http.StatusBadRequest)
		return nil, false
	}
	return &req, true
}
