package security

import (
	"encoding/json"
	"net/http"
)

type ErrorResponse struct {
	Error         string `json:"error"`
	Field         string `json:"field,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// WriteJSONError writes a machine-readable error body tagged with the
// request's correlation id. Internals never leak; callers pass a
// stable error code.
func WriteJSONError(w http.ResponseWriter, r *http.Request, status int, code string) {
	writeError(w, r, status, ErrorResponse{Error: code})
}

// WriteFieldError is WriteJSONError for validation failures that name
// the offending request field.
func WriteFieldError(w http.ResponseWriter, r *http.Request, status int, code, field string) {
	writeError(w, r, status, ErrorResponse{Error: code, Field: field})
}

func writeError(w http.ResponseWriter, r *http.Request, status int, body ErrorResponse) {
	cid := CorrelationIDFromContext(r.Context())
	if cid != "" {
		w.Header().Set(CorrelationIDHeader, cid)
	}
	body.CorrelationID = cid

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
