package security

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the JSON error envelope of every endpoint.
type ErrorResponse struct {
	Error          string `json:"error"`
	Kind           string `json:"kind,omitempty"`
	Message        string `json:"message,omitempty"`
	ForceAvailable bool   `json:"force_available,omitempty"`
	CorrelationID  string `json:"correlation_id,omitempty"`
}

func WriteJSONError(w http.ResponseWriter, r *http.Request, status int, code string) {
	WriteError(w, r, status, ErrorResponse{Error: code})
}

// WriteError writes resp with the request's correlation ID filled in.
func WriteError(w http.ResponseWriter, r *http.Request, status int, resp ErrorResponse) {
	cid := CorrelationIDFromContext(r.Context())
	if cid != "" {
		w.Header().Set(CorrelationIDHeader, cid)
	}
	resp.CorrelationID = cid

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
