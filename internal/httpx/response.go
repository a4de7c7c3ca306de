// Package httpx holds the gateway's JSON response helpers.
package httpx

import (
	"encoding/json"
	"net/http"
)

// WriteJSON writes v as the JSON response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ErrorEnvelope is the gateway's error response body, `{error, request_id,
// detail?}`. Retry-After, when applicable, is surfaced as a header by the
// caller rather than in the body.
type ErrorEnvelope struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id"`
	Detail    string `json:"detail,omitempty"`
}

// NewError builds the error envelope for a gateway error kind.
func NewError(kind, requestID, detail string) ErrorEnvelope {
	return ErrorEnvelope{Error: kind, RequestID: requestID, Detail: detail}
}
