// Package handlers provides HTTP handlers for the RAG engine API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/spherical-ai/spherical/libs/rag-engine/internal/apperr"
)

// errorBody is the wire shape for every non-2xx response.
type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError maps domain error kinds onto HTTP statuses. The detail string
// for typed errors is surfaced verbatim so callers can act on it.
func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)

	detail := err.Error()
	var ae *apperr.Error
	if errors.As(err, &ae) {
		detail = ae.Detail
	}

	writeJSON(w, apperr.HTTPStatus(kind), errorBody{
		Error:  string(kind),
		Detail: detail,
	})
}
