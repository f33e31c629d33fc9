// Package respond writes the platform's JSON response bodies.
//
// Every error response is a JSON object with a single "detail" field.
package respond

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

type errorBody struct {
	Detail string `json:"detail"`
}

// WriteJSON writes v as a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "error", err)
	}
}

// WriteError writes a {"detail": ...} error body with the given status.
func WriteError(w http.ResponseWriter, status int, detail string) {
	WriteJSON(w, status, errorBody{Detail: detail})
}

// WriteBadRequest writes a 400 with the given detail.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, detail)
}

// WriteUnauthorized writes a 401 with the given detail.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusUnauthorized, detail)
}

// WriteForbidden writes a 403 with the given detail.
func WriteForbidden(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusForbidden, detail)
}

// WriteNotFound writes a 404 with the given detail.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, detail)
}

// WriteTooManyRequests writes a 429 with the given detail.
func WriteTooManyRequests(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusTooManyRequests, detail)
}

// WriteInternal writes a 500. The underlying error is logged, never sent to
// the caller.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal server error")
}
