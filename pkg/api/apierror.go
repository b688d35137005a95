// Package api holds the HTTP surface helpers: the error shape, per-IP rate
// limiting, and optional bearer-token auth.
package api

import (
	"encoding/json"
	"net/http"
)

// ErrorBody is the wire shape of every API error: {"detail": "..."}.
type ErrorBody struct {
	Detail string `json:"detail"`
}

// WriteError writes the error body with the given status.
func WriteError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorBody{Detail: detail})
}

// WriteBadRequest writes a 400.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, detail)
}

// WriteNotFound writes a 404.
func WriteNotFound(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "not found"
	}
	WriteError(w, http.StatusNotFound, detail)
}

// WriteConflict writes a 409.
func WriteConflict(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusConflict, detail)
}

// WriteUnauthorized writes a 401.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "authentication required"
	}
	WriteError(w, http.StatusUnauthorized, detail)
}

// WriteInternal writes a 500 without leaking internals.
func WriteInternal(w http.ResponseWriter) {
	WriteError(w, http.StatusInternalServerError, "internal error")
}

// WriteJSON writes a JSON success response.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
