// Package response writes the flat JSON shapes the web frontend consumes.
// Error bodies carry success=false plus a user-facing Chinese message; there
// is no envelope around success payloads.
package response

import (
	"encoding/json"
	"net/http"
)

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// JSON writes v with the given status.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// OK writes v with 200.
func OK(w http.ResponseWriter, v any) {
	JSON(w, http.StatusOK, v)
}

// Fail writes the flat error shape with the given status.
func Fail(w http.ResponseWriter, status int, msg string) {
	JSON(w, status, errorBody{Success: false, Error: msg})
}
