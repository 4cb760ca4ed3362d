// Package api contains shared helpers for the JSON API handlers.
package api

import (
	"encoding/json"
	"net/http"
)

// JSONError encodes err as a JSON error document to w with statusCode.
func JSONError(w http.ResponseWriter, err error, statusCode int) {
	jsonErr := &struct {
		Err string `json:"error"`
	}{Err: err.Error()}
	w.Header().Set("Content-Type", "application/json")
	if statusCode < 1 {
		statusCode = http.StatusInternalServerError
	}
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(jsonErr)
}
