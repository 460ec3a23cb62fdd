// Package handlers provides the REST surface of the desktop daemon.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/repbook/core/internal/errors"
)

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError maps an engine error onto an HTTP status and a JSON
// envelope carrying the stable error code.
func writeError(w http.ResponseWriter, err error) {
	code := errors.Code(err)
	writeJSON(w, httpStatus(code), map[string]interface{}{
		"error": err.Error(),
		"code":  string(code),
	})
}

func httpStatus(code errors.ErrorCode) int {
	switch code {
	case errors.ErrValidation:
		return http.StatusBadRequest
	case errors.ErrNotFound:
		return http.StatusNotFound
	case errors.ErrAuthMismatch:
		return http.StatusForbidden
	case errors.ErrNetwork, errors.ErrSyncTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
