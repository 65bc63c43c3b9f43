// Package respond centralizes JSON response writing and the mapping from
// domain errors to HTTP status codes.
package respond

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/kalendr/kalendr/internal/model"
)

// ErrorResponse is the standard error payload.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

// WriteError writes a standardized error response.
func WriteError(w http.ResponseWriter, statusCode int, message string) {
	WriteJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Code:    statusCode,
		Message: message,
	})
}

// WriteBadRequest writes a 400 Bad Request response.
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, message)
}

// WriteNotFound writes a 404 Not Found response.
func WriteNotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, message)
}

// WriteInternalError writes a 500 Internal Server Error response.
func WriteInternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, message)
}

// WriteDomainError maps a domain error to its HTTP status:
// validation 400, not found 404, version conflict 409, incomplete audit
// data 422, partial failure and remote unavailability 502, anything
// else 500. A nothing-to-undo error reads as 404 (no undoable record).
func WriteDomainError(w http.ResponseWriter, err error) {
	switch {
	case model.IsValidation(err):
		WriteBadRequest(w, err.Error())
	case errors.Is(err, model.ErrNothingToUndo):
		WriteNotFound(w, err.Error())
	case model.IsNotFound(err):
		WriteNotFound(w, err.Error())
	case model.IsVersionConflict(err):
		WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, model.ErrIncompleteAuditData):
		WriteError(w, http.StatusUnprocessableEntity, err.Error())
	case model.IsPartialFailure(err), model.IsRemoteUnavailable(err):
		WriteError(w, http.StatusBadGateway, err.Error())
	default:
		WriteInternalError(w, err.Error())
	}
}
