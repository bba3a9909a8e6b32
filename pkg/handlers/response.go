package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fieldline-io/fieldline/pkg/apperrors"
)

// ApiResponse is the envelope for all JSON responses.
type ApiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// ErrorResponse writes a JSON error response and returns any encoding error.
func ErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(map[string]string{
		"error":   errorCode,
		"message": message,
	})
}

// WriteJSON writes a JSON response and returns any encoding error.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	if statusCode != http.StatusOK {
		w.WriteHeader(statusCode)
	}
	return json.NewEncoder(w).Encode(data)
}

// ServiceError maps a service-layer error onto an HTTP status and error
// code. Transient storage unavailability gets 503 so clients know to retry;
// a draining schema version likewise, since the staged version activates
// shortly.
func ServiceError(w http.ResponseWriter, err error) error {
	switch {
	case errors.Is(err, apperrors.ErrInvalidSchema):
		return ErrorResponse(w, http.StatusBadRequest, "invalid_schema", err.Error())
	case errors.Is(err, apperrors.ErrFieldMismatch):
		return ErrorResponse(w, http.StatusBadRequest, "field_mismatch", err.Error())
	case errors.Is(err, apperrors.ErrSchemaNotFound):
		return ErrorResponse(w, http.StatusNotFound, "schema_not_found", err.Error())
	case errors.Is(err, apperrors.ErrNotFound):
		return ErrorResponse(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, apperrors.ErrConflict):
		return ErrorResponse(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, apperrors.ErrConstraintViolation):
		return ErrorResponse(w, http.StatusUnprocessableEntity, "constraint_violation", err.Error())
	case errors.Is(err, apperrors.ErrSchemaDraining):
		w.Header().Set("Retry-After", "1")
		return ErrorResponse(w, http.StatusServiceUnavailable, "schema_draining", err.Error())
	case errors.Is(err, apperrors.ErrUnavailable):
		w.Header().Set("Retry-After", "1")
		return ErrorResponse(w, http.StatusServiceUnavailable, "storage_unavailable", err.Error())
	default:
		return ErrorResponse(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
