package api

import (
	"encoding/json"
	"errors"
	"net/http"

	apperrors "github.com/ci-exporter/internal/errors"
	"github.com/ci-exporter/internal/storage"
	"github.com/ci-exporter/internal/types"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Error: types.ServiceError{
			Code:    code,
			Message: message,
			Details: details,
		},
	}

	json.NewEncoder(w).Encode(response)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// Common error codes
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeRateLimited        = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// mapStoreError maps job store errors to HTTP status codes.
func mapStoreError(err error) (int, string, string) {
	if errors.Is(err, storage.ErrJobNotFound) {
		return http.StatusNotFound, ErrCodeNotFound, "Job not found"
	}
	if apperrors.IsStore(err) {
		return http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "Job store unavailable"
	}
	return http.StatusInternalServerError, ErrCodeInternalError, "An internal error occurred"
}
