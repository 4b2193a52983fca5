package domain

import (
	"errors"
	"fmt"
	"time"
)

// APIError represents a standardized error response
type APIError struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Retryable bool      `json:"retryable,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error codes for different failure scenarios
const (
	ErrCodeInvalidInput   = "INVALID_INPUT"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeDatabaseError  = "DATABASE_ERROR"
	ErrCodeImageLoad      = "IMAGE_LOAD_ERROR"
	ErrCodeSurfaceLocked  = "SURFACE_LOCKED"
	ErrCodeSurfaceState   = "SURFACE_STATE_ERROR"
	ErrCodeAlreadyReview  = "ALREADY_REVIEWED"
	ErrCodeSaveFailed     = "SAVE_FAILED"
	ErrCodeInternalServer = "INTERNAL_SERVER_ERROR"
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeConflict       = "CONFLICT"
)

// Sentinel errors shared across packages
var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyReviewed    = errors.New("submission already reviewed")
	ErrSurfaceLocked      = errors.New("annotation surface is locked")
	ErrSurfaceNotReady    = errors.New("annotation surface is not ready")
	ErrSurfaceClosed      = errors.New("annotation surface is closed")
	ErrNothingSelected    = errors.New("no shapes selected")
	ErrColourNotInPalette = errors.New("colour is not in the palette")
	ErrInvalidGeometry    = errors.New("invalid shape geometry")
	ErrUnknownShape       = errors.New("unknown shape")
	ErrArtifactExists     = errors.New("artifact already stored")
)

// ValidationError represents input validation errors
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// NewAPIError creates a new APIError with timestamp
func NewAPIError(code, message, details, requestID string) *APIError {
	return &APIError{
		Code:      code,
		Message:   message,
		Details:   details,
		Timestamp: time.Now().UTC(),
		RequestID: requestID,
	}
}

// NewValidationError creates a new ValidationError
func NewValidationError(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}

// IsValidationError reports whether err wraps a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
