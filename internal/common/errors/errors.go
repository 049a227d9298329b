// Package errors provides the application error taxonomy for Runbox.
// Every error surfaced to a client carries a machine-readable code, a
// human-readable description and the HTTP status it maps to.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeConflict            = "CONFLICT"
	ErrCodeResourceExhausted   = "RESOURCE_EXHAUSTED"
	ErrCodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	ErrCodeExecutorUnreachable = "EXECUTOR_UNREACHABLE"
	ErrCodeTimeout             = "TIMEOUT"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeInternal            = "INTERNAL_ERROR"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code        string `json:"error_code"`
	Message     string `json:"description"`
	Detail      string `json:"error_detail,omitempty"`
	Remediation string `json:"suggested_remediation,omitempty"`
	HTTPStatus  int    `json:"-"`
	Err         error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetail attaches a machine-parsable detail string and returns the error.
func (e *AppError) WithDetail(detail string) *AppError {
	e.Detail = detail
	return e
}

// WithRemediation attaches a suggested remediation and returns the error.
func (e *AppError) WithRemediation(hint string) *AppError {
	e.Remediation = hint
	return e
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// Validation creates a new validation error (malformed input or illegal
// state transition).
func Validation(message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidation,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Conflict creates a new conflict error (duplicate name, idempotent op
// colliding with a different id).
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// ResourceExhausted indicates no healthy runtime node has capacity.
func ResourceExhausted(message string) *AppError {
	return &AppError{
		Code:       ErrCodeResourceExhausted,
		Message:    message,
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// UpstreamUnavailable indicates the container runtime or object storage is
// unreachable after retries.
func UpstreamUnavailable(upstream string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeUpstreamUnavailable,
		Message:    fmt.Sprintf("upstream '%s' is unavailable", upstream),
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// ExecutorUnreachable indicates the in-container executor could not be
// reached after retries.
func ExecutorUnreachable(err error) *AppError {
	return &AppError{
		Code:       ErrCodeExecutorUnreachable,
		Message:    "executor is unreachable",
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// Timeout indicates an operation exceeded its deadline.
func Timeout(operation string) *AppError {
	return &AppError{
		Code:       ErrCodeTimeout,
		Message:    fmt.Sprintf("operation '%s' timed out", operation),
		HTTPStatus: http.StatusGatewayTimeout,
	}
}

// Unauthorized creates a new unauthorized error.
func Unauthorized(message string) *AppError {
	return &AppError{
		Code:       ErrCodeUnauthorized,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// Internal creates a new internal server error with a wrapped underlying error.
func Internal(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:        appErr.Code,
			Message:     fmt.Sprintf("%s: %s", message, appErr.Message),
			Detail:      appErr.Detail,
			Remediation: appErr.Remediation,
			HTTPStatus:  appErr.HTTPStatus,
			Err:         err,
		}
	}

	return &AppError{
		Code:       ErrCodeInternal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool {
	return hasCode(err, ErrCodeValidation)
}

// IsConflict checks if the error is a conflict error.
func IsConflict(err error) bool {
	return hasCode(err, ErrCodeConflict)
}

// IsResourceExhausted checks if the error is a capacity error.
func IsResourceExhausted(err error) bool {
	return hasCode(err, ErrCodeResourceExhausted)
}

// IsExecutorUnreachable checks if the error marks an unreachable executor.
func IsExecutorUnreachable(err error) bool {
	return hasCode(err, ErrCodeExecutorUnreachable)
}

// IsTimeout checks if the error is a deadline error.
func IsTimeout(err error) bool {
	return hasCode(err, ErrCodeTimeout)
}

func hasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
