package common

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNotFound is wrapped by every not-found failure so callers can use errors.Is.
var ErrNotFound = errors.New("not found")

// AppError represents an error with an attached code and HTTP status.
type AppError struct {
	Code       string
	Message    string
	HTTPStatus int
	Err        error
	Details    any
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

// Unwrap allows errors.Is/As to inspect the underlying error.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewAppError constructs an AppError.
func NewAppError(code, message string, status int, err error) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

// NotFoundFailure reports a missing resource, e.g. "payment" yields code payment_not_found.
func NotFoundFailure(resource string) *AppError {
	code := resource + "_not_found"
	return &AppError{
		Code:       code,
		Message:    code,
		HTTPStatus: http.StatusNotFound,
		Err:        fmt.Errorf("%s: %w", resource, ErrNotFound),
	}
}

// ServiceFailure reports a business rule failure.
func ServiceFailure(code, message string) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: http.StatusUnprocessableEntity}
}

// ValidationFailure reports invalid input keyed by field.
func ValidationFailure(details map[string][]string) *AppError {
	return &AppError{
		Code:       "validation_errors",
		Message:    "validation errors",
		HTTPStatus: http.StatusUnprocessableEntity,
		Details:    details,
	}
}

// Unauthorized reports a failed authentication check.
func Unauthorized(code, message string) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: http.StatusUnauthorized}
}

// IsAppError checks whether the error is an AppError.
func IsAppError(err error) bool {
	var target *AppError
	return errors.As(err, &target)
}

// IsNotFound reports whether err is a not-found failure.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// WriteError renders err using its AppError shape, falling back to a 500.
func WriteError(w http.ResponseWriter, err error) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		status := appErr.HTTPStatus
		if status == 0 {
			status = http.StatusInternalServerError
		}
		JSONError(w, status, appErr.Code, appErr.Message, appErr.Details)
		return
	}
	JSONError(w, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
}
