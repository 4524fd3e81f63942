// Package apperrors defines the coded error taxonomy shared by the service
// and handler layers. Codes classify recovery behavior: NotFound and
// Validation are caller errors and must not be retried, Conflict means a
// concurrent writer won and a retry against refreshed state is safe,
// Internal is surfaced as-is.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrCode classifies an error for callers.
type ErrCode string

const (
	ErrCodeNotFound     ErrCode = "NOT_FOUND"
	ErrCodeValidation   ErrCode = "VALIDATION"
	ErrCodeConflict     ErrCode = "CONFLICT"
	ErrCodeUnauthorized ErrCode = "UNAUTHORIZED"
	ErrCodeInternal     ErrCode = "INTERNAL"
)

// Error is a coded application error, optionally wrapping a cause.
type Error struct {
	Code    ErrCode
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates a coded error.
func New(code ErrCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap annotates a cause with a code and message.
func Wrap(cause error, code ErrCode, message string) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found: %s", resource, id))
}

// InvalidInput reports a malformed or missing field.
func InvalidInput(field, message string) *Error {
	return New(ErrCodeValidation, fmt.Sprintf("invalid %s: %s", field, message))
}

// Conflict reports a lost write race; safe to retry against refreshed state.
func Conflict(message string) *Error {
	return New(ErrCodeConflict, message)
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code ErrCode) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// CodeOf extracts the code from err, defaulting to Internal.
func CodeOf(err error) ErrCode {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// HTTPStatus maps an error to the status code the handler layer should write.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeValidation:
		return http.StatusBadRequest
	case ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeUnauthorized:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
