package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies an error for callers and for HTTP status mapping.
type Code string

const (
	CodeInvalidInput Code = "invalid_input"
	CodeNotFound     Code = "not_found"
	CodeConflict     Code = "conflict"
	CodeIntegrity    Code = "integrity"
	CodeUnauthorized Code = "unauthorized"
	CodeInternal     Code = "internal"
)

// Error is a coded error. Integrity errors mark data that violates a
// uniqueness invariant the write path should have enforced; they are never
// silently corrected by the batch engine.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a code and message, preserving the cause.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	return Newf(CodeNotFound, "%s %q not found", resource, id)
}

// InvalidInput reports a rejected field value.
func InvalidInput(field, message string) *Error {
	return Newf(CodeInvalidInput, "%s: %s", field, message)
}

// Conflict reports a state that rejects the requested write.
func Conflict(message string) *Error {
	return New(CodeConflict, message)
}

// Integrity reports stored data violating a uniqueness invariant.
func Integrity(message string) *Error {
	return New(CodeIntegrity, message)
}

// Unauthorized reports a caller not permitted to act.
func Unauthorized(message string) *Error {
	return New(CodeUnauthorized, message)
}

// CodeOf extracts the code from err, defaulting to internal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsNotFound reports whether err carries the not_found code.
func IsNotFound(err error) bool {
	return CodeOf(err) == CodeNotFound
}

// HTTPStatus maps an error code to an HTTP status.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeInvalidInput:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict, CodeIntegrity:
		return http.StatusConflict
	case CodeUnauthorized:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
