// Package apperr defines the error taxonomy surfaced to clients of the sync engine.
package apperr

import (
	"errors"
	"fmt"
)

// Code is a machine-readable error code sent to clients.
type Code string

const (
	CodeUnknown         Code = "UNKNOWN"
	CodeValidation      Code = "VALIDATION"
	CodeUnauthenticated Code = "UNAUTHENTICATED"
	CodeForbidden       Code = "FORBIDDEN"
	CodeVersionConflict Code = "VERSION_CONFLICT"
	CodeThrottled       Code = "THROTTLED"
	CodeNotFound        Code = "NOT_FOUND"
	CodeInternal        Code = "INTERNAL"
)

// Error carries a code, a client-facing message and an optional cause.
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

// Is matches any *Error with the same code, so sentinel values below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

// Sentinels for errors.Is checks. They carry no message so they match by code.
var (
	ErrValidation      = &Error{Code: CodeValidation}
	ErrUnauthenticated = &Error{Code: CodeUnauthenticated}
	ErrForbidden       = &Error{Code: CodeForbidden}
	ErrVersionConflict = &Error{Code: CodeVersionConflict}
	ErrThrottled       = &Error{Code: CodeThrottled}
	ErrNotFound        = &Error{Code: CodeNotFound}
)

func newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Error { return newf(CodeValidation, format, args...) }

func Unauthenticated(format string, args ...any) *Error {
	return newf(CodeUnauthenticated, format, args...)
}

func Forbidden(format string, args ...any) *Error { return newf(CodeForbidden, format, args...) }

func Conflict(format string, args ...any) *Error { return newf(CodeVersionConflict, format, args...) }

func Throttled(format string, args ...any) *Error { return newf(CodeThrottled, format, args...) }

func NotFound(format string, args ...any) *Error { return newf(CodeNotFound, format, args...) }

// Internal wraps an unexpected failure. The cause is kept for logs but not shown to clients.
func Internal(err error, format string, args ...any) *Error {
	e := newf(CodeInternal, format, args...)
	e.Err = err
	return e
}

// GetCode extracts the error code from any error.
// Returns CodeUnknown if the error is not an *Error.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// IsCode checks if the error has the specified code.
func IsCode(err error, code Code) bool {
	return GetCode(err) == code
}

// Retryable reports whether the caller may re-read state and try again.
func Retryable(err error) bool {
	return IsCode(err, CodeVersionConflict)
}

// Message returns the client-facing message for err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Code == CodeInternal {
			return "an unexpected error occurred"
		}
		return e.Message
	}
	return "an unexpected error occurred"
}
