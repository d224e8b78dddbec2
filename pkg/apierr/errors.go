package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Type is the stable error code exposed on the wire.
type Type string

const (
	TypeNotFound              Type = "NOT_FOUND"
	TypeInvalidState          Type = "INVALID_STATE"
	TypeInvalidTransition     Type = "INVALID_TRANSITION"
	TypeNotLockOwner          Type = "NOT_LOCK_OWNER"
	TypeLockedByOther         Type = "LOCKED_BY_OTHER"
	TypeValidation            Type = "VALIDATION"
	TypeUnauthenticated       Type = "UNAUTHENTICATED"
	TypeUnauthorized          Type = "UNAUTHORIZED"
	TypeConflict              Type = "CONFLICT"
	TypePartialWrite          Type = "PARTIAL_WRITE"
	TypeDependencyUnavailable Type = "DEPENDENCY_UNAVAILABLE"
	TypeInternal              Type = "INTERNAL"
)

// Error is a service-level error carrying a wire code and an HTTP status.
type Error struct {
	Type    Type
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Status maps the error type to its HTTP status code.
func (e *Error) Status() int {
	switch e.Type {
	case TypeNotFound:
		return http.StatusNotFound
	case TypeInvalidState, TypeInvalidTransition, TypeNotLockOwner, TypeLockedByOther, TypeConflict:
		return http.StatusConflict
	case TypeValidation, TypePartialWrite:
		return http.StatusBadRequest
	case TypeUnauthenticated:
		return http.StatusUnauthorized
	case TypeUnauthorized:
		return http.StatusForbidden
	case TypeDependencyUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// New creates an error with the given type and message.
func New(t Type, format string, args ...any) *Error {
	return &Error{Type: t, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error with the given type, message and underlying cause.
func Wrap(err error, t Type, format string, args ...any) *Error {
	return &Error{Type: t, Message: fmt.Sprintf(format, args...), cause: err}
}

// NotFound creates a NOT_FOUND error for the named entity.
func NotFound(entity, id string) *Error {
	return New(TypeNotFound, "%s not found: %s", entity, id)
}

// InvalidState creates an INVALID_STATE error.
func InvalidState(format string, args ...any) *Error {
	return New(TypeInvalidState, format, args...)
}

// Validation creates a VALIDATION error.
func Validation(format string, args ...any) *Error {
	return New(TypeValidation, format, args...)
}

// Internal wraps an unexpected error.
func Internal(err error) *Error {
	return Wrap(err, TypeInternal, "internal error")
}

// Dependency wraps a downstream failure as DEPENDENCY_UNAVAILABLE.
func Dependency(err error, dep string) *Error {
	return Wrap(err, TypeDependencyUnavailable, "%s unavailable", dep)
}

// As extracts an *Error from the chain, or wraps unknown errors as INTERNAL.
func As(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return Internal(err)
}

// Is reports whether the error chain contains an *Error of the given type.
func Is(err error, t Type) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Type == t
	}
	return false
}
