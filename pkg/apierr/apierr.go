// Package apierr defines the uniform error-kind taxonomy surfaced across
// the control plane's API, work queue and rollout engine.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the documented error categories. Validation, NotFound,
// Conflict and AlreadyExists are surfaced unchanged to API callers and
// never retried; Internal is logged with a correlation id.
type Kind string

const (
	NotFound             Kind = "not_found"
	Conflict             Kind = "conflict"
	AlreadyExists        Kind = "already_exists"
	Validation           Kind = "validation"
	InsufficientCapacity Kind = "insufficient_capacity"
	Unauthorized         Kind = "unauthorized"
	Internal             Kind = "internal"
)

// Error wraps an underlying cause with a Kind and, for Internal errors, a
// correlation id for cross-referencing logs.
type Error struct {
	Kind          Kind
	Message       string
	CorrelationID string
	cause         error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// HTTPStatus returns the status code the API layer should respond with.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case AlreadyExists:
		return http.StatusConflict
	case Validation:
		return http.StatusUnprocessableEntity
	case InsufficientCapacity:
		return http.StatusConflict
	case Unauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func new_(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, cause: cause}
}

func NewNotFound(msg string) *Error      { return new_(NotFound, msg, nil) }
func NewConflict(msg string) *Error      { return new_(Conflict, msg, nil) }
func NewAlreadyExists(msg string) *Error { return new_(AlreadyExists, msg, nil) }
func NewValidation(msg string) *Error    { return new_(Validation, msg, nil) }
func NewInsufficientCapacity(msg string) *Error {
	return new_(InsufficientCapacity, msg, nil)
}
func NewUnauthorized(msg string) *Error { return new_(Unauthorized, msg, nil) }

// NewInternal wraps cause as an Internal error carrying correlationID,
// the value expected to also appear in the log line for this failure.
func NewInternal(correlationID string, cause error) *Error {
	return &Error{Kind: Internal, Message: "internal error", CorrelationID: correlationID, cause: cause}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, defaulting to Internal when err is not
// an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}
