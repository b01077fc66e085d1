// Package syncerr defines the error taxonomy shared by the queue, the processor and the
// operation handlers. Callers branch on Kind, never on message text.
package syncerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for routing (retry, conflict, surface to caller).
type Kind string

const (
	KindNotFound         Kind = "NOT_FOUND"
	KindConflictingWrite Kind = "CONFLICTING_WRITE"
	KindBadRequest       Kind = "BAD_REQUEST"
	KindValidation       Kind = "VALIDATION"
	KindInvalidState     Kind = "INVALID_STATE"
	KindInProgress       Kind = "IN_PROGRESS"
	KindTransient        Kind = "TRANSIENT"
	KindExhausted        Kind = "EXHAUSTED_RETRIES"
)

// Error is a classified failure
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error without a cause.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an existing error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, format, args...)
}

func BadRequest(format string, args ...any) *Error {
	return New(KindBadRequest, format, args...)
}

func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

func InvalidState(format string, args ...any) *Error {
	return New(KindInvalidState, format, args...)
}

// ConflictError signals that the canonical store rejected a write because the target
// changed (or disappeared) after the client took its local copy. Remote holds the
// store's view of the row at rejection time; nil means the row no longer exists.
type ConflictError struct {
	Remote map[string]any
	Err    error
}

func (e *ConflictError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("conflicting write: %v", e.Err)
	}
	return "conflicting write"
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}

// Conflict builds a ConflictError around the given remote snapshot.
func Conflict(remote map[string]any, cause error) *ConflictError {
	return &ConflictError{Remote: remote, Err: cause}
}

// KindOf returns the classification of err. Unclassified errors are TRANSIENT so they
// follow the bounded retry path.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ce *ConflictError
	if errors.As(err, &ce) {
		return KindConflictingWrite
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindTransient
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
