package engine

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a reconciliation failure.
type ErrorKind string

const (
	// Fetch errors.
	KindRevisionNotFound  ErrorKind = "RevisionNotFound"
	KindRenderError       ErrorKind = "RenderError"
	KindSourceUnreachable ErrorKind = "SourceUnreachable"

	// Observe errors.
	KindDestinationUnreachable ErrorKind = "DestinationUnreachable"
	KindPermissionDenied       ErrorKind = "PermissionDenied"

	// Sync errors.
	KindApplyRejected    ErrorKind = "ApplyRejected"
	KindHealthTimeout    ErrorKind = "HealthTimeout"
	KindResourceConflict ErrorKind = "ResourceConflict"
)

// transientKinds are retried locally by the owning component before being
// surfaced to the scheduler.
var transientKinds = map[ErrorKind]bool{
	KindSourceUnreachable:      true,
	KindDestinationUnreachable: true,
	KindResourceConflict:       true,
}

// Error is a classified reconciliation error.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient reports whether the error kind is retryable.
func (e *Error) Transient() bool {
	return transientKinds[e.Kind]
}

// NewError wraps err with a kind. A nil err yields a nil result.
func NewError(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind ErrorKind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the classification of err, or "" when unclassified.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsTransient reports whether err is classified as retryable. Unclassified
// errors are treated as non-transient.
func IsTransient(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Transient()
	}
	return false
}
