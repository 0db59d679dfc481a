package remote

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the object does not exist or the token addressing it is invalid.
	ErrNotFound = errors.New("remote: not found")
	// ErrAccessDenied means the local user may not see or change the object.
	ErrAccessDenied = errors.New("remote: access denied")
	// ErrNotModified means the requested change was already in effect.
	ErrNotModified = errors.New("remote: not modified")
	// ErrUnavailable means no remote connection exists.
	ErrUnavailable = errors.New("remote: unavailable")
)

// Class groups remote failures by how the engine reacts to them.
type Class uint8

const (
	ClassNone Class = iota
	ClassTransient
	ClassNotFound
	ClassAccessDenied
	ClassNotModified
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassNotFound:
		return "not_found"
	case ClassAccessDenied:
		return "access_denied"
	case ClassNotModified:
		return "not_modified"
	default:
		return "transient"
	}
}

// Classify maps err to its class. Unrecognized errors are transient.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrNotModified):
		return ClassNotModified
	case errors.Is(err, ErrNotFound):
		return ClassNotFound
	case errors.Is(err, ErrAccessDenied):
		return ClassAccessDenied
	default:
		return ClassTransient
	}
}

// IsTransient reports whether err may succeed when retried.
func IsTransient(err error) bool {
	return Classify(err) == ClassTransient
}

// CallError is a classified failure of one remote method.
type CallError struct {
	Method string
	Type   string
	kind   error
	cause  error
}

// NewCallError wraps cause with a taxonomy sentinel; kind may be nil for transient failures.
func NewCallError(method, errorType string, kind, cause error) *CallError {
	return &CallError{Method: method, Type: errorType, kind: kind, cause: cause}
}

func (e *CallError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("%s: %v", e.Method, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Method, e.Type)
}

// Unwrap exposes both the taxonomy sentinel and the underlying error.
func (e *CallError) Unwrap() []error {
	unwrapped := make([]error, 0, 2)
	if e.kind != nil {
		unwrapped = append(unwrapped, e.kind)
	}
	if e.cause != nil {
		unwrapped = append(unwrapped, e.cause)
	}
	return unwrapped
}
