// Package errs defines the error-kind taxonomy shared by every ClusterForge
// component. Kinds are tagged variants, not a type hierarchy: callers branch
// on Kind() rather than on concrete Go types, and errors.Is/errors.As still
// work against the wrapped cause.
package errs

import (
	"errors"
	"fmt"
)

// Kind tags the category of failure a component can report. See spec.md §7.
type Kind string

const (
	NotFound          Kind = "NotFound"
	IllegalState      Kind = "IllegalState"
	Conflict          Kind = "Conflict"
	ResourceExhausted Kind = "ResourceExhausted"
	RuntimeError      Kind = "RuntimeError"
	RuntimeTimeout    Kind = "RuntimeTimeout"
	RuntimeUnavailable Kind = "RuntimeUnavailable"
	RuntimeNotFound   Kind = "RuntimeNotFound"
	IntegrityError    Kind = "IntegrityError"
	Unauthorized      Kind = "Unauthorized"
)

// Error is a structured failure record: kind + message + optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error with no underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error carrying cause as its Unwrap target.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, or "" if err is not (or does not wrap) an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
