// Package usperr defines the error taxonomy shared by every USP component.
//
// Every error that can cross a component boundary is constructed with New or
// Wrap and carries a stable Kind. Handlers map Kind to an HTTP status and a
// machine-readable code; callers that need to branch on error type use
// errors.As against *Error or the KindOf helper.
package usperr

import (
	"errors"
	"fmt"
)

// Kind is a stable, machine-readable error category.
type Kind string

const (
	Sealed           Kind = "sealed"
	NotFound         Kind = "not_found"
	CASMismatch      Kind = "cas_mismatch"
	Destroyed        Kind = "destroyed"
	Deleted          Kind = "deleted"
	PolicyDenied     Kind = "policy_denied"
	Unauthenticated  Kind = "unauthenticated"
	ValidationFailed Kind = "validation_failure"
	KeyVersionTooOld Kind = "key_version_too_old"
	ConnectorError   Kind = "connector_error"
	ChainBroken      Kind = "chain_broken"
	Unsupported      Kind = "unsupported"
	Transient        Kind = "transient"
	Internal         Kind = "internal"
)

// Error is the concrete error type returned by USP core components.
type Error struct {
	Kind    Kind
	Message string
	Err     error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, usperr.Sentinel(usperr.Sealed)) style matching
// against a bare Kind by comparing against a sentinel constructed from that
// kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// New constructs an *Error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf constructs an *Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an *Error that retains the original cause for %w-chains
// while exposing a stable Kind to callers.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the Kind from err, defaulting to Internal when err does
// not carry one. Used at the HTTP boundary to choose a status code.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Sentinel returns a zero-message error of the given kind, suitable for use
// with errors.Is(err, usperr.Sentinel(usperr.NotFound)).
func Sentinel(kind Kind) *Error {
	return &Error{Kind: kind}
}
