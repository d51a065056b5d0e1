// Package coordderr defines the error taxonomy shared by every coordination
// component, per the propagation policy: validation and conflict errors are
// surfaced verbatim, resource errors may be retried by the caller.
package coordderr

import (
	"errors"
	"fmt"
)

// Kind identifies one of the error categories in the coordination core's
// taxonomy. Validation and Conflict kinds are never retried internally.
type Kind string

const (
	// Validation
	KindInvalidMessage Kind = "InvalidMessage"
	KindInvalidTask    Kind = "InvalidTask"
	KindInvalidVote    Kind = "InvalidVote"
	KindUnknownChannel Kind = "UnknownChannel"

	// Conflict
	KindAlreadyClaimed    Kind = "AlreadyClaimed"
	KindAlreadyVoted      Kind = "AlreadyVoted"
	KindVoteClosed        Kind = "VoteClosed"
	KindInvalidTransition Kind = "InvalidTransition"
	KindDependenciesUnmet Kind = "DependenciesUnmet"

	// Precondition
	KindNotFound           Kind = "NotFound"
	KindNotEligible        Kind = "NotEligible"
	KindInsufficientVoters Kind = "InsufficientVoters"
	KindNoQuorum           Kind = "NoQuorum"

	// Resource
	KindRateLimited     Kind = "RateLimited"
	KindCircuitOpen     Kind = "CircuitOpen"
	KindStoreUnavailable Kind = "StoreUnavailable"
	KindTimeout         Kind = "Timeout"
)

// Error wraps a Kind with a human-readable message and optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
	deps    []string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target shares this error's Kind, so callers can write
// errors.Is(err, coordderr.New(coordderr.KindNotFound, "")).
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

// New constructs an *Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an *Error of the given kind around a lower-level cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// OfKind is a convenience matcher for errors.Is-style checks against a bare Kind.
func OfKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// DependenciesUnmetList extracts the unmet dependency IDs carried by a
// DependenciesUnmet error, if any were attached via WithDeps.
func (e *Error) DependenciesUnmetList() []string {
	return e.deps
}

// WithDeps attaches the unmet dependency IDs to a DependenciesUnmet error.
func (e *Error) WithDeps(deps []string) *Error {
	e.deps = deps
	return e
}
