// Package apperrors defines the typed error kinds that cross component
// boundaries in the agent runtime. Every public operation in pkg/lifecycle,
// pkg/gateway, pkg/provider, pkg/memory and pkg/cluster returns one of these
// kinds (wrapped around an internal cause) rather than an ad-hoc error.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind enumerates the error categories exposed to callers. Never add a new
// business-error kind without also adding it to CodeFor for the gateway's
// outbound error frames.
type Kind string

const (
	Unauthenticated      Kind = "unauthenticated"
	Forbidden            Kind = "forbidden"
	NotFound             Kind = "not_found"
	BadState             Kind = "bad_state"
	Validation           Kind = "validation"
	CapacityExceeded     Kind = "capacity_exceeded"
	CircuitOpen          Kind = "circuit_open"
	RateLimited          Kind = "rate_limited"
	Timeout              Kind = "timeout"
	ProviderUnavailable  Kind = "provider_unavailable"
	StoreUnavailable     Kind = "store_unavailable"
	Conflict             Kind = "conflict"
	CapabilityDenied     Kind = "capability_denied"
	Internal             Kind = "internal"
	ShutdownInProgress  Kind = "shutdown_in_progress"
	ManifestInvalid     Kind = "manifest_invalid"
	ForbiddenCapability Kind = "forbidden_capability"
	InitFailed          Kind = "init_failed"
	AgentUnreachable    Kind = "agent_unreachable"
)

// Error is the typed error value carried across component boundaries. The
// wrapped Cause is never serialized to a client; it exists for logs and the
// audit sink.
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

// New creates an Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a Kind to an underlying error, preserving it for Unwrap/Is.
// If cause is already an *Error, its Kind is preserved (wrapping an already
// typed error does not downgrade it) unless forced with WrapAs.
func Wrap(kind Kind, cause error) *Error {
	if cause == nil {
		return nil
	}
	var existing *Error
	if errors.As(cause, &existing) {
		return existing
	}
	return &Error{Kind: kind, Message: cause.Error(), Cause: cause}
}

// WrapAs always applies kind, even if cause is already a typed Error. Used
// when a component boundary must normalize an inner kind to its own (e.g. the
// gateway turning any handler error into a single outbound frame).
func WrapAs(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind of err, defaulting to Internal for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if err == nil {
		return ""
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// CodeFor maps a Kind to the outbound "code" string used in a client-facing
// error frame. It exists as its own function (rather than just using Kind's
// string value directly) so the wire vocabulary can diverge from the
// internal Kind names without touching every call site.
func CodeFor(kind Kind) string {
	return string(kind)
}

// Retriable reports whether the client should be told it can retry. Mirrors
// the classification a provider/breaker layer already did internally; this
// is only used to fill the outbound {code,message,retriable} frame.
func Retriable(kind Kind) bool {
	switch kind {
	case RateLimited, CircuitOpen, Timeout, ProviderUnavailable, StoreUnavailable, AgentUnreachable:
		return true
	default:
		return false
	}
}
