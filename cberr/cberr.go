// Package cberr defines the error taxonomy shared across every service
// boundary in the runtime: router, agent engine, MCP session manager,
// resource state machine, and the REST/GraphQL surfaces. Every error that
// crosses a component boundary is either a *cberr.Error or wraps one.
package cberr

import (
	"errors"
	"fmt"
)

// Kind classifies an error into one of the categories from the system's
// error handling design. Kind drives retry policy and client dispatch; it is
// never used for user-facing copy.
type Kind string

const (
	// KindValidation indicates malformed input, a missing required field, or
	// an invalid enum value.
	KindValidation Kind = "validation"

	// KindAuthentication indicates a missing/invalid token, an expired JWT,
	// or a signature mismatch.
	KindAuthentication Kind = "authentication"

	// KindAuthorization indicates a tenant mismatch, a missing permission, or
	// an installation that could not be found.
	KindAuthorization Kind = "authorization"

	// KindNotFound indicates a resource/workflow/agent/session/server id is
	// unknown.
	KindNotFound Kind = "not_found"

	// KindConflict indicates a CAS failure or a duplicate id.
	KindConflict Kind = "conflict"

	// KindInvalidTransition indicates an activity is not available from the
	// resource's current state, or its guard failed.
	KindInvalidTransition Kind = "invalid_transition"

	// KindBudget indicates a tenant quota was exceeded.
	KindBudget Kind = "budget"

	// KindRateLimit indicates a token-bucket was empty.
	KindRateLimit Kind = "rate_limit"

	// KindProvider indicates an upstream LLM provider returned a non-success
	// response.
	KindProvider Kind = "provider"

	// KindTimeout indicates an overall or per-attempt deadline was exceeded.
	KindTimeout Kind = "timeout"

	// KindTransport indicates the event log broker or network was
	// unavailable.
	KindTransport Kind = "transport"

	// KindCancelled indicates the client or caller cancelled the operation.
	KindCancelled Kind = "cancelled"
)

// Error is the concrete error type returned across component boundaries. It
// carries enough structure for callers to make retry decisions and enough
// context for operators to diagnose failures, without forcing every caller
// to parse a message string.
type Error struct {
	kind      Kind
	code      string
	message   string
	retryable bool
	cause     error
}

// New constructs an Error. kind is required; code is a short stable
// identifier clients can switch on (for example "BudgetExceeded"); message
// is human-readable.
func New(kind Kind, code, message string) *Error {
	return &Error{kind: kind, code: code, message: message, retryable: defaultRetryable(kind)}
}

// Wrap constructs an Error that preserves cause in its chain via Unwrap.
func Wrap(kind Kind, code, message string, cause error) *Error {
	e := New(kind, code, message)
	e.cause = cause
	return e
}

// WithRetryable overrides the default retryability for the error kind.
// Transient kinds (Timeout, Transport, Provider) default to retryable;
// everything else defaults to non-retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.retryable = retryable
	return e
}

func defaultRetryable(k Kind) bool {
	switch k {
	case KindTimeout, KindTransport, KindProvider:
		return true
	default:
		return false
	}
}

// Kind returns the error's category.
func (e *Error) Kind() Kind { return e.kind }

// Code returns the stable error code for client dispatch.
func (e *Error) Code() string { return e.code }

// Message returns the human-readable message.
func (e *Error) Message() string { return e.message }

// Retryable reports whether the router should retry locally without
// surfacing the error to the caller.
func (e *Error) Retryable() bool { return e.retryable }

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.code, e.kind, e.message, e.cause)
	}
	return fmt.Sprintf("%s (%s): %s", e.code, e.kind, e.message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// As reports whether err (or any error in its chain) is a *Error and, if so,
// returns it.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err if it is (or wraps) a *Error, otherwise
// returns an empty Kind.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.kind
	}
	return ""
}

// Is reports whether err is (or wraps) a *Error whose Kind equals k.
func Is(err error, k Kind) bool {
	e, ok := As(err)
	return ok && e.kind == k
}

var (
	// ErrConflict is a sentinel for KV compare-and-swap revision mismatches;
	// eventlog backends return this (or wrap it) so callers can retry
	// read-modify-write without inspecting a code string.
	ErrConflict = New(KindConflict, "Conflict", "expected revision mismatch")
)
