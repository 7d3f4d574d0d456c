// Package gwerr defines the gateway's error taxonomy.
//
// Exceptions-as-control-flow are deliberately avoided: every failure path in
// the gateway returns an [*Error] carrying a [Kind] and the HTTP status that
// kind maps to, so callers can branch on the kind with [errors.As] instead of
// string-matching messages.
package gwerr

import (
	"errors"
	"fmt"
)

// Kind classifies a gateway failure. Each Kind maps to exactly one HTTP
// status code (see [Kind.Status]).
type Kind int

const (
	// KindValidation marks a malformed or out-of-range request. Never retried.
	KindValidation Kind = iota

	// KindSessionNotFound marks a lookup against a session id that does not
	// exist or has expired.
	KindSessionNotFound

	// KindNoHealthyBackend marks a use case with no healthy backend and no
	// healthy fallback.
	KindNoHealthyBackend

	// KindBackendError marks a non-2xx response surfaced verbatim from a
	// backend after retries (if any) were exhausted.
	KindBackendError

	// KindTimeout marks a request that exceeded its deadline.
	KindTimeout

	// KindOverloaded marks a rejection from the per-backend concurrency cap.
	KindOverloaded

	// KindInternal marks an unexpected failure.
	KindInternal
)

// String returns the error-kind name (e.g. "NoHealthyBackend") used in API
// responses and logs.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "ValidationError"
	case KindSessionNotFound:
		return "SessionNotFound"
	case KindNoHealthyBackend:
		return "NoHealthyBackend"
	case KindBackendError:
		return "BackendError"
	case KindTimeout:
		return "Timeout"
	case KindOverloaded:
		return "Overloaded"
	case KindInternal:
		return "InternalError"
	default:
		return "Unknown"
	}
}

// Status returns the HTTP status code this Kind is surfaced as (spec §7).
func (k Kind) Status() int {
	switch k {
	case KindValidation:
		return 400
	case KindSessionNotFound:
		return 404
	case KindNoHealthyBackend:
		return 503
	case KindBackendError:
		return 502
	case KindTimeout:
		return 504
	case KindOverloaded:
		return 503
	case KindInternal:
		return 500
	default:
		return 500
	}
}

// Error is the concrete error value returned by gateway components. It wraps
// an optional underlying cause while keeping the externally observable Kind
// stable, so a wrapped backend error (e.g. a connection refused) still maps
// to the right status code.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// New creates an [*Error] of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap creates an [*Error] of the given kind, recording err as the cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind == kind
	}
	return false
}
