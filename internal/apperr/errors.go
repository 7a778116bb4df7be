// Package apperr defines the error taxonomy shared by every component of
// the gateway core and the sanitization rules applied at request/stream
// boundaries.
package apperr

import "errors"

// Kind classifies an error for client-facing reporting and metrics.
type Kind string

const (
	KindInvalidRequest       Kind = "invalid_request"
	KindUnauthorized         Kind = "unauthorized"
	KindTokenExpired         Kind = "token_expired"
	KindTokenInvalid         Kind = "token_invalid"
	KindInsufficientPerms    Kind = "insufficient_permissions"
	KindSessionNotFound      Kind = "session_not_found"
	KindSessionExpired       Kind = "session_expired"
	KindSessionSecurity      Kind = "session_security_violation"
	KindConcurrentLimit      Kind = "concurrent_limit"
	KindRateLimitExceeded    Kind = "rate_limit_exceeded"
	KindRateLimitDegraded    Kind = "rate_limit_degraded"
	KindUpstreamUnavailable  Kind = "upstream_unavailable"
	KindUpstreamTimeout      Kind = "upstream_timeout"
	KindCacheUnavailable     Kind = "cache_unavailable"
	KindDBUnavailable        Kind = "db_unavailable"
	KindInternal             Kind = "internal"
)

// Error is a classified error carrying a kind, a client-safe message, and
// the underlying cause (never exposed to callers).
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a classified error with a client-safe message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a kind and client-safe message to an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// surfacedKinds is the allow-list of kinds whose Message is safe to echo to
// a client verbatim. Anything else collapses to a generic internal message.
var surfacedKinds = map[Kind]bool{
	KindInvalidRequest:    true,
	KindUnauthorized:      true,
	KindTokenExpired:      true,
	KindTokenInvalid:      true,
	KindInsufficientPerms: true,
	KindSessionNotFound:   true,
	KindSessionExpired:    true,
	KindSessionSecurity:   true,
	KindConcurrentLimit:   true,
	KindRateLimitExceeded: true,
}

// genericInternalMessage is returned for any error not on the allow-list.
const genericInternalMessage = "internal server error"

// Sanitize reduces err to a client-safe message, never leaking stack traces,
// upstream error text, or internal identifiers. The full error should still
// be logged with a request correlation id by the caller.
func Sanitize(err error) string {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) && surfacedKinds[ae.Kind] {
		return ae.Message
	}
	return genericInternalMessage
}

// KindOf extracts the Kind of a classified error, defaulting to KindInternal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}
