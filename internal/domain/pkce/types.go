// Package pkce defines the RFC 7636 proof-key data model used by
// PKCEManager (component C).
package pkce

import (
	"errors"
	"regexp"
	"time"
)

// ErrInvalidGrant covers missing/expired pairs and challenge mismatches;
// ErrInvalidRequest covers malformed verifier input. Both are surfaced
// verbatim to callers per the error taxonomy.
var (
	ErrInvalidGrant   = errors.New("invalid_grant")
	ErrInvalidRequest = errors.New("invalid_request")
)

// verifierPattern enforces RFC 7636's unreserved character set and length.
var verifierPattern = regexp.MustCompile(`^[A-Za-z0-9\-._~]{43,128}$`)

// ValidVerifierFormat reports whether s satisfies the RFC 7636 code
// verifier grammar.
func ValidVerifierFormat(s string) bool {
	return verifierPattern.MatchString(s)
}

// Pair is a bound PKCE code_verifier/code_challenge/state triple.
type Pair struct {
	CodeVerifier  string
	CodeChallenge string
	Method        string // always "S256"
	State         string
	UserID        string // optional
	ClientID      string // optional
	SessionID     string
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// Expired reports whether the pair's TTL has elapsed.
func (p *Pair) Expired() bool {
	return time.Now().UTC().After(p.ExpiresAt)
}
