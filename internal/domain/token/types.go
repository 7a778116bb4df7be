// Package token defines the shared result shape and error taxonomy
// produced by JWTValidator (D) and TokenIntrospector (E), and consumed by
// TokenManager (F).
package token

import (
	"errors"
	"time"

	"github.com/accessguard/accessguard/internal/domain/auth"
)

// Sentinel validation errors, shared by the JWT and introspection paths.
var (
	ErrMalformed          = errors.New("token_malformed")
	ErrSignatureInvalid   = errors.New("token_signature_invalid")
	ErrExpired            = errors.New("token_expired")
	ErrIssuerInvalid      = errors.New("token_issuer_invalid")
	ErrAudienceInvalid    = errors.New("token_audience_invalid")
	ErrJWKSUnavailable    = errors.New("jwks_unavailable")
	ErrIntrospectionDown  = errors.New("introspection_unavailable")
	ErrInactive           = errors.New("token_inactive")
)

// Source identifies which validation path produced a Result.
type Source string

const (
	SourceJWT          Source = "jwt"
	SourceIntrospection Source = "introspection"
)

// Result is the structured outcome of validating a bearer token, shared by
// JWTValidator and TokenIntrospector so TokenManager can treat them
// uniformly.
type Result struct {
	Valid     bool
	Source    Source
	Principal auth.Principal
	ExpiresAt time.Time
	Scopes    []string
	Err       error
}

// ExtractBearer parses a strict, case-sensitive "Bearer <token>" value from
// an Authorization header, trimming surrounding whitespace from the token.
// Returns "", false on any violation (wrong scheme, missing token, extra
// segments).
func ExtractBearer(authorizationHeader string) (string, bool) {
	const prefix = "Bearer "
	if len(authorizationHeader) <= len(prefix) || authorizationHeader[:len(prefix)] != prefix {
		return "", false
	}
	tok := authorizationHeader[len(prefix):]
	for len(tok) > 0 && (tok[0] == ' ' || tok[0] == '\t') {
		tok = tok[1:]
	}
	for len(tok) > 0 && (tok[len(tok)-1] == ' ' || tok[len(tok)-1] == '\t') {
		tok = tok[:len(tok)-1]
	}
	if tok == "" {
		return "", false
	}
	for i := 0; i < len(tok); i++ {
		if tok[i] == ' ' || tok[i] == '\t' {
			return "", false
		}
	}
	return tok, true
}
