// Package auth contains the domain types shared by token validation,
// session management, and the RBAC/ABAC decision engine: the Principal,
// its roles, and the token bundle issued by the identity provider.
package auth

import "time"

// Role identifies a realm or client role carried by a Principal. Roles are
// plain strings rather than a closed enum because the identity provider's
// role catalog is configured, not compiled in.
type Role string

// Principal is the authenticated actor for the duration of a request or
// stream message. It is immutable once constructed; callers that need to
// enrich it (e.g. attach session-derived attributes) build a new value.
type Principal struct {
	// ID is the subject identifier ("sub" claim or store primary key).
	ID string
	// Username is the preferred, human-readable login name.
	Username string
	// Email is optional; not every identity provider exposes it.
	Email string
	// Roles is the union of realm and client roles as carried by the
	// credential, before hierarchy expansion; RoleHierarchyManager in
	// internal/service expands them at decision time.
	Roles []Role
	// Permissions carries an explicit permissions claim when the token
	// issuer supplies one directly, bypassing role-derived computation.
	Permissions []string
	// Attributes is an arbitrary bag used by ABAC condition resolution
	// (the "${attr.path}" substitution described for AbilityFactory).
	Attributes map[string]any
}

// HasRole reports whether the principal carries the given role, honoring
// the "realm:" and "client:" prefix convention: a bare role name matches
// either a prefixed or unprefixed carried role.
func (p *Principal) HasRole(role Role) bool {
	for _, r := range p.Roles {
		if r == role || stripRolePrefix(r) == role {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether the principal carries any of the given roles.
func (p *Principal) HasAnyRole(roles ...Role) bool {
	for _, role := range roles {
		if p.HasRole(role) {
			return true
		}
	}
	return false
}

func stripRolePrefix(r Role) Role {
	s := string(r)
	if i := indexByte(s, ':'); i >= 0 {
		switch s[:i] {
		case "realm":
			return Role(s[i+1:])
		case "client":
			rest := s[i+1:]
			if j := indexByte(rest, ':'); j >= 0 {
				return Role(rest[j+1:]) // "client:<clientId>:<role>"
			}
			return Role(rest)
		}
	}
	return r
}

func indexByte(s string, c byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			return i
		}
	}
	return -1
}

// TokenBundle is the set of tokens and expiries returned by the identity
// provider's token endpoint or by a refresh operation.
type TokenBundle struct {
	AccessToken      string
	RefreshToken     string // optional, empty when absent
	IDToken          string // optional, empty when absent
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time // zero value when absent
	TokenType        string    // "bearer"
	Scopes           []string
}

// ExpiresWithin reports whether the access token expires within d of now.
func (b TokenBundle) ExpiresWithin(d time.Duration) bool {
	return time.Now().UTC().Add(d).After(b.AccessExpiresAt)
}

// HasRefreshToken reports whether a (non-expired-by-shape) refresh token
// is present in the bundle.
func (b TokenBundle) HasRefreshToken() bool {
	return b.RefreshToken != ""
}
