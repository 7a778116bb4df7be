// Package jwks implements JWTValidator (component D): JWKS fetch with a
// keyed, auto-refreshing cache, signature verification, and claim checks.
package jwks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/accessguard/accessguard/internal/domain/auth"
	"github.com/accessguard/accessguard/internal/domain/token"
)

// Config configures a Validator instance.
type Config struct {
	JWKSURL        string
	Issuer         string
	Audience       string
	ClockSkew      time.Duration // default 60s
	RefreshMinWait time.Duration // minimum time between JWKS refreshes, default 5m
}

// Validator implements token.Validator against a JWKS endpoint. Key
// material is served by jwk.Cache, which serializes refreshes so only one
// fetch is ever in flight per URL.
type Validator struct {
	cfg   Config
	cache *jwk.Cache
}

// NewValidator registers cfg.JWKSURL with a fresh jwk.Cache and returns a
// ready Validator. The cache performs its first fetch lazily, on the
// first Validate call that needs a key.
func NewValidator(ctx context.Context, cfg Config) (*Validator, error) {
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 60 * time.Second
	}
	if cfg.RefreshMinWait <= 0 {
		cfg.RefreshMinWait = 5 * time.Minute
	}
	c := jwk.NewCache(ctx)
	if err := c.Register(cfg.JWKSURL, jwk.WithMinRefreshInterval(cfg.RefreshMinWait)); err != nil {
		return nil, fmt.Errorf("register jwks url: %w", err)
	}
	return &Validator{cfg: cfg, cache: c}, nil
}

// Validate parses and verifies tokenString, assembling a Principal from
// its claims on success.
func (v *Validator) Validate(ctx context.Context, tokenString string) (token.Result, error) {
	keyset, err := v.cache.Get(ctx, v.cfg.JWKSURL)
	if err != nil {
		return token.Result{Err: token.ErrJWKSUnavailable}, token.ErrJWKSUnavailable
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		key, ok := lookupKey(keyset, kid)
		if !ok {
			return nil, fmt.Errorf("no matching jwks key for kid %q", kid)
		}
		var raw interface{}
		if err := key.Raw(&raw); err != nil {
			return nil, err
		}
		return raw, nil
	},
		jwt.WithLeeway(v.cfg.ClockSkew),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithAudience(v.cfg.Audience),
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}),
	)
	if err != nil {
		return token.Result{Err: classifyJWTError(err)}, classifyJWTError(err)
	}
	if !parsed.Valid {
		return token.Result{Err: token.ErrSignatureInvalid}, token.ErrSignatureInvalid
	}

	principal, expiresAt, scopes := assemblePrincipal(claims)
	return token.Result{
		Valid:     true,
		Source:    token.SourceJWT,
		Principal: principal,
		ExpiresAt: expiresAt,
		Scopes:    scopes,
	}, nil
}

func lookupKey(set jwk.Set, kid string) (jwk.Key, bool) {
	if kid == "" {
		if set.Len() == 1 {
			k, ok := set.Key(0)
			return k, ok
		}
		return nil, false
	}
	return set.LookupKeyID(kid)
}

func classifyJWTError(err error) error {
	switch {
	case strings.Contains(err.Error(), "token is expired"):
		return token.ErrExpired
	case strings.Contains(err.Error(), "audience"):
		return token.ErrAudienceInvalid
	case strings.Contains(err.Error(), "issuer"):
		return token.ErrIssuerInvalid
	case strings.Contains(err.Error(), "signature is invalid"):
		return token.ErrSignatureInvalid
	case strings.Contains(err.Error(), "no matching jwks key"):
		return token.ErrSignatureInvalid
	default:
		return token.ErrMalformed
	}
}

// assemblePrincipal builds a Principal from standard OIDC claims plus
// Keycloak-style realm_access/resource_access role claims.
func assemblePrincipal(claims jwt.MapClaims) (auth.Principal, time.Time, []string) {
	p := auth.Principal{
		Attributes: make(map[string]any),
	}
	if sub, ok := claims["sub"].(string); ok {
		p.ID = sub
	}
	if username, ok := claims["preferred_username"].(string); ok {
		p.Username = username
	}
	if email, ok := claims["email"].(string); ok {
		p.Email = email
	}

	var roles []auth.Role
	if realmAccess, ok := claims["realm_access"].(map[string]interface{}); ok {
		if rs, ok := realmAccess["roles"].([]interface{}); ok {
			for _, r := range rs {
				if s, ok := r.(string); ok {
					roles = append(roles, auth.Role("realm:"+s))
				}
			}
		}
	}
	if resourceAccess, ok := claims["resource_access"].(map[string]interface{}); ok {
		for client, v := range resourceAccess {
			cm, ok := v.(map[string]interface{})
			if !ok {
				continue
			}
			rs, ok := cm["roles"].([]interface{})
			if !ok {
				continue
			}
			for _, r := range rs {
				if s, ok := r.(string); ok {
					roles = append(roles, auth.Role(fmt.Sprintf("client:%s:%s", client, s)))
				}
			}
		}
	}
	p.Roles = roles

	if permsRaw, ok := claims["permissions"].([]interface{}); ok {
		for _, perm := range permsRaw {
			if s, ok := perm.(string); ok {
				p.Permissions = append(p.Permissions, s)
			}
		}
	}

	var expiresAt time.Time
	if exp, ok := claims["exp"].(float64); ok {
		expiresAt = time.Unix(int64(exp), 0).UTC()
	}

	var scopes []string
	if scopeStr, ok := claims["scope"].(string); ok {
		scopes = strings.Fields(scopeStr)
	}

	for k, v := range claims {
		switch k {
		case "sub", "preferred_username", "email", "realm_access", "resource_access", "permissions", "exp", "scope", "iss", "aud", "iat", "nbf":
			continue
		default:
			p.Attributes[k] = v
		}
	}

	return p, expiresAt, scopes
}

var _ token.Validator = (*Validator)(nil)
