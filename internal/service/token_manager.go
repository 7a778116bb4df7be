// Package service hosts the orchestration components (F, G, H, I, J, L,
// M, N, P, Q, R) that compose the outbound adapters into the gateway's
// authentication and authorization core.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	domaincache "github.com/accessguard/accessguard/internal/domain/cache"
	"github.com/accessguard/accessguard/internal/domain/token"
)

// TokenManagerConfig tunes cache TTLs for the two validation paths.
type TokenManagerConfig struct {
	JWTCacheTTL         time.Duration // default 300s
	IntrospectCacheTTL  time.Duration // default 60s
	PreferIntrospection bool
}

// TokenManager implements component F: a cache-fronted fan-out over
// JWTValidator (D) and TokenIntrospector (E).
type TokenManager struct {
	jwtValidator  token.Validator
	introspector  token.Validator
	cache         domaincache.Facade
	cfg           TokenManagerConfig
	refreshMgr    *RefreshTokenManager
}

// NewTokenManager wires a JWT validator and, optionally, an introspector
// (nil disables that path) behind a shared cache.
func NewTokenManager(jwtValidator, introspector token.Validator, cache domaincache.Facade, cfg TokenManagerConfig) *TokenManager {
	if cfg.JWTCacheTTL <= 0 {
		cfg.JWTCacheTTL = 300 * time.Second
	}
	if cfg.IntrospectCacheTTL <= 0 {
		cfg.IntrospectCacheTTL = 60 * time.Second
	}
	return &TokenManager{jwtValidator: jwtValidator, introspector: introspector, cache: cache, cfg: cfg}
}

// AttachRefreshManager wires component G so TokenManager can expose the
// refresh-delegation convenience methods.
func (m *TokenManager) AttachRefreshManager(r *RefreshTokenManager) {
	m.refreshMgr = r
}

func tokenCacheKey(namespace, tokenString string) string {
	sum := sha256.Sum256([]byte(tokenString))
	return fmt.Sprintf("%s:%s", namespace, hex.EncodeToString(sum[:])[:16])
}

// ValidateJWT validates tokenString via the JWT path, cache-through.
func (m *TokenManager) ValidateJWT(ctx context.Context, tokenString string) (token.Result, error) {
	return m.validateCached(ctx, tokenCacheKey(domaincache.NamespaceJWT, tokenString), m.cfg.JWTCacheTTL, func() (token.Result, error) {
		return m.jwtValidator.Validate(ctx, tokenString)
	})
}

// IntrospectToken validates tokenString via the introspection path,
// cache-through with a shorter TTL.
func (m *TokenManager) IntrospectToken(ctx context.Context, tokenString string) (token.Result, error) {
	if m.introspector == nil {
		return token.Result{}, token.ErrIntrospectionDown
	}
	return m.validateCached(ctx, tokenCacheKey(domaincache.NamespaceIntrospect, tokenString), m.cfg.IntrospectCacheTTL, func() (token.Result, error) {
		return m.introspector.Validate(ctx, tokenString)
	})
}

// ValidateToken tries the preferred path first, falling back to the other
// on failure (when both are wired).
func (m *TokenManager) ValidateToken(ctx context.Context, tokenString string, preferIntrospection bool) (token.Result, error) {
	prefer := preferIntrospection || m.cfg.PreferIntrospection
	primary, fallback := m.ValidateJWT, m.IntrospectToken
	if prefer {
		primary, fallback = m.IntrospectToken, m.ValidateJWT
	}

	result, err := primary(ctx, tokenString)
	if err == nil && result.Valid {
		return result, nil
	}
	if m.introspector == nil && !prefer {
		return result, err
	}
	return fallback(ctx, tokenString)
}

func (m *TokenManager) validateCached(ctx context.Context, key string, ttl time.Duration, validate func() (token.Result, error)) (token.Result, error) {
	if raw, err := m.cache.Get(ctx, key); err == nil {
		var cached token.Result
		if json.Unmarshal(raw, &cached) == nil {
			return cached, nil
		}
	}

	result, err := validate()
	if err != nil || !result.Valid {
		return result, err
	}

	if raw, mErr := json.Marshal(result); mErr == nil {
		_ = m.cache.Set(ctx, key, raw, ttl)
	}
	return result, nil
}

// ExtractBearer delegates to token.ExtractBearer, kept as a method for
// symmetry with the other TokenManager operations callers invoke.
func (m *TokenManager) ExtractBearer(authorizationHeader string) (string, bool) {
	return token.ExtractBearer(authorizationHeader)
}

// StoreTokens delegates to the attached RefreshTokenManager, if any.
func (m *TokenManager) StoreTokens(ctx context.Context, userID, sessionID string, bundle encryptedBundle) error {
	if m.refreshMgr == nil {
		return fmt.Errorf("refresh token manager not attached")
	}
	return m.refreshMgr.StoreTokens(ctx, userID, sessionID, bundle)
}

// RefreshUserTokens delegates to the attached RefreshTokenManager, if any.
func (m *TokenManager) RefreshUserTokens(ctx context.Context, userID, sessionID string) error {
	if m.refreshMgr == nil {
		return fmt.Errorf("refresh token manager not attached")
	}
	return m.refreshMgr.RefreshUserTokens(ctx, userID, sessionID)
}

// RemoveStoredTokens delegates to the attached RefreshTokenManager, if any.
func (m *TokenManager) RemoveStoredTokens(ctx context.Context, userID, sessionID string) error {
	if m.refreshMgr == nil {
		return fmt.Errorf("refresh token manager not attached")
	}
	return m.refreshMgr.RemoveStoredTokens(ctx, userID, sessionID)
}

// HasValidStoredTokens delegates to the attached RefreshTokenManager, if any.
func (m *TokenManager) HasValidStoredTokens(ctx context.Context, userID, sessionID string) (bool, error) {
	if m.refreshMgr == nil {
		return false, fmt.Errorf("refresh token manager not attached")
	}
	return m.refreshMgr.HasValidStoredTokens(ctx, userID, sessionID)
}
