package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	domaincache "github.com/accessguard/accessguard/internal/domain/cache"
	"github.com/accessguard/accessguard/internal/domain/pkce"
)

const defaultVerifierLength = 128
const defaultPairTTL = 600 * time.Second

// PKCEManagerConfig tunes verifier length and pair TTL.
type PKCEManagerConfig struct {
	VerifierLength int
	TTL            time.Duration
}

// PKCEManager implements component C over a CacheFacade.
type PKCEManager struct {
	cache domaincache.Facade
	cfg   PKCEManagerConfig
}

// NewPKCEManager wires the cache facade with defaults applied.
func NewPKCEManager(cache domaincache.Facade, cfg PKCEManagerConfig) *PKCEManager {
	if cfg.VerifierLength <= 0 {
		cfg.VerifierLength = defaultVerifierLength
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultPairTTL
	}
	return &PKCEManager{cache: cache, cfg: cfg}
}

// GeneratePairOptions carries the caller-supplied association for a new
// pair.
type GeneratePairOptions struct {
	UserID    string
	ClientID  string
	SessionID string
}

const verifierAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

func randomVerifier(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate verifier: %w", err)
	}
	out := make([]byte, length)
	for i, b := range buf {
		out[i] = verifierAlphabet[int(b)%len(verifierAlphabet)]
	}
	return string(out), nil
}

func s256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func pkceCacheKey(state string) string {
	sum := sha256.Sum256([]byte(state))
	return fmt.Sprintf("%s:%s", domaincache.NamespacePKCE, base64.RawURLEncoding.EncodeToString(sum[:])[:32])
}

// GeneratePair mints a verifier/challenge/state triple, persists it under
// its hashed state, and returns the pair.
func (m *PKCEManager) GeneratePair(ctx context.Context, opts GeneratePairOptions) (pkce.Pair, error) {
	verifier, err := randomVerifier(m.cfg.VerifierLength)
	if err != nil {
		return pkce.Pair{}, err
	}
	stateBytes := make([]byte, 32)
	if _, err := rand.Read(stateBytes); err != nil {
		return pkce.Pair{}, fmt.Errorf("generate state: %w", err)
	}
	state := base64.RawURLEncoding.EncodeToString(stateBytes)
	sessionID := opts.SessionID
	if sessionID == "" {
		sidBytes := make([]byte, 16)
		if _, err := rand.Read(sidBytes); err != nil {
			return pkce.Pair{}, fmt.Errorf("generate session id: %w", err)
		}
		sessionID = base64.RawURLEncoding.EncodeToString(sidBytes)
	}

	now := time.Now().UTC()
	pair := pkce.Pair{
		CodeVerifier:  verifier,
		CodeChallenge: s256Challenge(verifier),
		Method:        "S256",
		State:         state,
		UserID:        opts.UserID,
		ClientID:      opts.ClientID,
		SessionID:     sessionID,
		CreatedAt:     now,
		ExpiresAt:     now.Add(m.cfg.TTL),
	}

	raw, err := json.Marshal(pair)
	if err != nil {
		return pkce.Pair{}, fmt.Errorf("marshal pkce pair: %w", err)
	}
	if err := m.cache.Set(ctx, pkceCacheKey(state), raw, m.cfg.TTL); err != nil {
		return pkce.Pair{}, fmt.Errorf("store pkce pair: %w", err)
	}
	return pair, nil
}

// ValidationResult is the outcome of Validate.
type ValidationResult struct {
	Valid     bool
	Pair      *pkce.Pair
	ErrorCode string
}

// Validate loads the pair by hashed state, checks expiry, recomputes the
// S256 challenge from verifier, and invalidates the entry on success
// (single-use).
func (m *PKCEManager) Validate(ctx context.Context, state, verifier string) (ValidationResult, error) {
	if !pkce.ValidVerifierFormat(verifier) {
		return ValidationResult{Valid: false, ErrorCode: "invalid_request"}, pkce.ErrInvalidRequest
	}

	key := pkceCacheKey(state)
	raw, err := m.cache.Get(ctx, key)
	if err != nil {
		return ValidationResult{Valid: false, ErrorCode: "invalid_grant"}, pkce.ErrInvalidGrant
	}
	var pair pkce.Pair
	if err := json.Unmarshal(raw, &pair); err != nil {
		return ValidationResult{Valid: false, ErrorCode: "invalid_grant"}, pkce.ErrInvalidGrant
	}
	if pair.Expired() {
		_ = m.cache.Invalidate(ctx, key)
		return ValidationResult{Valid: false, ErrorCode: "invalid_grant"}, pkce.ErrInvalidGrant
	}

	expected := s256Challenge(verifier)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(pair.CodeChallenge)) != 1 {
		return ValidationResult{Valid: false, ErrorCode: "invalid_grant"}, pkce.ErrInvalidGrant
	}

	if err := m.cache.Invalidate(ctx, key); err != nil {
		slog.Warn("pkce manager: failed to invalidate used pair", "error", err)
	}
	return ValidationResult{Valid: true, Pair: &pair}, nil
}

// Peek loads the pending pair bound to state without consuming it,
// for callers (the auth interceptor's PKCE credential step) that need
// to recognize an in-flight handshake before the code exchange that
// would validate and invalidate it via Validate.
func (m *PKCEManager) Peek(ctx context.Context, state string) (pkce.Pair, bool) {
	raw, err := m.cache.Get(ctx, pkceCacheKey(state))
	if err != nil {
		return pkce.Pair{}, false
	}
	var pair pkce.Pair
	if err := json.Unmarshal(raw, &pair); err != nil {
		return pkce.Pair{}, false
	}
	if pair.Expired() {
		return pkce.Pair{}, false
	}
	return pair, true
}

// AuthorizationURL appends code_challenge, code_challenge_method, state,
// and any caller-supplied extras to base.
func AuthorizationURL(base string, pair pkce.Pair, extras url.Values) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse authorization url: %w", err)
	}
	q := u.Query()
	for k, vs := range extras {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	q.Set("code_challenge", pair.CodeChallenge)
	q.Set("code_challenge_method", pair.Method)
	q.Set("state", pair.State)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
