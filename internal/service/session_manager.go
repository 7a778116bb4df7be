package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/accessguard/accessguard/internal/domain/auth"
	domaincache "github.com/accessguard/accessguard/internal/domain/cache"
	"github.com/accessguard/accessguard/internal/domain/session"
)

// SessionManagerConfig tunes the lifecycle policy for component L.
type SessionManagerConfig struct {
	MaxAge              time.Duration // upper bound on a session's lifetime; default 24h
	RotationInterval    time.Duration // age at which validateSession flags requiresRotation; default 12h
	TokenRefreshWindow  time.Duration // requiresTokenRefresh when the access token expires within this; default 5m
	AccessWriteInterval time.Duration // minimum gap between LastAccessedAt writes; default 60s
	MaxConcurrent       int           // per-user concurrent session cap; default 5
	ValidationCacheTTL  time.Duration // default 30s, shorter when requiresTokenRefresh
	CheckIPMatch        bool
	CheckUAMatch        bool
}

func (c *SessionManagerConfig) applyDefaults() {
	if c.MaxAge <= 0 {
		c.MaxAge = 24 * time.Hour
	}
	if c.RotationInterval <= 0 {
		c.RotationInterval = 12 * time.Hour
	}
	if c.TokenRefreshWindow <= 0 {
		c.TokenRefreshWindow = 5 * time.Minute
	}
	if c.AccessWriteInterval <= 0 {
		c.AccessWriteInterval = 60 * time.Second
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 5
	}
	if c.ValidationCacheTTL <= 0 {
		c.ValidationCacheTTL = 30 * time.Second
	}
}

// RequestContext carries the caller-observed IP and user agent used for
// fingerprinting and the optional security checks.
type RequestContext struct {
	IPAddress string
	UserAgent string
}

// SessionCreateOptions describes a new session's initial contents.
type SessionCreateOptions struct {
	UserID       string
	Principal    auth.Principal
	IdPSessionID string
	Tokens       auth.TokenBundle
	Context      RequestContext
	MaxAge       time.Duration // caps the configured default when smaller and non-zero
	Metadata     map[string]any
}

// SessionValidationResult is returned by ValidateSession.
type SessionValidationResult struct {
	Valid                bool
	Snapshot             *session.Session
	RequiresRotation     bool
	RequiresTokenRefresh bool
	Suspicious           bool
	Error                string
}

// SessionManager implements component L: session minting, validation with
// security checks and token-refresh coordination, rotation, and destroy
// fan-out. It composes SessionStore (K), EncryptionManager (A),
// TokenManager (F), and publishes lifecycle events for SessionSynchronizer
// (M).
type SessionManager struct {
	store      session.Store
	encryptor  Encryptor
	tokens     *TokenManager
	cache      domaincache.Facade
	sync       *SessionSynchronizer
	cfg        SessionManagerConfig
}

// NewSessionManager wires the session store, encryption manager, token
// manager, and cache. sync may be nil if no cross-node fan-out is needed
// (single-node deployments).
func NewSessionManager(store session.Store, encryptor Encryptor, tokens *TokenManager, cache domaincache.Facade, sync *SessionSynchronizer, cfg SessionManagerConfig) *SessionManager {
	cfg.applyDefaults()
	return &SessionManager{store: store, encryptor: encryptor, tokens: tokens, cache: cache, sync: sync, cfg: cfg}
}

func mintSessionID() string {
	return uuid.NewString() + "." + strconv.FormatInt(time.Now().UTC().UnixMilli(), 36)
}

func computeFingerprint(ip, ua string, atMillis int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d", ip, ua, atMillis)))
	return hex.EncodeToString(sum[:])
}

func validationCacheKey(sid string) string {
	return domaincache.NamespaceSession + ":validation:" + sid
}

// encryptOrEmpty encrypts plaintext, returning "" unchanged for an empty
// input so optional tokens (refresh, id) stay absent rather than sealing
// an empty blob.
func (m *SessionManager) encryptOrEmpty(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	return m.encryptor.Encrypt([]byte(plaintext))
}

// decryptTolerant decrypts blob. Legacy plaintext blobs (short, lacking a
// ".") are returned as-is during migration rather than rejected, per the
// token-encryption policy: reads must tolerate pre-encryption data.
func (m *SessionManager) decryptTolerant(blob string) string {
	if blob == "" {
		return ""
	}
	plaintext, err := m.encryptor.Decrypt(blob)
	if err != nil {
		if len(blob) < 24 || !strings.Contains(blob, ".") {
			return blob
		}
		slog.Warn("session manager: token decrypt failed, returning ciphertext", "error", err)
		return blob
	}
	return string(plaintext)
}

// CreateSession mints a new session, encrypts its tokens, enforces the
// per-user concurrency limit, persists it, and publishes session:created.
func (m *SessionManager) CreateSession(ctx context.Context, opts SessionCreateOptions) (*session.Session, error) {
	now := time.Now().UTC()
	sid := mintSessionID()
	fingerprint := computeFingerprint(opts.Context.IPAddress, opts.Context.UserAgent, now.UnixMilli())

	// Leave room for the session about to be created.
	if _, err := m.store.EnforceConcurrentLimit(ctx, opts.UserID, m.cfg.MaxConcurrent-1); err != nil {
		return nil, fmt.Errorf("enforce concurrent session limit: %w", err)
	}

	maxAge := m.cfg.MaxAge
	if opts.MaxAge > 0 && opts.MaxAge < maxAge {
		maxAge = opts.MaxAge
	}

	encAccess, err := m.encryptOrEmpty(opts.Tokens.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt access token: %w", err)
	}
	encRefresh, err := m.encryptOrEmpty(opts.Tokens.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt refresh token: %w", err)
	}
	encID, err := m.encryptOrEmpty(opts.Tokens.IDToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt id token: %w", err)
	}

	sess := &session.Session{
		ID:               sid,
		UserID:           opts.UserID,
		Principal:        opts.Principal,
		IdPSessionID:     opts.IdPSessionID,
		AccessToken:      encAccess,
		RefreshToken:     encRefresh,
		IDToken:          encID,
		TokenExpiresAt:   opts.Tokens.AccessExpiresAt,
		RefreshExpiresAt: opts.Tokens.RefreshExpiresAt,
		CreatedAt:        now,
		LastAccessedAt:   now,
		ExpiresAt:        now.Add(maxAge),
		IPAddress:        opts.Context.IPAddress,
		UserAgent:        opts.Context.UserAgent,
		Active:           true,
		Metadata:         opts.Metadata,
		Fingerprint:      fingerprint,
	}

	if err := m.store.Store(ctx, sess); err != nil {
		if destroyErr := m.store.Destroy(ctx, sid, session.ReasonCreationFailed); destroyErr != nil {
			slog.Warn("session manager: rollback destroy failed", "session_id", sid, "error", destroyErr)
		}
		return nil, fmt.Errorf("create session: %w", err)
	}

	m.publishEvent(ctx, "session:created", sid, opts.UserID, nil, "")
	return sess, nil
}

// ValidateSession implements the cache-fronted validate path, including
// the optional IP/UA security checks, token-refresh coordination via F,
// and write-throttled LastAccessedAt updates.
func (m *SessionManager) ValidateSession(ctx context.Context, sid string, reqCtx RequestContext) SessionValidationResult {
	if sid == "" || !strings.Contains(sid, ".") {
		return SessionValidationResult{Valid: false, Error: "invalid session id format"}
	}

	if raw, err := m.cache.Get(ctx, validationCacheKey(sid)); err == nil {
		var cached SessionValidationResult
		if json.Unmarshal(raw, &cached) == nil {
			return cached
		}
	}

	sess, err := m.store.Retrieve(ctx, sid)
	if err != nil {
		return SessionValidationResult{Valid: false, Error: "session not found"}
	}
	if !sess.Active {
		return SessionValidationResult{Valid: false, Error: "session inactive"}
	}
	if sess.IsExpired() {
		if destroyErr := m.store.Destroy(ctx, sid, session.ReasonExpired); destroyErr != nil {
			slog.Warn("session manager: destroy expired session failed", "session_id", sid, "error", destroyErr)
		}
		m.publishEvent(ctx, "session:expired", sid, sess.UserID, nil, "")
		return SessionValidationResult{Valid: false, Error: "session expired"}
	}

	if m.cfg.CheckIPMatch && reqCtx.IPAddress != "" && sess.IPAddress != "" && reqCtx.IPAddress != sess.IPAddress {
		if destroyErr := m.store.Destroy(ctx, sid, session.ReasonSecurityViolation); destroyErr != nil {
			slog.Warn("session manager: destroy on security violation failed", "session_id", sid, "error", destroyErr)
		}
		return SessionValidationResult{Valid: false, Suspicious: true, Error: "ip address mismatch"}
	}
	if m.cfg.CheckUAMatch && reqCtx.UserAgent != "" && sess.UserAgent != "" && reqCtx.UserAgent != sess.UserAgent {
		slog.Warn("session manager: user agent changed", "session_id", sid)
	}

	requiresTokenRefresh := false
	if sess.AccessToken != "" {
		accessPlaintext := m.decryptTolerant(sess.AccessToken)
		result, vErr := m.tokens.ValidateToken(ctx, accessPlaintext, false)
		if (vErr != nil || !result.Valid) && sess.RefreshToken != "" {
			if refreshErr := m.tokens.RefreshUserTokens(ctx, sess.UserID, sid); refreshErr == nil {
				if err := m.cache.Invalidate(ctx, validationCacheKey(sid)); err != nil {
					slog.Warn("session manager: invalidate validation cache failed", "session_id", sid, "error", err)
				}
				sess, err = m.store.Retrieve(ctx, sid)
				if err != nil {
					return SessionValidationResult{Valid: false, Error: "session not found after refresh"}
				}
				accessPlaintext = m.decryptTolerant(sess.AccessToken)
				result, vErr = m.tokens.ValidateToken(ctx, accessPlaintext, false)
			}
		}
		if vErr != nil || !result.Valid {
			return SessionValidationResult{Valid: false, Error: classifyTokenError(vErr, result.Err)}
		}
		if sess.TokenExpiringWithin(m.cfg.TokenRefreshWindow) {
			requiresTokenRefresh = true
		}
	}

	if time.Since(sess.LastAccessedAt) > m.cfg.AccessWriteInterval {
		sess.LastAccessedAt = time.Now().UTC()
		if err := m.store.Store(ctx, sess); err != nil {
			slog.Warn("session manager: update last accessed failed", "session_id", sid, "error", err)
		}
	}

	requiresRotation := time.Since(sess.CreatedAt) > m.cfg.RotationInterval

	out := SessionValidationResult{
		Valid:                true,
		Snapshot:             sess,
		RequiresRotation:     requiresRotation,
		RequiresTokenRefresh: requiresTokenRefresh,
	}

	ttl := m.cfg.ValidationCacheTTL
	if requiresTokenRefresh {
		ttl = ttl / 3
		if ttl <= 0 {
			ttl = time.Second
		}
	}
	if raw, mErr := json.Marshal(out); mErr == nil {
		if err := m.cache.Set(ctx, validationCacheKey(sid), raw, ttl); err != nil {
			slog.Warn("session manager: cache validation result failed", "session_id", sid, "error", err)
		}
	}
	return out
}

func classifyTokenError(vErr error, resultErr error) string {
	if resultErr != nil {
		return resultErr.Error()
	}
	if vErr != nil {
		return vErr.Error()
	}
	return "token invalid"
}

// RotateSession retrieves the existing session, mints a new id and
// fingerprint, stores the rotated snapshot, and destroys the original.
func (m *SessionManager) RotateSession(ctx context.Context, sid string, reqCtx RequestContext) (*session.Session, error) {
	sess, err := m.store.Retrieve(ctx, sid)
	if err != nil {
		return nil, fmt.Errorf("retrieve session for rotation: %w", err)
	}
	now := time.Now().UTC()
	newSID := mintSessionID()
	rotated := *sess
	rotated.ID = newSID
	rotated.Fingerprint = computeFingerprint(reqCtx.IPAddress, reqCtx.UserAgent, now.UnixMilli())
	rotated.CreatedAt = now
	rotated.LastAccessedAt = now

	if err := m.store.Store(ctx, &rotated); err != nil {
		return nil, fmt.Errorf("store rotated session: %w", err)
	}
	if err := m.store.Destroy(ctx, sid, session.ReasonRotated); err != nil {
		slog.Warn("session manager: destroy old session after rotation failed", "session_id", sid, "error", err)
	}
	if err := m.cache.Invalidate(ctx, validationCacheKey(sid)); err != nil {
		slog.Warn("session manager: invalidate old validation cache after rotation failed", "session_id", sid, "error", err)
	}
	m.publishEvent(ctx, "session:updates", newSID, sess.UserID, map[string]any{"rotated_from": sid}, "")
	return &rotated, nil
}

// DestroySession deactivates sid and publishes session:deleted.
func (m *SessionManager) DestroySession(ctx context.Context, sid string, reason session.DestroyReason) error {
	sess, err := m.store.Retrieve(ctx, sid)
	userID := ""
	if err == nil {
		userID = sess.UserID
	}
	if err := m.store.Destroy(ctx, sid, reason); err != nil {
		return fmt.Errorf("destroy session: %w", err)
	}
	if err := m.cache.Invalidate(ctx, validationCacheKey(sid)); err != nil {
		slog.Warn("session manager: invalidate validation cache on destroy failed", "session_id", sid, "error", err)
	}
	m.publishEvent(ctx, "session:deleted", sid, userID, nil, "")
	return nil
}

// DestroyAllUserSessions destroys every active session for userID with
// reason "all_sessions_destroyed".
func (m *SessionManager) DestroyAllUserSessions(ctx context.Context, userID string) (int, error) {
	sessions, err := m.store.GetUserSessions(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("list user sessions: %w", err)
	}
	n := 0
	for _, sess := range sessions {
		if err := m.DestroySession(ctx, sess.ID, session.ReasonAllSessionsDestroyed); err != nil {
			slog.Warn("session manager: destroy during fan-out failed", "session_id", sess.ID, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

// publishEvent serializes and publishes a session lifecycle event for
// SessionSynchronizer (M), when one is wired.
func (m *SessionManager) publishEvent(ctx context.Context, channel, sid, userID string, updates map[string]any, originConnectionID string) {
	if m.sync == nil {
		return
	}
	payload, err := json.Marshal(syncEvent{
		SessionID:          sid,
		UserID:             userID,
		Updates:            updates,
		OriginConnectionID: originConnectionID,
		Timestamp:          time.Now().UTC(),
	})
	if err != nil {
		slog.Warn("session manager: marshal sync event failed", "channel", channel, "error", err)
		return
	}
	if err := m.cache.Publish(ctx, channel, payload); err != nil {
		slog.Warn("session manager: publish sync event failed", "channel", channel, "error", err)
	}
}
