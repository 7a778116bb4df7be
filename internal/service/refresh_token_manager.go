package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	domaincache "github.com/accessguard/accessguard/internal/domain/cache"
	"github.com/accessguard/accessguard/internal/domain/auth"
)

// Encryptor is the subset of EncryptionManager (component A) the service
// layer depends on, so it can be mocked in tests without pulling in AES.
type Encryptor interface {
	Encrypt(plaintext []byte) (string, error)
	Decrypt(blob string) ([]byte, error)
}

// encryptedBundle is the at-rest shape persisted under
// refresh:<userId>:<sessionId>.
type encryptedBundle struct {
	EncryptedAccess  string    `json:"encrypted_access"`
	EncryptedRefresh string    `json:"encrypted_refresh"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// TokenEndpoint is the subset of the IdP HTTP client RefreshTokenManager
// needs: the grant_type=refresh_token exchange.
type TokenEndpoint interface {
	RefreshGrant(ctx context.Context, refreshToken string) (auth.TokenBundle, error)
}

const refreshEventsChannel = "refresh:events"

// RefreshTokenManager implements component G: encrypted refresh-token
// storage, on-demand and proactive refresh, and lifecycle events
// published on the refresh:events cache channel.
type RefreshTokenManager struct {
	cache         domaincache.Facade
	encryptor     Encryptor
	tokenEndpoint TokenEndpoint

	cleanupInterval time.Duration // default 5m
	refreshBuffer   time.Duration // default 300s

	mu       sync.Mutex
	tracked  map[string]struct{} // "userID:sessionID" known to the proactive loop
	stopChan chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// RefreshTokenManagerConfig tunes the proactive refresh loop.
type RefreshTokenManagerConfig struct {
	CleanupInterval time.Duration
	RefreshBuffer   time.Duration
}

// NewRefreshTokenManager wires the cache, encryption manager, and IdP
// token endpoint needed to refresh and persist tokens.
func NewRefreshTokenManager(cache domaincache.Facade, encryptor Encryptor, tokenEndpoint TokenEndpoint, cfg RefreshTokenManagerConfig) *RefreshTokenManager {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	if cfg.RefreshBuffer <= 0 {
		cfg.RefreshBuffer = 300 * time.Second
	}
	return &RefreshTokenManager{
		cache:           cache,
		encryptor:       encryptor,
		tokenEndpoint:   tokenEndpoint,
		cleanupInterval: cfg.CleanupInterval,
		refreshBuffer:   cfg.RefreshBuffer,
		tracked:         make(map[string]struct{}),
		stopChan:        make(chan struct{}),
	}
}

func refreshKey(userID, sessionID string) string {
	return fmt.Sprintf("%s:%s:%s", domaincache.NamespaceRefresh, userID, sessionID)
}

// StoreTokens persists an already-encrypted token bundle, TTLed to the
// refresh token's expiry; it does not encrypt anything itself.
func (r *RefreshTokenManager) StoreTokens(ctx context.Context, userID, sessionID string, bundle encryptedBundle) error {
	raw, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("marshal refresh bundle: %w", err)
	}
	ttl := time.Until(bundle.RefreshExpiresAt)
	if ttl <= 0 {
		ttl = time.Minute
	}
	if err := r.cache.Set(ctx, refreshKey(userID, sessionID), raw, ttl); err != nil {
		return fmt.Errorf("store refresh bundle: %w", err)
	}
	r.track(userID, sessionID)
	return nil
}

func (r *RefreshTokenManager) track(userID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracked[userID+":"+sessionID] = struct{}{}
}

func (r *RefreshTokenManager) untrack(userID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tracked, userID+":"+sessionID)
}

func (r *RefreshTokenManager) load(ctx context.Context, userID, sessionID string) (encryptedBundle, error) {
	raw, err := r.cache.Get(ctx, refreshKey(userID, sessionID))
	if err != nil {
		return encryptedBundle{}, err
	}
	var bundle encryptedBundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return encryptedBundle{}, fmt.Errorf("unmarshal refresh bundle: %w", err)
	}
	return bundle, nil
}

// RefreshUserTokens loads the stored bundle, exchanges the refresh token
// with the IdP, and persists the new bundle. Emits tokens_refreshed,
// refresh_failed, or refresh_expired.
func (r *RefreshTokenManager) RefreshUserTokens(ctx context.Context, userID, sessionID string) error {
	bundle, err := r.load(ctx, userID, sessionID)
	if err != nil {
		r.publish(ctx, "refresh_failed", userID, sessionID)
		return fmt.Errorf("load refresh bundle: %w", err)
	}
	if time.Now().UTC().After(bundle.RefreshExpiresAt) {
		r.publish(ctx, "refresh_expired", userID, sessionID)
		return fmt.Errorf("refresh token expired")
	}

	plaintextRefresh, err := r.encryptor.Decrypt(bundle.EncryptedRefresh)
	if err != nil {
		r.publish(ctx, "refresh_failed", userID, sessionID)
		return fmt.Errorf("decrypt refresh token: %w", err)
	}

	newBundle, err := r.tokenEndpoint.RefreshGrant(ctx, string(plaintextRefresh))
	if err != nil {
		r.publish(ctx, "refresh_failed", userID, sessionID)
		return fmt.Errorf("refresh grant: %w", err)
	}

	encAccess, err := r.encryptor.Encrypt([]byte(newBundle.AccessToken))
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	encRefresh := bundle.EncryptedRefresh
	if newBundle.RefreshToken != "" {
		encRefresh, err = r.encryptor.Encrypt([]byte(newBundle.RefreshToken))
		if err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
	}
	refreshExpiresAt := bundle.RefreshExpiresAt
	if !newBundle.RefreshExpiresAt.IsZero() {
		refreshExpiresAt = newBundle.RefreshExpiresAt
	}

	if err := r.StoreTokens(ctx, userID, sessionID, encryptedBundle{
		EncryptedAccess:  encAccess,
		EncryptedRefresh: encRefresh,
		AccessExpiresAt:  newBundle.AccessExpiresAt,
		RefreshExpiresAt: refreshExpiresAt,
	}); err != nil {
		return err
	}
	r.publish(ctx, "tokens_refreshed", userID, sessionID)
	return nil
}

// RemoveStoredTokens deletes the cached bundle and emits tokens_removed.
func (r *RefreshTokenManager) RemoveStoredTokens(ctx context.Context, userID, sessionID string) error {
	r.untrack(userID, sessionID)
	if err := r.cache.Invalidate(ctx, refreshKey(userID, sessionID)); err != nil {
		return err
	}
	r.publish(ctx, "tokens_removed", userID, sessionID)
	return nil
}

// HasValidStoredTokens reports whether a non-expired bundle exists.
func (r *RefreshTokenManager) HasValidStoredTokens(ctx context.Context, userID, sessionID string) (bool, error) {
	bundle, err := r.load(ctx, userID, sessionID)
	if err != nil {
		return false, nil
	}
	return time.Now().UTC().Before(bundle.RefreshExpiresAt), nil
}

func (r *RefreshTokenManager) publish(ctx context.Context, event, userID, sessionID string) {
	payload, _ := json.Marshal(map[string]string{
		"event":      event,
		"user_id":    userID,
		"session_id": sessionID,
	})
	if err := r.cache.Publish(ctx, refreshEventsChannel, payload); err != nil {
		slog.Warn("refresh token manager: publish event failed", "event", event, "error", err)
	}
}

// StartProactiveRefresh launches the background loop that refreshes
// tracked sessions whose access token is within refreshBuffer of expiry.
func (r *RefreshTokenManager) StartProactiveRefresh(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.sweepProactive(ctx)
			case <-r.stopChan:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (r *RefreshTokenManager) sweepProactive(ctx context.Context) {
	r.mu.Lock()
	tracked := make([]string, 0, len(r.tracked))
	for k := range r.tracked {
		tracked = append(tracked, k)
	}
	r.mu.Unlock()

	for _, key := range tracked {
		parts := strings.SplitN(key, ":", 2)
		if len(parts) != 2 {
			continue
		}
		userID, sessionID := parts[0], parts[1]
		bundle, err := r.load(ctx, userID, sessionID)
		if err != nil {
			r.untrack(userID, sessionID)
			continue
		}
		if time.Now().UTC().Add(r.refreshBuffer).After(bundle.AccessExpiresAt) {
			if err := r.RefreshUserTokens(ctx, userID, sessionID); err != nil {
				slog.Warn("refresh token manager: proactive refresh failed", "user_id", userID, "session_id", sessionID, "error", err)
			}
		}
	}
}

// Stop terminates the proactive refresh loop.
func (r *RefreshTokenManager) Stop() {
	r.once.Do(func() { close(r.stopChan) })
	r.wg.Wait()
}
