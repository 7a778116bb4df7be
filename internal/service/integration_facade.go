package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/accessguard/accessguard/internal/adapter/outbound/idp"
	"github.com/accessguard/accessguard/internal/domain/apikey"
	"github.com/accessguard/accessguard/internal/domain/auth"
	domaincache "github.com/accessguard/accessguard/internal/domain/cache"
	"github.com/accessguard/accessguard/internal/domain/pkce"
	"github.com/accessguard/accessguard/internal/domain/policy"
	"github.com/accessguard/accessguard/internal/domain/session"
)

// LoginResult is returned by every grant-based authentication path: the
// minted session, the principal it carries, and whether a fresh session
// cookie/id needs to be handed back to the caller.
type LoginResult struct {
	Session   *session.Session
	Principal auth.Principal
}

// Stats is the snapshot IntegrationFacade.GetStats reports, aggregating
// cheap counters and dependency health from the components that track
// them; GetStats caches it for statsTTL behind a single-flight guard.
// ActiveUserCount is not populated by computeStats and stays zero; no
// session counts are reported.
type Stats struct {
	ComputedAt      time.Time
	ActiveUserCount int
	CacheHealthy    bool
	IdPHealthy      bool
	APIKeyStoreOK   bool
	Decisions       DecisionCounts
}

// IntegrationFacade implements component R: the single entry point that
// wires components A through Q together and exposes the operations a
// transport adapter (HTTP, stream) calls into. It owns none of the
// business logic itself, only the composition and the cross-cutting
// concerns (startup failure semantics, stats caching) the component
// design assigns to the facade.
type IntegrationFacade struct {
	idpClient  *idp.Client
	tokens     *TokenManager
	refresh    *RefreshTokenManager
	sessions   *SessionManager
	pkce       *PKCEManager
	apiKeys    *APIKeyManager
	abilities  *AbilityFactory
	auth       *AuthInterceptor
	streamAuth *StreamAuthInterceptor
	rateLimit  *RateLimiterService
	sync       *SessionSynchronizer
	encryptor  Encryptor
	counters   *StatsService
	permissions *PermissionEvaluator
	cache      domaincache.Facade

	statsMu      sync.Mutex
	statsCache   *Stats
	statsExpiry  time.Time
	statsTTL     time.Duration
	statsFlight  chan struct{} // non-nil while a refresh is in flight
}

// Dependencies collects the already-constructed components the facade
// wires together. Every field is required except StreamAuth and Sync,
// which are nil in deployments that don't run the stream protocol or
// that run single-node (no cross-node session fan-out), and Counters and
// Permissions, whose nil behaviour is noted on the fields.
type Dependencies struct {
	IdPClient  *idp.Client
	Tokens     *TokenManager
	Refresh    *RefreshTokenManager
	Sessions   *SessionManager
	PKCE       *PKCEManager
	APIKeys    *APIKeyManager
	Abilities  *AbilityFactory
	Auth       *AuthInterceptor
	StreamAuth *StreamAuthInterceptor
	RateLimit  *RateLimiterService
	Sync       *SessionSynchronizer
	Encryptor  Encryptor
	Counters   *StatsService // optional; nil disables allowed/denied counters in GetStats
	Permissions *PermissionEvaluator // optional; nil makes Authorize always deny
	Cache      domaincache.Facade // used for the cache leg of HealthCheck/GetStats
}

// NewIntegrationFacade assembles the facade from already-constructed
// components; see cmd/accessguard/cmd for the construction order that
// satisfies each component's dependencies.
func NewIntegrationFacade(deps Dependencies) *IntegrationFacade {
	return &IntegrationFacade{
		idpClient:  deps.IdPClient,
		tokens:     deps.Tokens,
		refresh:    deps.Refresh,
		sessions:   deps.Sessions,
		pkce:       deps.PKCE,
		apiKeys:    deps.APIKeys,
		abilities:  deps.Abilities,
		auth:       deps.Auth,
		streamAuth: deps.StreamAuth,
		rateLimit:  deps.RateLimit,
		sync:       deps.Sync,
		encryptor:  deps.Encryptor,
		counters:   deps.Counters,
		permissions: deps.Permissions,
		cache:      deps.Cache,
		statsTTL:   5 * time.Second,
	}
}

// Initialize starts the background loops (proactive refresh, session
// synchronizer pub/sub) that the facade's components need running. It
// does not perform IdP discovery: that is fatal-at-startup and handled
// by idp.Discover before NewIntegrationFacade is ever called, so a
// facade always wraps an already-reachable IdP.
func (f *IntegrationFacade) Initialize(ctx context.Context) error {
	if f.refresh != nil {
		f.refresh.StartProactiveRefresh(ctx)
	}
	if f.sync != nil {
		f.sync.Start(ctx)
	}
	return nil
}

// AuthenticateWithPassword implements the resource-owner password grant
// path: exchange credentials with the IdP, resolve the principal, and
// mint a session.
func (f *IntegrationFacade) AuthenticateWithPassword(ctx context.Context, username, password string, reqCtx RequestContext) (LoginResult, error) {
	bundle, err := f.idpClient.PasswordGrant(ctx, username, password)
	if err != nil {
		return LoginResult{}, fmt.Errorf("password grant: %w", err)
	}
	return f.completeLogin(ctx, bundle, reqCtx)
}

// AuthenticateWithCode implements the PKCE authorization-code callback:
// validate the verifier against the stored challenge, exchange the code,
// and mint a session.
func (f *IntegrationFacade) AuthenticateWithCode(ctx context.Context, code, redirectURI, state, verifier string, reqCtx RequestContext) (LoginResult, error) {
	validation, err := f.pkce.Validate(ctx, state, verifier)
	if err != nil {
		return LoginResult{}, fmt.Errorf("pkce validation: %w", err)
	}
	if !validation.Valid {
		return LoginResult{}, fmt.Errorf("pkce validation failed: %s", validation.ErrorCode)
	}

	bundle, err := f.idpClient.CodeGrant(ctx, code, redirectURI, verifier)
	if err != nil {
		return LoginResult{}, fmt.Errorf("code grant: %w", err)
	}
	return f.completeLogin(ctx, bundle, reqCtx)
}

// StartPKCELogin mints a verifier/challenge/state triple and returns the
// authorization URL the caller should redirect the user-agent to.
func (f *IntegrationFacade) StartPKCELogin(ctx context.Context, redirectURI string, opts GeneratePairOptions, scopes []string) (string, pkce.Pair, error) {
	pair, err := f.pkce.GeneratePair(ctx, opts)
	if err != nil {
		return "", pkce.Pair{}, fmt.Errorf("generate pkce pair: %w", err)
	}
	authURL, err := AuthorizationURL(f.idpClient.AuthorizationURL(redirectURI, pair.State, scopes), pair, nil)
	if err != nil {
		return "", pkce.Pair{}, fmt.Errorf("build authorization url: %w", err)
	}
	return authURL, pair, nil
}

func (f *IntegrationFacade) completeLogin(ctx context.Context, bundle auth.TokenBundle, reqCtx RequestContext) (LoginResult, error) {
	result, err := f.tokens.ValidateJWT(ctx, bundle.AccessToken)
	if err != nil || !result.Valid {
		return LoginResult{}, fmt.Errorf("validate issued access token: %w", err)
	}

	sess, err := f.sessions.CreateSession(ctx, SessionCreateOptions{
		UserID:    result.Principal.ID,
		Principal: result.Principal,
		Tokens:    bundle,
		Context:   reqCtx,
	})
	if err != nil {
		return LoginResult{}, fmt.Errorf("create session: %w", err)
	}

	if f.refresh != nil && f.encryptor != nil && bundle.HasRefreshToken() {
		encAccess, err := f.encryptor.Encrypt([]byte(bundle.AccessToken))
		if err == nil {
			var encRefresh string
			encRefresh, err = f.encryptor.Encrypt([]byte(bundle.RefreshToken))
			if err == nil {
				_ = f.refresh.StoreTokens(ctx, result.Principal.ID, sess.ID, encryptedBundle{
					EncryptedAccess:  encAccess,
					EncryptedRefresh: encRefresh,
					AccessExpiresAt:  bundle.AccessExpiresAt,
					RefreshExpiresAt: bundle.RefreshExpiresAt,
				})
			}
		}
	}

	return LoginResult{Session: sess, Principal: result.Principal}, nil
}

// ValidateSession exposes SessionManager's validation for transport
// adapters authenticating an inbound request by session cookie.
func (f *IntegrationFacade) ValidateSession(ctx context.Context, sessionID string, reqCtx RequestContext) SessionValidationResult {
	return f.sessions.ValidateSession(ctx, sessionID, reqCtx)
}

// Authenticate exposes AuthInterceptor's full credential-precedence chain
// for transport adapters that haven't already resolved a principal.
func (f *IntegrationFacade) Authenticate(ctx context.Context, raw RawRequest) (auth.Principal, *session.Session, error) {
	principal, sess, err := f.auth.Authenticate(ctx, raw)
	if f.counters != nil {
		f.counters.RecordProtocol("request")
		if err != nil {
			f.counters.RecordDeny()
		} else {
			f.counters.RecordAllow()
		}
	}
	return principal, sess, err
}

// Authorize exposes PermissionEvaluator's effective-permission check (I)
// for a transport adapter that has already resolved a principal and now
// needs an RBAC/ABAC decision on one (resource, action) pair. A facade
// built without Permissions always denies, reporting that in the
// decision's Reason rather than panicking.
func (f *IntegrationFacade) Authorize(ctx context.Context, principal auth.Principal, resource, action string, evalCtx map[string]any) policy.Decision {
	if f.permissions == nil {
		return policy.Decision{Reason: "rbac not configured"}
	}
	decision := f.permissions.Check(ctx, principal, resource, action, evalCtx)
	if f.counters != nil {
		if decision.Allowed {
			f.counters.RecordAllow()
		} else {
			f.counters.RecordDeny()
		}
	}
	return decision
}

// Logout destroys the session and removes any stored refresh tokens. It
// does not contact the IdP: the IdP-side session is not revoked.
func (f *IntegrationFacade) Logout(ctx context.Context, userID, sessionID string) error {
	if f.refresh != nil {
		_ = f.refresh.RemoveStoredTokens(ctx, userID, sessionID)
	}
	if err := f.sessions.DestroySession(ctx, sessionID, session.ReasonLogout); err != nil {
		return fmt.Errorf("destroy session: %w", err)
	}
	return nil
}

// CreateUser provisions a new IdP-side user via the admin API, using
// adminToken obtained out of band (client-credentials grant against an
// admin-scoped client).
func (f *IntegrationFacade) CreateUser(ctx context.Context, adminToken, username, email string, attrs map[string][]string) (string, error) {
	return f.idpClient.CreateUser(ctx, adminToken, username, email, attrs)
}

// GetUser fetches a user's IdP profile via the admin API.
func (f *IntegrationFacade) GetUser(ctx context.Context, adminToken, userID string) (auth.Principal, error) {
	return f.idpClient.GetUser(ctx, adminToken, userID)
}

// CreateAPIKey delegates to APIKeyManager (N).
func (f *IntegrationFacade) CreateAPIKey(ctx context.Context, opts CreateOptions) (string, *apikey.Key, error) {
	return f.apiKeys.Create(ctx, opts)
}

const healthCheckCacheKey = domaincache.NamespaceSession + ":__healthcheck__"

// HealthCheck reports the reachability of every external dependency the
// facade composes: the IdP, the cache (a Set/Get round trip), and the
// API key store, which stands in for the database connection pool since
// both share the same underlying store in this deployment.
func (f *IntegrationFacade) HealthCheck(ctx context.Context) map[string]error {
	out := make(map[string]error, 3)
	out["idp"] = f.idpClient.HealthCheck(ctx)
	out["cache"] = f.checkCache(ctx)
	out["api_key_store"] = f.apiKeys.HealthCheck(ctx)
	return out
}

// checkCache round-trips a throwaway key through the cache facade. A nil
// facade (no cache wired) reports unhealthy rather than being silently
// skipped, since every deployment is expected to have one.
func (f *IntegrationFacade) checkCache(ctx context.Context) error {
	if f.cache == nil {
		return fmt.Errorf("cache facade not configured")
	}
	if err := f.cache.Set(ctx, healthCheckCacheKey, []byte("1"), 10*time.Second); err != nil {
		return fmt.Errorf("cache unreachable: %w", err)
	}
	if _, err := f.cache.Get(ctx, healthCheckCacheKey); err != nil {
		return fmt.Errorf("cache unreachable: %w", err)
	}
	return nil
}

// GetStats returns a cached stats snapshot, recomputing it at most once
// per statsTTL. Concurrent callers during a recompute block on the same
// in-flight computation rather than each issuing their own (the
// single-flight requirement from the component design).
func (f *IntegrationFacade) GetStats(ctx context.Context) Stats {
	f.statsMu.Lock()
	if f.statsCache != nil && time.Now().UTC().Before(f.statsExpiry) {
		cached := *f.statsCache
		f.statsMu.Unlock()
		return cached
	}
	if f.statsFlight != nil {
		wait := f.statsFlight
		f.statsMu.Unlock()
		<-wait
		f.statsMu.Lock()
		cached := *f.statsCache
		f.statsMu.Unlock()
		return cached
	}
	flight := make(chan struct{})
	f.statsFlight = flight
	f.statsMu.Unlock()

	computed := f.computeStats(ctx)

	f.statsMu.Lock()
	f.statsCache = &computed
	f.statsExpiry = time.Now().UTC().Add(f.statsTTL)
	f.statsFlight = nil
	f.statsMu.Unlock()
	close(flight)

	return computed
}

func (f *IntegrationFacade) computeStats(ctx context.Context) Stats {
	health := f.HealthCheck(ctx)
	stats := Stats{
		ComputedAt:    time.Now().UTC(),
		CacheHealthy:  health["cache"] == nil,
		IdPHealthy:    health["idp"] == nil,
		APIKeyStoreOK: health["api_key_store"] == nil,
	}
	if f.counters != nil {
		stats.Decisions = f.counters.Snapshot()
	}
	return stats
}

// Cleanup stops the proactive refresh loop started in Initialize. The
// session synchronizer is not stopped here; it runs until the context
// passed to Initialize is cancelled.
func (f *IntegrationFacade) Cleanup() {
	if f.refresh != nil {
		f.refresh.Stop()
	}
}
