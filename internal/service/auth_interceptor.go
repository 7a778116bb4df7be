package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"

	"github.com/accessguard/accessguard/internal/domain/ability"
	"github.com/accessguard/accessguard/internal/domain/apikey"
	"github.com/accessguard/accessguard/internal/domain/auth"
	domainmiddleware "github.com/accessguard/accessguard/internal/domain/middleware"
	"github.com/accessguard/accessguard/internal/domain/pkce"
	"github.com/accessguard/accessguard/internal/domain/session"
)

// AuthInterceptorConfig tunes credential extraction and the anonymous
// fallback.
type AuthInterceptorConfig struct {
	APIKeyHeader    string // default "x-api-key"
	SessionCookie   string // default "sid"
	AllowAnonymous  bool
	CloseOnAuthFail bool // stream protocol only; default true
}

func (c *AuthInterceptorConfig) applyDefaults() {
	if c.APIKeyHeader == "" {
		c.APIKeyHeader = "x-api-key"
	}
	if c.SessionCookie == "" {
		c.SessionCookie = "sid"
	}
}

// RawRequest is the subset of an inbound request AuthInterceptor needs,
// independent of the transport. HTTP and stream adapters populate this
// from their native request/message types.
type RawRequest struct {
	AuthorizationHeader string
	APIKeyHeader        string
	Query               url.Values
	CookieSessionID     string
	Context             RequestContext
}

// AuthError is returned when no credential path succeeds and anonymous
// access is not permitted.
type AuthError struct {
	Code    string
	Message string
}

func (e *AuthError) Error() string { return e.Message }

var errNoCredentials = &AuthError{Code: "NO_CREDENTIALS", Message: "no credentials supplied"}

// AuthInterceptor implements component Q's request-protocol half: it
// resolves a RawRequest into an authenticated auth.Principal by trying,
// in order, bearer JWT, API key, session cookie, and (for PKCE handshakes)
// a provisional principal, falling back to an anonymous principal when
// configured.
type AuthInterceptor struct {
	tokens    *TokenManager
	apiKeys   *APIKeyManager
	sessions  *SessionManager
	abilities *AbilityFactory
	pkce      *PKCEManager
	cfg       AuthInterceptorConfig
}

// NewAuthInterceptor wires the token, API key, session, and ability
// components an authentication decision needs. The PKCE manager is
// attached separately with WithPKCEManager; without it, step 4 of
// credential extraction is skipped.
func NewAuthInterceptor(tokens *TokenManager, apiKeys *APIKeyManager, sessions *SessionManager, abilities *AbilityFactory, cfg AuthInterceptorConfig) *AuthInterceptor {
	cfg.applyDefaults()
	return &AuthInterceptor{tokens: tokens, apiKeys: apiKeys, sessions: sessions, abilities: abilities, cfg: cfg}
}

// WithPKCEManager attaches the PKCE manager consulted in step 4 of
// credential extraction, returning the interceptor for chaining.
func (a *AuthInterceptor) WithPKCEManager(pkce *PKCEManager) *AuthInterceptor {
	a.pkce = pkce
	return a
}

func anonymousPrincipal() auth.Principal {
	return auth.Principal{ID: "anonymous", Username: "anonymous", Roles: []auth.Role{"anonymous"}}
}

// provisionalPrincipal builds the restricted, not-yet-authenticated
// principal for an in-flight PKCE handshake: code_challenge+state is not
// itself a credential, so this principal carries no permissions or roles
// beyond marking the pending exchange, and must not be treated as
// equivalent to a validated session or token principal.
func provisionalPrincipal(pair pkce.Pair) auth.Principal {
	return auth.Principal{
		ID:       pair.UserID,
		Roles:    []auth.Role{"pkce_pending"},
		Attributes: map[string]any{
			"pkce_state":     pair.State,
			"pkce_client_id": pair.ClientID,
			"pkce_session":   pair.SessionID,
		},
	}
}

// APIKeyHeaderName returns the configured API key header name, for
// transport adapters to know which header to read into
// RawRequest.APIKeyHeader.
func (a *AuthInterceptor) APIKeyHeaderName() string { return a.cfg.APIKeyHeader }

// SessionCookieName returns the configured session cookie name, for
// transport adapters to know which cookie to read into
// RawRequest.CookieSessionID.
func (a *AuthInterceptor) SessionCookieName() string { return a.cfg.SessionCookie }

// Authenticate resolves raw into a principal (and, when the credential was
// a session, the session snapshot). It never blocks on a rejected
// credential path trying the next one, matching the fixed precedence
// order in the component design.
func (a *AuthInterceptor) Authenticate(ctx context.Context, raw RawRequest) (auth.Principal, *session.Session, error) {
	if tok, ok := a.tokens.ExtractBearer(raw.AuthorizationHeader); ok {
		result, err := a.tokens.ValidateToken(ctx, tok, false)
		if err == nil && result.Valid {
			return result.Principal, nil, nil
		}
	}

	if apiKeyValue := resolveAPIKey(raw); apiKeyValue != "" {
		key, err := a.apiKeys.Validate(ctx, apiKeyValue)
		if err == nil {
			return principalFromAPIKey(key), nil, nil
		}
	}

	if sid := resolveSessionID(raw); sid != "" {
		result := a.sessions.ValidateSession(ctx, sid, raw.Context)
		if result.Valid {
			return result.Snapshot.Principal, result.Snapshot, nil
		}
	}

	if a.pkce != nil {
		if challenge, state := raw.Query.Get("code_challenge"), raw.Query.Get("state"); challenge != "" && state != "" {
			if pair, ok := a.pkce.Peek(ctx, state); ok {
				return provisionalPrincipal(pair), nil, nil
			}
		}
	}

	if a.cfg.AllowAnonymous {
		return anonymousPrincipal(), nil, nil
	}
	return auth.Principal{}, nil, errNoCredentials
}

func resolveAPIKey(raw RawRequest) string {
	if raw.APIKeyHeader != "" {
		return raw.APIKeyHeader
	}
	if raw.Query != nil {
		return raw.Query.Get("api_key")
	}
	return ""
}

func resolveSessionID(raw RawRequest) string {
	if raw.CookieSessionID != "" {
		return raw.CookieSessionID
	}
	if raw.Query != nil {
		return raw.Query.Get("session_id")
	}
	return ""
}

func principalFromAPIKey(key *apikey.Key) auth.Principal {
	return auth.Principal{
		ID:          key.UserID,
		Username:    key.UserID,
		Permissions: key.Permissions,
		Attributes:  map[string]any{"api_key_id": key.ID, "store_id": key.StoreID},
	}
}

// Intercept adapts Authenticate to domainmiddleware.Interceptor, attaching
// the resolved principal to the chain's Request before calling next.
func (a *AuthInterceptor) Intercept(ctx context.Context, req *domainmiddleware.Request, next domainmiddleware.Next) (*domainmiddleware.Request, error) {
	raw, ok := req.Raw.(RawRequest)
	if !ok {
		return nil, errors.New("auth interceptor: request Raw is not a RawRequest")
	}
	principal, _, err := a.Authenticate(ctx, raw)
	if err != nil {
		return nil, err
	}
	req.Principal = &principal
	return next(ctx, req)
}

var _ domainmiddleware.Interceptor = (*AuthInterceptor)(nil)

// MessageAuthPolicy describes the permission/role requirements for one
// stream message type, and whether it is exempt from authorization
// entirely (e.g. ping/pong).
type MessageAuthPolicy struct {
	Exempt      bool
	Permissions []ability.Rule // unused fields ignored; Action/Subject drive the Can check
	Roles       []auth.Role
}

// AuthErrorFrame is the wire shape emitted on a stream when message-level
// authorization fails.
type AuthErrorFrame struct {
	Type string `json:"type"`
	Code string `json:"code"`
}

// StreamAuthInterceptor implements component Q's stream half:
// connection-level authentication plus per-message-type authorization.
type StreamAuthInterceptor struct {
	*AuthInterceptor
	policies map[string]MessageAuthPolicy
}

// NewStreamAuthInterceptor wraps an AuthInterceptor with the per-message
// authorization policy table.
func NewStreamAuthInterceptor(base *AuthInterceptor, policies map[string]MessageAuthPolicy) *StreamAuthInterceptor {
	return &StreamAuthInterceptor{AuthInterceptor: base, policies: policies}
}

// AuthorizeMessage checks whether principal may send a message of
// messageType, consulting the configured exemption/role/permission policy
// and, when roles/permissions are both absent from the policy, admitting
// it. On denial it returns a serialized auth_error frame.
func (s *StreamAuthInterceptor) AuthorizeMessage(ctx context.Context, principal auth.Principal, sessionID, messageType string, ab *ability.Ability) (bool, []byte) {
	policy, ok := s.policies[messageType]
	if !ok || policy.Exempt {
		return true, nil
	}
	if len(policy.Roles) > 0 && !principal.HasAnyRole(policy.Roles...) {
		return false, denyFrame("INSUFFICIENT_PERMISSIONS")
	}
	for _, rule := range policy.Permissions {
		if ab == nil {
			continue
		}
		if decision := ab.Can(rule.Action, rule.Subject, map[string]any{"userId": principal.ID, "sessionId": sessionID}); !decision.Granted {
			return false, denyFrame("INSUFFICIENT_PERMISSIONS")
		}
	}
	return true, nil
}

func denyFrame(code string) []byte {
	frame, err := json.Marshal(AuthErrorFrame{Type: "auth_error", Code: code})
	if err != nil {
		return []byte(`{"type":"auth_error","code":"` + code + `"}`)
	}
	return frame
}

// WWWAuthenticateHeader builds the value for the WWW-Authenticate header
// sent alongside a 401 on request-protocol auth failure.
func WWWAuthenticateHeader(realm string) string {
	if realm == "" {
		realm = "accessguard"
	}
	return `Bearer realm="` + strings.ReplaceAll(realm, `"`, "") + `"`
}
