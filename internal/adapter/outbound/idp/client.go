// Package idp implements the outbound HTTP client for the OIDC-compliant
// identity provider: discovery, the four grant types the gateway issues
// against /token, userinfo, introspection, and the admin user-management
// surface. Discovery is built on coreos/go-oidc and the authorization URL
// on golang.org/x/oauth2; every /token grant (password, authorization
// code with PKCE, refresh, client credentials) is issued directly as a
// form post.
package idp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/accessguard/accessguard/internal/domain/auth"
)

// Config identifies the IdP realm and client this gateway authenticates
// against.
type Config struct {
	ServerURL    string // e.g. https://idp.example.com
	Realm        string
	ClientID     string
	ClientSecret string // optional, required for confidential clients
	Scopes       []string

	TokenTimeout       time.Duration // default 5s
	IntrospectTimeout  time.Duration // default 2s
}

func (c *Config) applyDefaults() {
	if c.TokenTimeout <= 0 {
		c.TokenTimeout = 5 * time.Second
	}
	if c.IntrospectTimeout <= 0 {
		c.IntrospectTimeout = 2 * time.Second
	}
}

// Discovery holds the subset of the OIDC discovery document the gateway
// consumes.
type Discovery struct {
	Issuer                    string   `json:"issuer"`
	AuthorizationEndpoint     string   `json:"authorization_endpoint"`
	TokenEndpoint             string   `json:"token_endpoint"`
	UserinfoEndpoint          string   `json:"userinfo_endpoint"`
	JWKSURI                   string   `json:"jwks_uri"`
	IntrospectionEndpoint     string   `json:"introspection_endpoint"`
	EndSessionEndpoint        string   `json:"end_session_endpoint"`
	IDTokenSigningAlgValues   []string `json:"id_token_signing_alg_values_supported"`
}

// SupportsRS256 reports whether the discovery document advertises RS256,
// required by JWTValidator (D).
func (d Discovery) SupportsRS256() bool {
	for _, alg := range d.IDTokenSigningAlgValues {
		if alg == "RS256" {
			return true
		}
	}
	return false
}

// Client is the gateway's outbound IdP client. It satisfies the
// service-layer TokenEndpoint port via RefreshGrant.
type Client struct {
	cfg       Config
	http      *http.Client
	discovery Discovery
	provider  *oidc.Provider
}

// Discover fetches and caches the discovery document, failing fast: per
// the concurrency model, IdP unreachability at initial discovery is
// fatal at startup.
func Discover(ctx context.Context, cfg Config) (*Client, error) {
	cfg.applyDefaults()
	issuerURL := strings.TrimRight(cfg.ServerURL, "/")
	if cfg.Realm != "" {
		issuerURL = fmt.Sprintf("%s/realms/%s", issuerURL, cfg.Realm)
	}

	httpClient := &http.Client{Timeout: cfg.TokenTimeout}
	discoverCtx := oidc.ClientContext(ctx, httpClient)
	provider, err := oidc.NewProvider(discoverCtx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("idp discovery: %w", err)
	}

	var claims Discovery
	if err := provider.Claims(&claims); err != nil {
		return nil, fmt.Errorf("idp discovery claims: %w", err)
	}
	if !claims.SupportsRS256() {
		return nil, fmt.Errorf("idp discovery: RS256 not advertised by issuer")
	}

	return &Client{cfg: cfg, http: httpClient, discovery: claims, provider: provider}, nil
}

// Discovery returns the cached discovery document.
func (c *Client) Discovery() Discovery { return c.discovery }

// oauth2Config builds the authorization-code flow configuration used by
// the PKCE-bound code exchange.
func (c *Client) oauth2Config(redirectURI string, scopes []string) oauth2.Config {
	if len(scopes) == 0 {
		scopes = c.cfg.Scopes
	}
	return oauth2.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		RedirectURL:  redirectURI,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  c.discovery.AuthorizationEndpoint,
			TokenURL: c.discovery.TokenEndpoint,
		},
	}
}

// tokenResponse is the JSON shape returned by /token regardless of grant
// type.
type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	IDToken          string `json:"id_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshExpiresIn int64  `json:"refresh_expires_in"`
	Scope            string `json:"scope"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (t tokenResponse) toBundle() auth.TokenBundle {
	now := time.Now().UTC()
	bundle := auth.TokenBundle{
		AccessToken:     t.AccessToken,
		RefreshToken:    t.RefreshToken,
		IDToken:         t.IDToken,
		TokenType:       t.TokenType,
		AccessExpiresAt: now.Add(time.Duration(t.ExpiresIn) * time.Second),
	}
	if t.RefreshExpiresIn > 0 {
		bundle.RefreshExpiresAt = now.Add(time.Duration(t.RefreshExpiresIn) * time.Second)
	}
	if t.Scope != "" {
		bundle.Scopes = strings.Split(t.Scope, " ")
	}
	return bundle
}

func (c *Client) postToken(ctx context.Context, form url.Values) (auth.TokenBundle, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.TokenTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.discovery.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return auth.TokenBundle{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return auth.TokenBundle{}, fmt.Errorf("token endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return auth.TokenBundle{}, fmt.Errorf("read token response: %w", err)
	}

	var parsed tokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return auth.TokenBundle{}, fmt.Errorf("decode token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || parsed.Error != "" {
		return auth.TokenBundle{}, fmt.Errorf("token request failed: %s: %s", parsed.Error, parsed.ErrorDescription)
	}
	return parsed.toBundle(), nil
}

// PasswordGrant exchanges a username/password for a token bundle via the
// resource-owner-password grant.
func (c *Client) PasswordGrant(ctx context.Context, username, password string) (auth.TokenBundle, error) {
	form := url.Values{
		"grant_type": {"password"},
		"client_id":  {c.cfg.ClientID},
		"username":   {username},
		"password":   {password},
	}
	if c.cfg.ClientSecret != "" {
		form.Set("client_secret", c.cfg.ClientSecret)
	}
	if len(c.cfg.Scopes) > 0 {
		form.Set("scope", strings.Join(c.cfg.Scopes, " "))
	}
	return c.postToken(ctx, form)
}

// CodeGrant exchanges an authorization code for a token bundle, binding
// the PKCE code_verifier when one is supplied.
func (c *Client) CodeGrant(ctx context.Context, code, redirectURI, codeVerifier string) (auth.TokenBundle, error) {
	form := url.Values{
		"grant_type":   {"authorization_code"},
		"client_id":    {c.cfg.ClientID},
		"code":         {code},
		"redirect_uri": {redirectURI},
	}
	if c.cfg.ClientSecret != "" {
		form.Set("client_secret", c.cfg.ClientSecret)
	}
	if codeVerifier != "" {
		form.Set("code_verifier", codeVerifier)
	}
	return c.postToken(ctx, form)
}

// RefreshGrant exchanges a refresh token for a new bundle, satisfying the
// service layer's TokenEndpoint port.
func (c *Client) RefreshGrant(ctx context.Context, refreshToken string) (auth.TokenBundle, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {c.cfg.ClientID},
		"refresh_token": {refreshToken},
	}
	if c.cfg.ClientSecret != "" {
		form.Set("client_secret", c.cfg.ClientSecret)
	}
	return c.postToken(ctx, form)
}

// ClientCredentialsGrant obtains a service-account token, used for the
// admin API and introspection's client authentication when the IdP
// requires a bearer rather than HTTP Basic.
func (c *Client) ClientCredentialsGrant(ctx context.Context) (auth.TokenBundle, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
	}
	return c.postToken(ctx, form)
}

// userinfoResponse mirrors the fields the gateway consumes from
// /userinfo.
type userinfoResponse struct {
	Sub               string `json:"sub"`
	PreferredUsername string `json:"preferred_username"`
	Email             string `json:"email"`
	RealmAccess       struct {
		Roles []string `json:"roles"`
	} `json:"realm_access"`
	ResourceAccess map[string]struct {
		Roles []string `json:"roles"`
	} `json:"resource_access"`
}

// UserInfo calls /userinfo with accessToken and assembles a Principal,
// the same shape JWTValidator/TokenIntrospector produce.
func (c *Client) UserInfo(ctx context.Context, accessToken string) (auth.Principal, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.TokenTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.discovery.UserinfoEndpoint, nil)
	if err != nil {
		return auth.Principal{}, fmt.Errorf("build userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return auth.Principal{}, fmt.Errorf("userinfo endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return auth.Principal{}, fmt.Errorf("userinfo request failed: status %d", resp.StatusCode)
	}

	var parsed userinfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return auth.Principal{}, fmt.Errorf("decode userinfo response: %w", err)
	}

	roles := make([]auth.Role, 0, len(parsed.RealmAccess.Roles))
	for _, r := range parsed.RealmAccess.Roles {
		roles = append(roles, auth.Role("realm:"+r))
	}
	for client, access := range parsed.ResourceAccess {
		for _, r := range access.Roles {
			roles = append(roles, auth.Role("client:"+client+":"+r))
		}
	}

	return auth.Principal{
		ID:       parsed.Sub,
		Username: parsed.PreferredUsername,
		Email:    parsed.Email,
		Roles:    roles,
	}, nil
}

// RevokeSession calls the end_session_endpoint with a refresh token,
// logging the user out at the IdP (the optional fromIdP path of
// IntegrationFacade.logout).
func (c *Client) RevokeSession(ctx context.Context, refreshToken string) error {
	if c.discovery.EndSessionEndpoint == "" {
		return fmt.Errorf("idp: end_session_endpoint not advertised")
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.TokenTimeout)
	defer cancel()

	form := url.Values{
		"client_id":      {c.cfg.ClientID},
		"refresh_token":  {refreshToken},
	}
	if c.cfg.ClientSecret != "" {
		form.Set("client_secret", c.cfg.ClientSecret)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.discovery.EndSessionEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build end-session request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("end-session endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("end-session request failed: status %d", resp.StatusCode)
	}
	return nil
}

// HealthCheck reports whether the discovery endpoint is currently
// reachable, used by IntegrationFacade.healthCheck.
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.TokenTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.discovery.Issuer+"/.well-known/openid-configuration", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("idp unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("idp health check failed: status %d", resp.StatusCode)
	}
	return nil
}

// adminUser is the payload shape for the admin user-management endpoints.
type adminUser struct {
	ID         string            `json:"id,omitempty"`
	Username   string            `json:"username"`
	Email      string            `json:"email,omitempty"`
	Enabled    bool              `json:"enabled"`
	Attributes map[string][]string `json:"attributes,omitempty"`
}

// CreateUser posts to the admin realm users endpoint and returns the new
// user's id (parsed from the Location header, the provider's convention).
func (c *Client) CreateUser(ctx context.Context, adminToken, username, email string, attrs map[string][]string) (string, error) {
	body, err := json.Marshal(adminUser{Username: username, Email: email, Enabled: true, Attributes: attrs})
	if err != nil {
		return "", fmt.Errorf("marshal admin user: %w", err)
	}
	endpoint := fmt.Sprintf("%s/admin/realms/%s/users", strings.TrimRight(c.cfg.ServerURL, "/"), c.cfg.Realm)

	ctx, cancel := context.WithTimeout(ctx, c.cfg.TokenTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(body)))
	if err != nil {
		return "", fmt.Errorf("build create-user request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+adminToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("admin users endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("create user failed: status %d", resp.StatusCode)
	}
	location := resp.Header.Get("Location")
	if i := strings.LastIndex(location, "/"); i >= 0 && i+1 < len(location) {
		return location[i+1:], nil
	}
	return "", nil
}

// GetUser fetches a single user record by id from the admin API.
func (c *Client) GetUser(ctx context.Context, adminToken, userID string) (auth.Principal, error) {
	endpoint := fmt.Sprintf("%s/admin/realms/%s/users/%s", strings.TrimRight(c.cfg.ServerURL, "/"), c.cfg.Realm, userID)

	ctx, cancel := context.WithTimeout(ctx, c.cfg.TokenTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return auth.Principal{}, fmt.Errorf("build get-user request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+adminToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return auth.Principal{}, fmt.Errorf("admin users endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return auth.Principal{}, fmt.Errorf("get user failed: status %d", resp.StatusCode)
	}

	var parsed adminUser
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return auth.Principal{}, fmt.Errorf("decode admin user: %w", err)
	}
	return auth.Principal{ID: parsed.ID, Username: parsed.Username, Email: parsed.Email}, nil
}

// AuthorizationURL builds the IdP authorization endpoint URL for the code
// flow (PKCE parameters are appended separately by PKCEManager).
func (c *Client) AuthorizationURL(redirectURI, state string, scopes []string) string {
	cfg := c.oauth2Config(redirectURI, scopes)
	return cfg.AuthCodeURL(state)
}
