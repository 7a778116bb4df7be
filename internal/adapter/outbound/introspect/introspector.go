// Package introspect implements TokenIntrospector (component E): opaque
// token validation via the identity provider's RFC 7662 introspection
// endpoint.
package introspect

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/accessguard/accessguard/internal/domain/auth"
	"github.com/accessguard/accessguard/internal/domain/token"
)

// Config configures an Introspector.
type Config struct {
	IntrospectionURL string
	ClientID         string
	ClientSecret     string
	HTTPClient       *http.Client
}

// Introspector implements token.Validator over the IdP's introspection
// endpoint.
type Introspector struct {
	cfg Config
}

// NewIntrospector returns a ready Introspector, defaulting to a 5s
// timeout client when none is supplied.
func NewIntrospector(cfg Config) *Introspector {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &Introspector{cfg: cfg}
}

type introspectionResponse struct {
	Active          bool                   `json:"active"`
	Sub             string                 `json:"sub"`
	Username        string                 `json:"username"`
	Scope           string                 `json:"scope"`
	Exp             int64                  `json:"exp"`
	RealmAccess     map[string]interface{} `json:"realm_access"`
	ResourceAccess  map[string]interface{} `json:"resource_access"`
	Email           string                 `json:"email"`
}

// Validate posts token=<t> with client credentials and parses the
// introspection response into a token.Result.
func (i *Introspector) Validate(ctx context.Context, tokenString string) (token.Result, error) {
	form := url.Values{"token": {tokenString}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.cfg.IntrospectionURL, strings.NewReader(form.Encode()))
	if err != nil {
		return token.Result{Err: token.ErrIntrospectionDown}, token.ErrIntrospectionDown
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(i.cfg.ClientID, i.cfg.ClientSecret)

	resp, err := i.cfg.HTTPClient.Do(req)
	if err != nil {
		return token.Result{Err: token.ErrIntrospectionDown}, token.ErrIntrospectionDown
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return token.Result{Err: token.ErrIntrospectionDown}, fmt.Errorf("%w: status %d", token.ErrIntrospectionDown, resp.StatusCode)
	}

	var body introspectionResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return token.Result{Err: token.ErrMalformed}, token.ErrMalformed
	}
	if !body.Active {
		return token.Result{Err: token.ErrInactive}, token.ErrInactive
	}

	p := auth.Principal{
		ID:         body.Sub,
		Username:   body.Username,
		Email:      body.Email,
		Attributes: make(map[string]any),
	}
	var roles []auth.Role
	if rs, ok := body.RealmAccess["roles"].([]interface{}); ok {
		for _, r := range rs {
			if s, ok := r.(string); ok {
				roles = append(roles, auth.Role("realm:"+s))
			}
		}
	}
	for client, v := range body.ResourceAccess {
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
	p.Roles = roles

	var scopes []string
	if body.Scope != "" {
		scopes = strings.Fields(body.Scope)
	}

	return token.Result{
		Valid:     true,
		Source:    token.SourceIntrospection,
		Principal: p,
		ExpiresAt: time.Unix(body.Exp, 0).UTC(),
		Scopes:    scopes,
	}, nil
}

var _ token.Validator = (*Introspector)(nil)
