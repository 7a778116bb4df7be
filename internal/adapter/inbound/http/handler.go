// Package http provides the HTTP transport adapter for the access gateway.
package http

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/accessguard/accessguard/internal/apperr"
	"github.com/accessguard/accessguard/internal/service"
)

// maxRequestBodySize bounds the login/callback request bodies the gateway
// will decode.
const maxRequestBodySize = 1 << 16

// sessionCookieName is the cookie the gateway mints on successful login and
// reads back on every subsequent request.
const sessionCookieName = "accessguard_session"

// AuthHandler exposes the login/callback/logout/validate HTTP surface over
// IntegrationFacade (R). It owns no business logic: every method resolves
// request context, delegates to the facade, and translates the result (or
// classified error) into an HTTP response.
type AuthHandler struct {
	facade *service.IntegrationFacade
	logger *slog.Logger
}

// NewAuthHandler wires the composition root into an HTTP handler set.
func NewAuthHandler(facade *service.IntegrationFacade, logger *slog.Logger) *AuthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthHandler{facade: facade, logger: logger}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	Roles     []string `json:"roles"`
}

// Login implements the resource-owner password grant endpoint.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.KindInvalidRequest, "malformed request body"))
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, apperr.New(apperr.KindInvalidRequest, "username and password are required"))
		return
	}

	reqCtx := service.RequestContext{IPAddress: RealIP(r.Context()), UserAgent: r.UserAgent()}
	result, err := h.facade.AuthenticateWithPassword(r.Context(), req.Username, req.Password, reqCtx)
	if err != nil {
		h.logger.Warn("password login failed", "error", err)
		writeError(w, err)
		return
	}

	setSessionCookie(w, result.Session.ID)
	writeJSON(w, http.StatusOK, loginResponse{
		SessionID: result.Session.ID,
		UserID:    result.Principal.ID,
		Username:  result.Principal.Username,
		Roles:     result.Principal.Roles,
	})
}

// Authorize starts the PKCE authorization-code ceremony and redirects the
// caller's browser to the IdP's authorization endpoint.
func (h *AuthHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	redirectURI := r.URL.Query().Get("redirect_uri")
	if redirectURI == "" {
		writeError(w, apperr.New(apperr.KindInvalidRequest, "redirect_uri is required"))
		return
	}
	scopes := r.URL.Query()["scope"]
	if len(scopes) == 0 {
		scopes = []string{"openid", "profile", "email"}
	}

	authURL, _, err := h.facade.StartPKCELogin(r.Context(), redirectURI, service.GeneratePairOptions{}, scopes)
	if err != nil {
		h.logger.Error("pkce start failed", "error", err)
		writeError(w, err)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// Callback completes the PKCE ceremony: it exchanges the authorization
// code, validates the verifier/state pair, and mints a session.
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	code, state, verifier, redirectURI := q.Get("code"), q.Get("state"), q.Get("code_verifier"), q.Get("redirect_uri")
	if code == "" || state == "" {
		writeError(w, apperr.New(apperr.KindInvalidRequest, "code and state are required"))
		return
	}

	reqCtx := service.RequestContext{IPAddress: RealIP(r.Context()), UserAgent: r.UserAgent()}
	result, err := h.facade.AuthenticateWithCode(r.Context(), code, redirectURI, state, verifier, reqCtx)
	if err != nil {
		h.logger.Warn("code exchange failed", "error", err)
		writeError(w, err)
		return
	}

	setSessionCookie(w, result.Session.ID)
	writeJSON(w, http.StatusOK, loginResponse{
		SessionID: result.Session.ID,
		UserID:    result.Principal.ID,
		Username:  result.Principal.Username,
		Roles:     result.Principal.Roles,
	})
}

type validateResponse struct {
	Valid      bool   `json:"valid"`
	UserID     string `json:"user_id,omitempty"`
	Username   string `json:"username,omitempty"`
	Rotated    bool   `json:"rotated,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Validate checks the session cookie on the request and reports whether it
// is still valid, without mutating session state beyond what
// SessionManager.ValidateSession itself does (write-throttled last-access
// bump, optional rotation flag).
func (h *AuthHandler) Validate(w http.ResponseWriter, r *http.Request) {
	sid := readSessionCookie(r)
	if sid == "" {
		writeJSON(w, http.StatusOK, validateResponse{Valid: false, Error: "no session cookie"})
		return
	}

	reqCtx := service.RequestContext{IPAddress: RealIP(r.Context()), UserAgent: r.UserAgent()}
	result := h.facade.ValidateSession(r.Context(), sid, reqCtx)
	if !result.Valid {
		writeJSON(w, http.StatusOK, validateResponse{Valid: false, Error: result.Error})
		return
	}

	writeJSON(w, http.StatusOK, validateResponse{
		Valid:    true,
		UserID:   result.Snapshot.UserID,
		Username: result.Snapshot.Principal.Username,
		Rotated:  result.RequiresRotation,
	})
}

// Logout destroys the session named by the cookie and clears it client-side.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	sid := readSessionCookie(r)
	if sid == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	reqCtx := service.RequestContext{IPAddress: RealIP(r.Context()), UserAgent: r.UserAgent()}
	result := h.facade.ValidateSession(r.Context(), sid, reqCtx)
	userID := ""
	if result.Snapshot != nil {
		userID = result.Snapshot.UserID
	}

	if err := h.facade.Logout(r.Context(), userID, sid); err != nil {
		h.logger.Error("logout failed", "error", err)
		writeError(w, err)
		return
	}
	clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func setSessionCookie(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

func clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

func readSessionCookie(r *http.Request) string {
	c, err := r.Cookie(sessionCookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// writeError classifies err via the apperr taxonomy, maps its Kind to an
// HTTP status, and writes a sanitized JSON body. The unsanitized error is
// left for the caller to log with request correlation.
func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	writeJSON(w, statusForKind(kind), errorResponse{Error: apperr.Sanitize(err), Kind: string(kind)})
}

func statusForKind(kind apperr.Kind) int {
	switch kind {
	case apperr.KindInvalidRequest:
		return http.StatusBadRequest
	case apperr.KindUnauthorized, apperr.KindTokenExpired, apperr.KindTokenInvalid,
		apperr.KindSessionNotFound, apperr.KindSessionExpired, apperr.KindSessionSecurity:
		return http.StatusUnauthorized
	case apperr.KindInsufficientPerms:
		return http.StatusForbidden
	case apperr.KindConcurrentLimit, apperr.KindRateLimitExceeded:
		return http.StatusTooManyRequests
	case apperr.KindRateLimitDegraded, apperr.KindUpstreamUnavailable, apperr.KindCacheUnavailable, apperr.KindDBUnavailable:
		return http.StatusServiceUnavailable
	case apperr.KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
