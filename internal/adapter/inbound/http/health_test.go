package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/accessguard/accessguard/internal/adapter/outbound/idp"
	"github.com/accessguard/accessguard/internal/adapter/outbound/memory"
	"github.com/accessguard/accessguard/internal/service"
)

// newTestIdPServer returns an httptest server advertising a minimal OIDC
// discovery document, so idp.Discover can build a real *idp.Client without
// reaching an external IdP.
func newTestIdPServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		server := "http://" + r.Host
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                                server,
			"authorization_endpoint":                server + "/auth",
			"token_endpoint":                        server + "/token",
			"userinfo_endpoint":                      server + "/userinfo",
			"jwks_uri":                               server + "/jwks",
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	})
	return httptest.NewServer(mux)
}

func TestHealthChecker_Check_AllHealthy(t *testing.T) {
	idpSrv := newTestIdPServer(t)
	defer idpSrv.Close()

	client, err := idp.Discover(context.Background(), idp.Config{ServerURL: idpSrv.URL, ClientID: "accessguard"})
	if err != nil {
		t.Fatalf("idp.Discover() error = %v", err)
	}

	apiKeys := service.NewAPIKeyManager(memory.NewAPIKeyStore())
	cacheFacade := memory.NewCacheFacade()
	defer cacheFacade.Stop()
	facade := service.NewIntegrationFacade(service.Dependencies{
		IdPClient: client,
		APIKeys:   apiKeys,
		Cache:     cacheFacade,
	})

	checker := NewHealthChecker(facade, "test")
	resp := checker.Check(context.Background())

	if resp.Status != "healthy" {
		t.Errorf("Status = %q, want healthy; checks = %+v", resp.Status, resp.Checks)
	}
	if resp.Checks["idp"] != "ok" {
		t.Errorf("checks[idp] = %q, want ok", resp.Checks["idp"])
	}
	if resp.Checks["api_key_store"] != "ok" {
		t.Errorf("checks[api_key_store] = %q, want ok", resp.Checks["api_key_store"])
	}
}

func TestHealthChecker_Handler_UnhealthyReturns503(t *testing.T) {
	idpSrv := newTestIdPServer(t)
	client, err := idp.Discover(context.Background(), idp.Config{ServerURL: idpSrv.URL, ClientID: "accessguard"})
	if err != nil {
		t.Fatalf("idp.Discover() error = %v", err)
	}
	idpSrv.Close() // discovery succeeded; every subsequent request now fails

	facade := service.NewIntegrationFacade(service.Dependencies{
		IdPClient: client,
		APIKeys:   service.NewAPIKeyManager(memory.NewAPIKeyStore()),
	})
	checker := NewHealthChecker(facade, "test")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	checker.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}
