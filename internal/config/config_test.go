package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGatewayConfig_SetDefaults(t *testing.T) {
	t.Parallel()

	var cfg GatewayConfig
	cfg.SetDefaults()

	if cfg.Server.HTTPAddr != "127.0.0.1:8443" {
		t.Errorf("HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "127.0.0.1:8443")
	}
	if cfg.Server.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.Server.LogLevel, "info")
	}
	if !cfg.Cache.Enabled {
		t.Error("Cache.Enabled should default to true")
	}
	if cfg.Cache.TTL.Session != "30s" {
		t.Errorf("Cache.TTL.Session = %q, want %q", cfg.Cache.TTL.Session, "30s")
	}
	if cfg.Session.MaxConcurrentSessions != 5 {
		t.Errorf("MaxConcurrentSessions = %d, want 5", cfg.Session.MaxConcurrentSessions)
	}
	if !cfg.Session.TokenEncryption {
		t.Error("Session.TokenEncryption should default to true")
	}
	if cfg.RateLimit.DefaultLimit != 100 {
		t.Errorf("RateLimit.DefaultLimit = %d, want 100", cfg.RateLimit.DefaultLimit)
	}
}

func TestGatewayConfig_SetDefaults_PreservesExistingValues(t *testing.T) {
	t.Parallel()

	cfg := GatewayConfig{
		Server: ServerConfig{HTTPAddr: ":9090"},
		Session: SessionConfig{
			MaxConcurrentSessions: 2,
		},
		RateLimit: RateLimitConfig{DefaultLimit: 50},
	}
	cfg.SetDefaults()

	if cfg.Server.HTTPAddr != ":9090" {
		t.Errorf("HTTPAddr was overwritten: got %q, want %q", cfg.Server.HTTPAddr, ":9090")
	}
	if cfg.Session.MaxConcurrentSessions != 2 {
		t.Errorf("MaxConcurrentSessions was overwritten: got %d, want 2", cfg.Session.MaxConcurrentSessions)
	}
	if cfg.RateLimit.DefaultLimit != 50 {
		t.Errorf("RateLimit.DefaultLimit was overwritten: got %d, want 50", cfg.RateLimit.DefaultLimit)
	}
}

func TestGatewayConfig_SetDevDefaults_NoopWithoutDevMode(t *testing.T) {
	t.Parallel()

	cfg := GatewayConfig{}
	cfg.SetDevDefaults()

	if cfg.IdP.ServerURL != "" {
		t.Errorf("IdP.ServerURL = %q, want empty when DevMode is false", cfg.IdP.ServerURL)
	}
}

func TestGatewayConfig_SetDevDefaults_FillsIdPAndDatabase(t *testing.T) {
	t.Parallel()

	cfg := GatewayConfig{DevMode: true}
	cfg.SetDevDefaults()

	if cfg.IdP.ServerURL == "" {
		t.Error("IdP.ServerURL should be set in dev mode")
	}
	if cfg.IdP.Realm == "" {
		t.Error("IdP.Realm should be set in dev mode")
	}
	if cfg.Database.DSN == "" {
		t.Error("Database.DSN should be set in dev mode")
	}
	if cfg.JWT.Issuer == "" {
		t.Error("JWT.Issuer should be derived from IdP.ServerURL/Realm in dev mode")
	}
}

func TestFindConfigFileInPaths_EmptyDir(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	got := findConfigFileInPaths([]string{dir})
	if got != "" {
		t.Errorf("findConfigFileInPaths(empty dir) = %q, want empty", got)
	}
}

func TestFindConfigFileInPaths_MatchesYAML(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "accessguard.yaml")
	_ = os.WriteFile(cfgPath, []byte("server:\n  http_addr: :9090\n"), 0644)

	got := findConfigFileInPaths([]string{dir})
	if got != cfgPath {
		t.Errorf("findConfigFileInPaths = %q, want %q", got, cfgPath)
	}
}

func TestFindConfigFileInPaths_MatchesYML(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "accessguard.yml")
	_ = os.WriteFile(cfgPath, []byte("server:\n  http_addr: :9090\n"), 0644)

	got := findConfigFileInPaths([]string{dir})
	if got != cfgPath {
		t.Errorf("findConfigFileInPaths = %q, want %q", got, cfgPath)
	}
}

func TestFindConfigFileInPaths_IgnoresNoExtension(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	_ = os.WriteFile(filepath.Join(dir, "accessguard"), []byte("\x7fELF binary"), 0755)

	got := findConfigFileInPaths([]string{dir})
	if got != "" {
		t.Errorf("findConfigFileInPaths matched binary = %q, want empty", got)
	}
}

func TestFindConfigFileInPaths_PrefersYAMLOverYML(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "accessguard.yaml")
	ymlPath := filepath.Join(dir, "accessguard.yml")
	_ = os.WriteFile(yamlPath, []byte("server:\n  http_addr: :8080\n"), 0644)
	_ = os.WriteFile(ymlPath, []byte("server:\n  http_addr: :9090\n"), 0644)

	got := findConfigFileInPaths([]string{dir})
	if got != yamlPath {
		t.Errorf("findConfigFileInPaths = %q, want %q (.yaml preferred)", got, yamlPath)
	}
}
