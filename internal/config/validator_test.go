package config

import (
	"strings"
	"testing"
)

// minimalValidConfig returns a minimal valid GatewayConfig for testing.
func minimalValidConfig() *GatewayConfig {
	cfg := &GatewayConfig{
		IdP: IdPConfig{
			ServerURL: "http://localhost:8081",
			Realm:     "accessguard",
			ClientID:  "accessguard",
		},
		Database: DatabaseConfig{DSN: "postgres://localhost/accessguard"},
		JWT: JWTConfig{
			Issuer:   "http://localhost:8081/realms/accessguard",
			Audience: "accessguard",
		},
		DevMode: true,
	}
	cfg.SetDefaults()
	return cfg
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}
}

func TestValidate_MissingIdPServerURL(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.IdP.ServerURL = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error, got nil")
	}
	if !strings.Contains(err.Error(), "ServerURL") {
		t.Errorf("error = %q, want to contain 'ServerURL'", err.Error())
	}
}

func TestValidate_MissingDatabaseDSN(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Database.DSN = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error, got nil")
	}
	if !strings.Contains(err.Error(), "DSN") {
		t.Errorf("error = %q, want to contain 'DSN'", err.Error())
	}
}

func TestValidate_InvalidDuration(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Session.MaxAge = "not-a-duration"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for invalid duration, got nil")
	}
	if !strings.Contains(err.Error(), "session.max_age") {
		t.Errorf("error = %q, want to contain 'session.max_age'", err.Error())
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Server.LogLevel = "verbose"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for invalid log level, got nil")
	}
}

func TestValidate_MissingEncryptionKeyOutsideDevMode(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.DevMode = false
	cfg.Encryption.Key = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for missing encryption key outside dev mode, got nil")
	}
	if !strings.Contains(err.Error(), "encryption.key") {
		t.Errorf("error = %q, want to contain 'encryption.key'", err.Error())
	}
}

func TestValidate_EncryptionKeyOptionalInDevMode(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.DevMode = true
	cfg.Encryption.Key = ""

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() in dev mode unexpected error: %v", err)
	}
}

func TestValidate_EncryptionKeyProvided(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.DevMode = false
	cfg.Encryption.Key = "a-production-grade-key-material"

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() with explicit key unexpected error: %v", err)
	}
}
