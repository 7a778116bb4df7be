// Package config provides configuration loading for the access gateway.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, it searches for accessguard.yaml/.yml
// in standard locations. The search requires an explicit YAML extension to
// avoid matching the binary itself, which Viper's built-in SetConfigName
// would match (same base name, no extension).
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		viper.SetConfigName("accessguard")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: ACCESSGUARD_IDP_CLIENT_SECRET
	viper.SetEnvPrefix("ACCESSGUARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for an accessguard config
// file with an explicit YAML extension (.yaml or .yml). This prevents
// Viper from matching the binary "accessguard" (no extension) in the
// current directory.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".accessguard"),
	}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "accessguard"))
		}
	} else {
		paths = append(paths, "/etc/accessguard")
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths searches the given directories for accessguard.yaml
// or .yml. Returns the full path of the first match, or empty string if
// none found.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "accessguard"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds config keys whose values are most commonly
// overridden at deploy time (secrets, connection strings, toggles) for
// environment variable support.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("server.http_addr")
	_ = viper.BindEnv("server.log_level")

	_ = viper.BindEnv("idp.server_url")
	_ = viper.BindEnv("idp.realm")
	_ = viper.BindEnv("idp.client_id")
	_ = viper.BindEnv("idp.client_secret")

	_ = viper.BindEnv("cache.enabled")
	_ = viper.BindEnv("cache.addr")

	_ = viper.BindEnv("database.dsn")
	_ = viper.BindEnv("database.max_open_conns")
	_ = viper.BindEnv("database.max_idle_conns")

	_ = viper.BindEnv("security.constant_time_comparison")
	_ = viper.BindEnv("security.api_key_hash_rounds")

	_ = viper.BindEnv("session.max_concurrent_sessions")
	_ = viper.BindEnv("session.enforce_ip_consistency")
	_ = viper.BindEnv("session.enforce_user_agent_consistency")
	_ = viper.BindEnv("session.token_encryption")

	_ = viper.BindEnv("encryption.key")
	_ = viper.BindEnv("encryption.key_derivation_iterations")

	_ = viper.BindEnv("jwt.issuer")
	_ = viper.BindEnv("jwt.audience")
	_ = viper.BindEnv("jwt.jwks_url")

	_ = viper.BindEnv("rate_limit.enabled")
	_ = viper.BindEnv("rate_limit.default_limit")
	_ = viper.BindEnv("rate_limit.default_window")

	_ = viper.BindEnv("dev_mode")
}

// LoadConfig reads the configuration file, applies environment overrides,
// applies defaults and dev-mode defaults, validates, and returns the
// GatewayConfig. Callers that must apply CLI flag overrides (e.g. --dev)
// before defaults and validation use LoadConfigRaw instead.
func LoadConfig() (*GatewayConfig, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg GatewayConfig
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadConfigRaw reads the configuration file and applies defaults, but
// does NOT apply dev defaults or validate. Use this when CLI flags may
// override DevMode before validation.
func LoadConfigRaw() (*GatewayConfig, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg GatewayConfig
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the path to the configuration file that was
// loaded. Returns an empty string if no config file was found (env vars
// only mode).
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
