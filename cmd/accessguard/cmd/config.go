package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/accessguard/accessguard/internal/config"
)

const redacted = "********"

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	Long: `Config loads accessguard.yaml (and any ACCESSGUARD_ environment
overrides), applies defaults, and prints the result as YAML. Secrets
(client secret, encryption key, database DSN credentials) are redacted.

Useful for confirming what a deployment actually loaded before running
'accessguard start'.`,
	RunE: runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.SetDevDefaults()
	cfg.SetDefaults()

	redactSecrets(cfg)

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	_, err = os.Stdout.Write(out)
	return err
}

// redactSecrets blanks fields that should never be echoed back, even to
// the operator invoking this command directly: credentials belong in a
// secret store, not in command output that might land in a log.
func redactSecrets(cfg *config.GatewayConfig) {
	if cfg.IdP.ClientSecret != "" {
		cfg.IdP.ClientSecret = redacted
	}
	if cfg.Encryption.Key != "" {
		cfg.Encryption.Key = redacted
	}
	if cfg.Database.DSN != "" {
		cfg.Database.DSN = redacted
	}
}
