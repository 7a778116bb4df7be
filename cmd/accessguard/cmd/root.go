// Package cmd provides the CLI commands for the access gateway.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/accessguard/accessguard/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "accessguard",
	Short: "Access Guard - authentication and session gateway",
	Long: `Access Guard is an authentication, session, and RBAC/ABAC gateway
sitting in front of HTTP and stream protocol upstreams. It validates tokens
and API keys, enforces role and attribute based access control, tracks
sessions, and rate-limits traffic without requiring changes to the upstream
service.

Quick start:
  1. Create a config file: accessguard.yaml
  2. Run: accessguard start

Configuration:
  Config is loaded from accessguard.yaml in the current directory,
  $HOME/.accessguard/, or /etc/accessguard/.

  Environment variables can override config values with the ACCESSGUARD_
  prefix. Example: ACCESSGUARD_SERVER_HTTP_ADDR=:9090

Commands:
  start       Start the gateway server
  reset       Clear sessions, API keys, and cached decisions
  config      Print the effective (redacted) configuration as YAML
  hash-key    Generate a SHA256 hash for an API key
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./accessguard.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
