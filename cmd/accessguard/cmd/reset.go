package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/accessguard/accessguard/internal/adapter/outbound/cache"
	"github.com/accessguard/accessguard/internal/config"
	domaincache "github.com/accessguard/accessguard/internal/domain/cache"
)

var resetForce bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear all sessions, API keys, and cached decisions",
	Long: `Reset truncates the session and API key tables and flushes every
cache namespace this gateway writes to (sessions, rate limits, RBAC/ability
decisions, refresh tokens, PKCE state).

It does not touch the identity provider: users and their credentials are
unaffected, so a reset only forces every active session to re-authenticate.

Examples:
  # Reset with interactive confirmation
  accessguard reset

  # Reset without prompting
  accessguard reset --force`,
	RunE: runReset,
}

func init() {
	resetCmd.Flags().BoolVar(&resetForce, "force", false, "skip confirmation prompt")
	rootCmd.AddCommand(resetCmd)
}

func runReset(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.SetDefaults()
	cfg.SetDevDefaults()

	if !resetForce {
		fmt.Fprintf(os.Stderr, "This will delete all sessions and API keys and flush the cache at %q.\nProceed? [y/N] ", cfg.Cache.Addr)
		var answer string
		fmt.Scanln(&answer) //nolint:errcheck // interactive prompt, error irrelevant
		if answer != "y" && answer != "Y" {
			fmt.Fprintln(os.Stderr, "Aborted.")
			return nil
		}
	}

	ctx := context.Background()

	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	for _, table := range []string{"user_sessions", "api_keys"} {
		if _, err := db.ExecContext(ctx, "TRUNCATE TABLE "+table); err != nil {
			return fmt.Errorf("truncate %s: %w", table, err)
		}
		fmt.Fprintf(os.Stderr, "Truncated %s\n", table)
	}

	if cfg.Cache.Enabled {
		client := redis.NewClient(&redis.Options{Addr: cfg.Cache.Addr})
		defer client.Close()
		facade := cache.NewRedisFacade(client)

		namespaces := []string{
			domaincache.NamespaceRateLimit,
			domaincache.NamespaceSession,
			domaincache.NamespaceJWT,
			domaincache.NamespaceIntrospect,
			domaincache.NamespaceRBAC,
			domaincache.NamespaceAbility,
			domaincache.NamespaceRefresh,
			domaincache.NamespaceAPIKeyCheck,
			domaincache.NamespacePKCE,
		}
		for _, ns := range namespaces {
			if err := facade.InvalidatePrefix(ctx, ns+":"); err != nil {
				fmt.Fprintf(os.Stderr, "  WARNING: failed to flush cache namespace %q: %v\n", ns, err)
				continue
			}
			fmt.Fprintf(os.Stderr, "Flushed cache namespace %s\n", ns)
		}
	}

	fmt.Fprintln(os.Stderr, "\nReset complete.")
	return nil
}
