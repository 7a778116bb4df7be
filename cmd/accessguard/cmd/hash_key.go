package cmd

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"
)

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [api-key]",
	Short: "Generate SHA256 hash for an API key",
	Long: `Generate a SHA256 hash of an API key for direct insertion into a
pre-seeded API key row, bypassing the Create API's argon2id path.

The output format "sha256:<hex>" is one of the two hash formats
VerifyAPIKeyHash accepts, recognized by its prefix.

Example:
  accessguard hash-key "my-secret-api-key"
  # Output: sha256:7d5e8c...

Security note: The key will appear in shell history.
Consider clearing history after use or using environment variable:
  accessguard hash-key "$MY_API_KEY"`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		key := args[0]
		hash := sha256.Sum256([]byte(key))
		fmt.Printf("sha256:%s\n", hex.EncodeToString(hash[:]))
	},
}

func init() {
	rootCmd.AddCommand(hashKeyCmd)
}
