package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dproxy-io/dproxy/internal/adapter/inbound/admin"
)

var hashTokenArgon2 bool

var hashTokenCmd = &cobra.Command{
	Use:   "hash-token [token]",
	Short: "Generate a hash for the admin API token",
	Long: `Generate a hash of an admin API token for use in config.

By default the output is a SHA-256 hex digest for the admin.token_hash
field. With --argon2id the output is an Argon2id PHC string, which is
slower to verify but resistant to brute force if the config leaks.

Examples:
  dproxy hash-token "my-secret-token"
  dproxy hash-token --argon2id "my-secret-token"

Security note: the token will appear in shell history. Consider using
an environment variable:
  dproxy hash-token "$DPROXY_ADMIN_TOKEN"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if hashTokenArgon2 {
			hash, err := admin.HashTokenArgon2id(args[0])
			if err != nil {
				return fmt.Errorf("hash token: %w", err)
			}
			fmt.Println(hash)
			return nil
		}
		fmt.Println(admin.HashToken(args[0]))
		return nil
	},
}

func init() {
	hashTokenCmd.Flags().BoolVar(&hashTokenArgon2, "argon2id", false, "emit an Argon2id PHC hash instead of SHA-256")
	rootCmd.AddCommand(hashTokenCmd)
}
