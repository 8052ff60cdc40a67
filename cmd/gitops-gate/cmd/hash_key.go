package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gitops-gate/gitopsgate/internal/domain/auth"
)

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [api-key]",
	Short: "Hash an API key for use in config",
	Long: `Hash an API key with Argon2id for the auth.api_keys.key_hash field.

Example:
  gitops-gate hash-key "my-secret-api-key"
  # Output: $argon2id$v=19$m=48128,t=1,p=1$...

Security note: the key will appear in shell history. Consider clearing
history after use or passing an environment variable:
  gitops-gate hash-key "$MY_API_KEY"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := auth.HashKey(args[0])
		if err != nil {
			return fmt.Errorf("hash key: %w", err)
		}
		fmt.Println(hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashKeyCmd)
}
