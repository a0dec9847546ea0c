package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mikeyg42/meshroom/internal/secret"
)

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Seal credentials for the config file",
	Long: `Credentials in the config file (storage.minio.access_key_id,
storage.minio.secret_access_key, roster.database_url) may be sealed with a
master key. The key is read from MESHROOM_MASTER_KEY.

Examples:
  export MESHROOM_MASTER_KEY=$(meshroom secret keygen)
  meshroom secret seal 'postgres://meshroom:s3cr3t@db/meshroom'`,
	// Sealing must work before the config can be loaded.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Print a new random master key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := secret.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	},
}

var sealCmd = &cobra.Command{
	Use:   "seal VALUE",
	Short: "Seal a value with MESHROOM_MASTER_KEY",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := os.Getenv("MESHROOM_MASTER_KEY")
		if key == "" {
			return secret.ErrNoKey
		}
		box, err := secret.NewBox(key)
		if err != nil {
			return err
		}
		sealed, err := box.Seal(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), sealed)
		return nil
	},
}

func init() {
	secretCmd.AddCommand(keygenCmd, sealCmd)
	rootCmd.AddCommand(secretCmd)
}
