package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"postify/internal/config"
	"postify/internal/vault"
)

func newVaultCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Manage the credential encryption key",
	}
	cmd.AddCommand(newVaultKeygenCmd(), newVaultEncryptCmd())
	return cmd
}

func newVaultKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print a new base64 key for vault.key or POSTIFY_VAULT_KEY",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := vault.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
}

func newVaultEncryptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt <tenant_id>",
		Short: "Encrypt a bot token for a tenant (token read from stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m := config.NewManager(flagConfig)
			cfg, err := m.Load()
			if err != nil {
				return err
			}
			if strings.TrimSpace(cfg.Vault.Key) == "" {
				return fmt.Errorf("vault.key (or POSTIFY_VAULT_KEY) is not set")
			}
			v, err := vault.New(cfg.Vault.Key)
			if err != nil {
				return err
			}
			token, err := readToken(cmd, "")
			if err != nil {
				return err
			}
			sealed, err := v.Encrypt(args[0], token)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sealed)
			return nil
		},
	}
}
