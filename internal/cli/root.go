// Package cli holds the postify command tree.
package cli

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"postify/internal/app"
)

const defaultConfigPath = "./config.yaml"

var flagConfig string

// defaultConfig returns the config path, checking POSTIFY_CONFIG first.
func defaultConfig() string {
	if p := os.Getenv("POSTIFY_CONFIG"); p != "" {
		return p
	}
	return defaultConfigPath
}

// NewRootCmd builds the command tree. Running postify without a subcommand
// serves.
func NewRootCmd() *cobra.Command {
	serve := newServeCmd()
	root := &cobra.Command{
		Use:          "postify",
		Short:        "Multi-tenant Telegram channel post scheduler",
		Long:         "postify keeps one bot connection per tenant and publishes scheduled channel posts.",
		RunE:         serve.RunE,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", defaultConfig(), "path to config yaml or json (or POSTIFY_CONFIG env)")

	root.AddCommand(
		serve,
		newVaultCmd(),
		newTenantCmd(),
		newChannelCmd(),
		newPostCmd(),
	)
	return root
}

// withTools opens the store for one command and closes it afterwards.
func withTools(ctx context.Context, fn func(*app.Tools) error) error {
	t, err := app.OpenTools(ctx, flagConfig, nil)
	if err != nil {
		return err
	}
	defer t.Close()
	return fn(t)
}
