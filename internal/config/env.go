package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Secrets are kept out of config files by reading them from the environment.
type envOverrides struct {
	VaultKey    string `env:"POSTIFY_VAULT_KEY"`
	DatabaseDSN string `env:"POSTIFY_DATABASE_DSN"`
	AdminToken  string `env:"POSTIFY_ADMIN_TOKEN"`
	OpsBotToken string `env:"POSTIFY_OPS_BOT_TOKEN"`
	OpsChatID   int64  `env:"POSTIFY_OPS_CHAT_ID"`
}

// ApplyEnv overlays non-empty environment values onto cfg. environ nil means
// the process environment.
func ApplyEnv(cfg *Config, environ map[string]string) error {
	var e envOverrides
	if err := env.ParseWithOptions(&e, env.Options{Environment: environ}); err != nil {
		return fmt.Errorf("env: %w", err)
	}
	if e.VaultKey != "" {
		cfg.Vault.Key = e.VaultKey
	}
	if e.DatabaseDSN != "" {
		cfg.Storage.DSN = e.DatabaseDSN
	}
	if e.AdminToken != "" {
		cfg.Admin.Token = e.AdminToken
	}
	if e.OpsBotToken != "" {
		cfg.Notifier.BotToken = e.OpsBotToken
	}
	if e.OpsChatID != 0 {
		cfg.Notifier.ChatID = e.OpsChatID
	}
	return nil
}
