package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

const minimalYAML = `
logging:
  level: debug
storage:
  driver: sqlite
  path: ./postify.db
connections:
  conflict_cooldown: 90s
maintenance:
  dispatch: "@every 5s"
`

func TestLoadYAMLWithEnvSecrets(t *testing.T) {
	p := writeFile(t, t.TempDir(), "postify.yaml", minimalYAML)
	m := NewManager(p)
	m.SetEnviron(map[string]string{
		"POSTIFY_VAULT_KEY":   "a2V5",
		"POSTIFY_OPS_CHAT_ID": "-100123",
	})
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Logging.Level != "debug" || cfg.Connections.ConflictCooldown != "90s" {
		t.Fatalf("cfg=%+v", cfg)
	}
	if cfg.Vault.Key != "a2V5" || cfg.Notifier.ChatID != -100123 {
		t.Fatalf("env overrides not applied: vault=%q chat=%d", cfg.Vault.Key, cfg.Notifier.ChatID)
	}
	if m.Get() != cfg {
		t.Fatalf("Load did not commit")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	p := writeFile(t, t.TempDir(), "postify.json", `{"storage":{"driver":"sqlite","path":"x.db"},"plugins":{}}`)
	if _, err := NewManager(p).Parse(); err == nil || !strings.Contains(err.Error(), "plugins") {
		t.Fatalf("err=%v want unknown field error", err)
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	p := writeFile(t, t.TempDir(), "postify.json", `{"storage":{"path":"x.db"}}{}`)
	if _, err := NewManager(p).Parse(); err == nil {
		t.Fatalf("expected trailing data error")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{Storage: StorageConfig{Driver: "sqlite", Path: "x.db"}}
	}
	cases := []struct {
		name string
		mut  func(c *Config)
		want string
	}{
		{"ok", func(*Config) {}, ""},
		{"postgres without dsn", func(c *Config) { c.Storage = StorageConfig{Driver: "postgres"} }, "storage.dsn"},
		{"bad driver", func(c *Config) { c.Storage.Driver = "mongo" }, "unknown driver"},
		{"bad duration", func(c *Config) { c.Connections.UnknownCooldown = "soon" }, "connections.unknown_cooldown"},
		{"bad trigger", func(c *Config) { c.Maintenance.Sweep = "sometimes" }, "maintenance.sweep"},
		{"bad zone", func(c *Config) { c.Schedule.Timezone = "Mars/Olympus" }, "schedule.timezone"},
		{"bad parse mode", func(c *Config) { c.Schedule.ParseMode = "BBCode" }, "parse_mode"},
		{"notifier without chat", func(c *Config) { c.Notifier = NotifierConfig{Enabled: true, BotToken: "t"} }, "chat_id"},
		{"public admin without token", func(c *Config) { c.Admin = AdminConfig{Enabled: true, Addr: "0.0.0.0:8086"} }, "not loopback"},
		{"public admin with token", func(c *Config) { c.Admin = AdminConfig{Enabled: true, Addr: "0.0.0.0:8086", Token: "s"} }, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := base()
			tc.mut(c)
			err := Validate(c)
			if tc.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%v want substring %q", err, tc.want)
			}
		})
	}
}

func TestReloadPublishesOnlyOnChange(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "postify.yaml", minimalYAML)
	m := NewManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	if published, err := m.Reload(); err != nil || published {
		t.Fatalf("unchanged reload published=%v err=%v", published, err)
	}
	writeFile(t, dir, "postify.yaml", strings.Replace(minimalYAML, "90s", "3m", 1))
	if published, err := m.Reload(); err != nil || !published {
		t.Fatalf("changed reload published=%v err=%v", published, err)
	}
	select {
	case cfg := <-ch:
		if cfg.Connections.ConflictCooldown != "3m" {
			t.Fatalf("published %q", cfg.Connections.ConflictCooldown)
		}
	default:
		t.Fatalf("no config published")
	}
}

func TestWatchPicksUpEdits(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "postify.yaml", minimalYAML)
	m := NewManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	ch := m.Subscribe(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	writeFile(t, dir, "postify.yaml", strings.Replace(minimalYAML, "debug", "warn", 1))
	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "warn" {
			t.Fatalf("level=%q", cfg.Logging.Level)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("watch did not publish the edit")
	}
}

func TestSummarizeChangeRedactsSecrets(t *testing.T) {
	o := &Config{Vault: VaultConfig{Key: "old"}, Logging: LoggingConfig{Level: "info"}}
	n := &Config{Vault: VaultConfig{Key: "new"}, Logging: LoggingConfig{Level: "debug"}, Admin: AdminConfig{Enabled: true}}
	changed, fields, restart := SummarizeChange(o, n)
	if strings.Join(changed, ",") != "admin,logging" {
		t.Fatalf("changed=%v", changed)
	}
	if strings.Join(restart, ",") != "admin" {
		t.Fatalf("restart=%v", restart)
	}
	if len(fields) == 0 {
		t.Fatalf("expected logging fields")
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	if d, err := ParseDurationOrDefault("x", "", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("empty: %s %v", d, err)
	}
	if d, err := ParseDurationOrDefault("x", "15s", time.Minute); err != nil || d != 15*time.Second {
		t.Fatalf("set: %s %v", d, err)
	}
	if _, err := ParseDurationOrDefault("x", "-1s", time.Minute); err == nil {
		t.Fatalf("negative accepted")
	}
}
