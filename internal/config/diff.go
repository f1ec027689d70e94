package config

import (
	"reflect"
	"sort"
	"strings"

	logx "postify/pkg/logx"
)

// restartSections need a process restart to take effect.
var restartSections = map[string]bool{
	"storage":     true,
	"vault":       true,
	"telegram":    true,
	"schedule":    true,
	"gateway":     true,
	"task_engine": true,
	"admin":       true,
}

// SummarizeChange lists changed top-level sections, safe log fields that
// never include secrets, and the changed sections that only apply after a
// restart.
func SummarizeChange(oldCfg, newCfg *Config) (changed []string, fields []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	redact := func(c Config) Config {
		c.Vault.Key = secretMark(c.Vault.Key)
		c.Storage.DSN = secretMark(c.Storage.DSN)
		c.Admin.Token = secretMark(c.Admin.Token)
		c.Notifier.BotToken = secretMark(c.Notifier.BotToken)
		return c
	}
	o, n := redact(*oldCfg), redact(*newCfg)

	sections := map[string][2]any{
		"logging":     {o.Logging, n.Logging},
		"storage":     {o.Storage, n.Storage},
		"vault":       {o.Vault, n.Vault},
		"telegram":    {o.Telegram, n.Telegram},
		"connections": {o.Connections, n.Connections},
		"schedule":    {o.Schedule, n.Schedule},
		"gateway":     {o.Gateway, n.Gateway},
		"maintenance": {o.Maintenance, n.Maintenance},
		"task_engine": {o.TaskEngine, n.TaskEngine},
		"notifier":    {o.Notifier, n.Notifier},
		"admin":       {o.Admin, n.Admin},
	}
	for name, pair := range sections {
		if !reflect.DeepEqual(pair[0], pair[1]) {
			changed = append(changed, name)
			if restartSections[name] {
				restart = append(restart, name)
			}
		}
	}
	sort.Strings(changed)
	sort.Strings(restart)

	for _, name := range changed {
		switch name {
		case "logging":
			fields = append(fields,
				logx.String("logging.level", n.Logging.Level),
				logx.Bool("logging.file", n.Logging.File.Enabled),
				logx.Bool("logging.alerts", n.Logging.Alerts.Enabled),
			)
		case "connections":
			fields = append(fields,
				logx.String("connections.conflict_cooldown", n.Connections.ConflictCooldown),
				logx.String("connections.auth_revoked_cooldown", n.Connections.AuthRevokedCooldown),
				logx.String("connections.unknown_cooldown", n.Connections.UnknownCooldown),
			)
		case "maintenance":
			fields = append(fields,
				logx.String("maintenance.dispatch", n.Maintenance.Dispatch),
				logx.String("maintenance.timezone", n.Maintenance.Timezone),
			)
		case "notifier":
			fields = append(fields,
				logx.Bool("notifier.enabled", n.Notifier.Enabled),
				logx.Bool("notifier.token_set", n.Notifier.BotToken != ""),
				logx.Int("notifier.rate_per_sec", n.Notifier.RatePerSec),
			)
		}
	}
	return changed, fields, restart
}

func secretMark(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	return "set"
}
