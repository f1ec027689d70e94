package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"postify/internal/task/scheduler"
)

// Validate reports every problem in cfg at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(errors.New("storage.path is required for sqlite"))
		}
	case "postgres", "pgx":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			add(errors.New("storage.dsn (or POSTIFY_DATABASE_DSN) is required for postgres"))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}

	for path, raw := range map[string]string{
		"storage.busy_timeout":              cfg.Storage.BusyTimeout,
		"storage.audit_retention":           cfg.Storage.AuditRetention,
		"telegram.poll_timeout":             cfg.Telegram.PollTimeout,
		"telegram.stop_grace":               cfg.Telegram.StopGrace,
		"connections.conflict_cooldown":     cfg.Connections.ConflictCooldown,
		"connections.auth_revoked_cooldown": cfg.Connections.AuthRevokedCooldown,
		"connections.unknown_cooldown":      cfg.Connections.UnknownCooldown,
		"connections.open_timeout":          cfg.Connections.OpenTimeout,
		"connections.warm_load_stagger":     cfg.Connections.WarmLoadStagger,
		"schedule.conflict_window":          cfg.Schedule.ConflictWindow,
		"gateway.rate_window":               cfg.Gateway.RateWindow,
		"gateway.lock_lease":                cfg.Gateway.LockLease,
		"task_engine.default_timeout":       cfg.TaskEngine.DefaultTimeout,
		"task_engine.max_queue_delay":       cfg.TaskEngine.MaxQueueDelay,
		"notifier.retry_base":               cfg.Notifier.RetryBase,
		"notifier.retry_max_delay":          cfg.Notifier.RetryMaxDelay,
		"notifier.dedup_window":             cfg.Notifier.DedupWindow,
		"admin.read_timeout":                cfg.Admin.ReadTimeout,
		"admin.idle_timeout":                cfg.Admin.IdleTimeout,
	} {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	for path, spec := range map[string]string{
		"maintenance.dispatch":    cfg.Maintenance.Dispatch,
		"maintenance.reconcile":   cfg.Maintenance.Reconcile,
		"maintenance.sweep":       cfg.Maintenance.Sweep,
		"maintenance.audit_prune": cfg.Maintenance.AuditPrune,
	} {
		if strings.TrimSpace(spec) == "" {
			continue
		}
		if _, err := scheduler.ParseSchedule(spec); err != nil {
			add(fmt.Errorf("%s: %w", path, err))
		}
	}

	for path, tz := range map[string]string{
		"schedule.timezone":    cfg.Schedule.Timezone,
		"maintenance.timezone": cfg.Maintenance.Timezone,
	} {
		if tz = strings.TrimSpace(tz); tz == "" {
			continue
		}
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("%s: %w", path, err))
		}
	}

	switch cfg.Schedule.ParseMode {
	case "", "HTML", "Markdown", "MarkdownV2":
	default:
		add(fmt.Errorf("schedule.parse_mode: unsupported %q", cfg.Schedule.ParseMode))
	}

	if cfg.Notifier.Enabled {
		if strings.TrimSpace(cfg.Notifier.BotToken) == "" && !cfg.Telegram.DryRun {
			add(errors.New("notifier.bot_token (or POSTIFY_OPS_BOT_TOKEN) is required when notifier is enabled"))
		}
		if cfg.Notifier.ChatID == 0 {
			add(errors.New("notifier.chat_id (or POSTIFY_OPS_CHAT_ID) is required when notifier is enabled"))
		}
	}

	if cfg.Admin.Enabled {
		addr := strings.TrimSpace(cfg.Admin.Addr)
		if addr == "" {
			addr = DefaultAdminAddr
		}
		if !IsLoopbackAddr(addr) && strings.TrimSpace(cfg.Admin.Token) == "" && !cfg.Admin.AllowInsecure {
			add(fmt.Errorf("admin.addr %q is not loopback; set admin.token or admin.allow_insecure", addr))
		}
	}

	return errors.Join(errs...)
}

const DefaultAdminAddr = "127.0.0.1:8086"

// IsLoopbackAddr reports whether a host:port binds only to loopback.
func IsLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
