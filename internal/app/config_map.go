package app

import (
	"fmt"
	"strings"
	"time"

	"postify/internal/admin"
	"postify/internal/config"
	"postify/internal/connection"
	"postify/internal/notifier"
	"postify/internal/schedule"
	"postify/internal/storage"
	"postify/internal/task/engine"
	"postify/internal/task/scheduler"
	"postify/internal/transport"
	"postify/internal/transport/telegram"
	logx "postify/pkg/logx"
)

// Defaults for values the config leaves empty.
const (
	defaultDispatchSpec    = "@every 15s"
	defaultReconcileSpec   = "@every 1m"
	defaultSweepSpec       = "@every 5m"
	defaultAuditPruneSpec  = "03:30"
	defaultAuditRetention  = 720 * time.Hour
	defaultWarmLoadStagger = 500 * time.Millisecond
)

func mapLogging(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
		Alerts: logx.AlertConfig{
			Enabled:    c.Alerts.Enabled,
			MinLevel:   c.Alerts.MinLevel,
			RatePerMin: c.Alerts.RatePerMin,
		},
	}
}

func mapStorage(c config.StorageConfig) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", c.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	driver := strings.ToLower(strings.TrimSpace(c.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(c.Path),
		DSN:         strings.TrimSpace(c.DSN),
		BusyTimeout: busy,
		MaxConns:    c.MaxConns,
	}, nil
}

func mapAuditRetention(c config.StorageConfig) (time.Duration, error) {
	return config.ParseDurationOrDefault("storage.audit_retention", c.AuditRetention, defaultAuditRetention)
}

func mapTelegram(c config.TelegramConfig) (telegram.Config, error) {
	poll, err := config.ParseDurationField("telegram.poll_timeout", c.PollTimeout)
	if err != nil {
		return telegram.Config{}, err
	}
	grace, err := config.ParseDurationField("telegram.stop_grace", c.StopGrace)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		APIURL:          strings.TrimSpace(c.APIURL),
		PollTimeout:     poll,
		StopGrace:       grace,
		SendRate:        c.SendRate,
		SendBurst:       c.SendBurst,
		MaxPollFailures: c.MaxPollFailures,
	}, nil
}

func mapConnections(c config.ConnectionsConfig) (connection.Config, error) {
	var out connection.Config
	for _, f := range []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"connections.conflict_cooldown", c.ConflictCooldown, &out.ConflictCooldown},
		{"connections.auth_revoked_cooldown", c.AuthRevokedCooldown, &out.AuthRevokedCooldown},
		{"connections.unknown_cooldown", c.UnknownCooldown, &out.UnknownCooldown},
		{"connections.open_timeout", c.OpenTimeout, &out.OpenTimeout},
		{"connections.warm_load_stagger", c.WarmLoadStagger, &out.Stagger},
	} {
		d, err := config.ParseDurationField(f.path, f.raw)
		if err != nil {
			return connection.Config{}, err
		}
		*f.dst = d
	}
	if strings.TrimSpace(c.WarmLoadStagger) == "" {
		out.Stagger = defaultWarmLoadStagger
	}
	out.MaxConsecutiveFailures = c.MaxConsecutiveFailures
	out.ReconcileConcurrency = c.ReconcileConcurrency
	return out, nil
}

func mapSchedule(c config.ScheduleConfig) (schedule.Config, error) {
	window, err := config.ParseDurationField("schedule.conflict_window", c.ConflictWindow)
	if err != nil {
		return schedule.Config{}, err
	}
	loc := time.UTC
	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return schedule.Config{}, fmt.Errorf("schedule.timezone: %w", err)
		}
	}
	return schedule.Config{
		Location:       loc,
		ConflictWindow: window,
		HourCap:        c.HourCap,
		DispatchBatch:  c.DispatchBatch,
	}, nil
}

func mapPublisher(c config.ScheduleConfig) schedule.TextPublisher {
	return schedule.TextPublisher{Options: transport.SendOptions{
		ParseMode:      c.ParseMode,
		DisablePreview: c.DisablePreview,
	}}
}

type gatewayConfig struct {
	RateLimit  int
	RateWindow time.Duration
	LockLease  time.Duration
}

func mapGateway(c config.GatewayConfig) (gatewayConfig, error) {
	window, err := config.ParseDurationOrDefault("gateway.rate_window", c.RateWindow, time.Minute)
	if err != nil {
		return gatewayConfig{}, err
	}
	lease, err := config.ParseDurationOrDefault("gateway.lock_lease", c.LockLease, 30*time.Second)
	if err != nil {
		return gatewayConfig{}, err
	}
	limit := c.RateLimit
	if limit <= 0 {
		limit = 10
	}
	return gatewayConfig{RateLimit: limit, RateWindow: window, LockLease: lease}, nil
}

func mapTaskEngine(c config.TaskEngineConfig) (engine.Config, error) {
	def, err := config.ParseDurationOrDefault("task_engine.default_timeout", c.DefaultTimeout, time.Minute)
	if err != nil {
		return engine.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("task_engine.max_queue_delay", c.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:        c.Workers,
		QueueSize:      c.QueueSize,
		DefaultTimeout: def,
		MaxQueueDelay:  maxDelay,
		HistorySize:    c.HistorySize,
		RetryMax:       c.RetryMax,
	}, nil
}

func mapMaintenance(c config.MaintenanceConfig) scheduler.Config {
	return scheduler.Config{Timezone: strings.TrimSpace(c.Timezone)}
}

func mapNotifier(c config.NotifierConfig) (notifier.Config, error) {
	base, err := config.ParseDurationField("notifier.retry_base", c.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("notifier.retry_max_delay", c.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	window, err := config.ParseDurationField("notifier.dedup_window", c.DedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:         c.Enabled,
		ChatID:          c.ChatID,
		Workers:         c.Workers,
		QueueSize:       c.QueueSize,
		RatePerSec:      c.RatePerSec,
		RetryMax:        c.RetryMax,
		RetryBase:       base,
		RetryMaxDelay:   maxDelay,
		DedupWindow:     window,
		DedupMaxEntries: c.DedupMaxEntries,
		PersistDedup:    c.PersistDedup,
	}, nil
}

func mapAdmin(c config.AdminConfig) (admin.Config, error) {
	read, err := config.ParseDurationField("admin.read_timeout", c.ReadTimeout)
	if err != nil {
		return admin.Config{}, err
	}
	idle, err := config.ParseDurationField("admin.idle_timeout", c.IdleTimeout)
	if err != nil {
		return admin.Config{}, err
	}
	return admin.Config{
		Enabled:       c.Enabled,
		Addr:          c.Addr,
		Token:         c.Token,
		AllowInsecure: c.AllowInsecure,
		Pprof:         c.Pprof,
		ReadTimeout:   read,
		IdleTimeout:   idle,
	}, nil
}

func orDefault(spec, def string) string {
	if s := strings.TrimSpace(spec); s != "" {
		return s
	}
	return def
}
