package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("30s", "2m") parsed with ParseDurationField when mapped onto services.
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	Storage     StorageConfig     `json:"storage"`
	Vault       VaultConfig       `json:"vault"`
	Telegram    TelegramConfig    `json:"telegram"`
	Connections ConnectionsConfig `json:"connections"`
	Schedule    ScheduleConfig    `json:"schedule"`
	Gateway     GatewayConfig     `json:"gateway"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	TaskEngine  TaskEngineConfig  `json:"task_engine"`
	Notifier    NotifierConfig    `json:"notifier"`
	Admin       AdminConfig       `json:"admin"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alerts  LoggingAlert `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards error-level log lines to the notifier.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerMin int    `json:"rate_per_min"`
}

// StorageConfig selects the database.
//
//	"storage": { "driver": "sqlite", "path": "./postify.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://..." }
type StorageConfig struct {
	Driver         string `json:"driver"`
	Path           string `json:"path,omitempty"`
	DSN            string `json:"dsn,omitempty"` // prefer POSTIFY_DATABASE_DSN
	BusyTimeout    string `json:"busy_timeout,omitempty"`
	MaxConns       int32  `json:"max_conns,omitempty"`
	AuditRetention string `json:"audit_retention,omitempty"`
}

// VaultConfig holds the base64 credential key. Prefer POSTIFY_VAULT_KEY.
type VaultConfig struct {
	Key string `json:"key,omitempty"`
}

type TelegramConfig struct {
	// DryRun swaps the real endpoint for an in-memory transport that logs
	// publishes instead of sending them.
	DryRun          bool    `json:"dry_run,omitempty"`
	APIURL          string  `json:"api_url,omitempty"`
	PollTimeout     string  `json:"poll_timeout,omitempty"`
	StopGrace       string  `json:"stop_grace,omitempty"`
	SendRate        float64 `json:"send_rate,omitempty"`
	SendBurst       int     `json:"send_burst,omitempty"`
	MaxPollFailures int     `json:"max_poll_failures,omitempty"`
}

type ConnectionsConfig struct {
	ConflictCooldown       string `json:"conflict_cooldown,omitempty"`
	AuthRevokedCooldown    string `json:"auth_revoked_cooldown,omitempty"`
	UnknownCooldown        string `json:"unknown_cooldown,omitempty"`
	MaxConsecutiveFailures int    `json:"max_consecutive_failures,omitempty"`
	OpenTimeout            string `json:"open_timeout,omitempty"`
	WarmLoadStagger        string `json:"warm_load_stagger,omitempty"`
	ReconcileConcurrency   int    `json:"reconcile_concurrency,omitempty"`
}

type ScheduleConfig struct {
	Timezone       string `json:"timezone,omitempty"` // default zone for tenants without one
	ConflictWindow string `json:"conflict_window,omitempty"`
	HourCap        int    `json:"hour_cap,omitempty"`
	DispatchBatch  int    `json:"dispatch_batch,omitempty"`
	TenantParallel int    `json:"tenant_parallel,omitempty"`
	ParseMode      string `json:"parse_mode,omitempty"`
	DisablePreview bool   `json:"disable_preview,omitempty"`
}

type GatewayConfig struct {
	RateLimit  int    `json:"rate_limit,omitempty"`
	RateWindow string `json:"rate_window,omitempty"`
	LockLease  string `json:"lock_lease,omitempty"`
}

// MaintenanceConfig holds trigger specs for background upkeep. Each value
// accepts cron ("*/5 * * * *", "@every 1m"), a duration ("30s") or HH:MM.
type MaintenanceConfig struct {
	Timezone   string `json:"timezone,omitempty"`
	Dispatch   string `json:"dispatch,omitempty"`
	Reconcile  string `json:"reconcile,omitempty"`
	Sweep      string `json:"sweep,omitempty"`
	AuditPrune string `json:"audit_prune,omitempty"`
}

type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
}

// NotifierConfig controls operator alerts. Token and chat are usually
// supplied through POSTIFY_OPS_BOT_TOKEN and POSTIFY_OPS_CHAT_ID.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	BotToken        string `json:"bot_token,omitempty"`
	ChatID          int64  `json:"chat_id,omitempty"`
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// AdminConfig controls the operator HTTP server.
//
// Prefer a loopback address. Binding elsewhere requires a token or an
// explicit allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default "127.0.0.1:8086"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}
