package storage

// schema runs in order on every start; every statement is idempotent and
// valid for both SQLite and PostgreSQL.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS tenants (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL DEFAULT '',
		token      TEXT NOT NULL,
		status     TEXT NOT NULL DEFAULT 'active',
		last_error TEXT,
		timezone   TEXT NOT NULL DEFAULT '',
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS channels (
		id        TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		chat_id   BIGINT NOT NULL,
		title     TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_channels_tenant ON channels(tenant_id)`,
	`CREATE TABLE IF NOT EXISTS posts (
		id           TEXT PRIMARY KEY,
		tenant_id    TEXT NOT NULL,
		channel_id   TEXT,
		body         TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL DEFAULT 'draft',
		scheduled_at BIGINT,
		published_at BIGINT,
		message_id   BIGINT,
		last_error   TEXT,
		updated_at   BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_posts_tenant ON posts(tenant_id)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		id           TEXT PRIMARY KEY,
		post_id      TEXT NOT NULL,
		tenant_id    TEXT NOT NULL,
		channel_id   TEXT NOT NULL,
		fire_at      BIGINT NOT NULL,
		status       TEXT NOT NULL,
		created_at   BIGINT NOT NULL,
		fired_at     BIGINT,
		message_id   BIGINT,
		published_at BIGINT,
		error        TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_due ON jobs(status, fire_at)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_post ON jobs(post_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_channel ON jobs(channel_id, status, fire_at)`,
	`CREATE TABLE IF NOT EXISTS audit (
		at        BIGINT NOT NULL,
		kind      TEXT NOT NULL,
		tenant_id TEXT,
		subject   TEXT,
		detail    TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_at ON audit(at)`,
	`CREATE TABLE IF NOT EXISTS dedup (
		dedup_key  TEXT PRIMARY KEY,
		expires_at BIGINT NOT NULL
	)`,
}
