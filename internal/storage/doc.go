// Package storage is the persistence layer: tenant credentials, channels,
// posts, scheduled jobs, the audit log and notifier dedup keys.
//
// One Store type serves both SQLite (modernc.org/sqlite) and PostgreSQL
// (jackc/pgx via database/sql). Queries are written with '?' placeholders and
// rebound per dialect. All instants are stored as UTC unix milliseconds.
package storage
