package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync/atomic"

	logx "postify/pkg/logx"
)

// Store is the SQL-backed persistence used by the connection supervisor, the
// schedule engine, the notifier and the audit subscriber.
type Store struct {
	db      *sql.DB
	dialect Dialect
	log     logx.Logger
	closeFn func()

	opCount    atomic.Uint64
	pruneEvery uint64
}

// Open initializes the configured store and applies migrations.
func Open(ctx context.Context, cfg Config, log logx.Logger) (*Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	var (
		st  *Store
		err error
	)
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "sqlite", "sqlite3":
		st, err = openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pgx":
		st, err = openPostgres(ctx, cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

// NewWithDB wraps an already opened database. Migrations are not applied.
func NewWithDB(db *sql.DB, d Dialect, log logx.Logger) *Store {
	return &Store{db: db, dialect: d, log: log, pruneEvery: 500}
}

func (s *Store) Dialect() Dialect { return s.dialect }

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	if s.closeFn != nil {
		s.closeFn()
	}
	return err
}

// Migrate applies the idempotent schema.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) bind(q string) string { return s.dialect.rebind(q) }

// inTx runs fn in a transaction, committing on nil and rolling back otherwise.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
