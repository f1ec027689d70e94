package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	logx "postify/pkg/logx"
)

// AppendAudit stores one lifecycle event.
func (s *Store) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.bind(`INSERT INTO audit(at, kind, tenant_id, subject, detail) VALUES(?,?,?,?,?)`),
		toMS(e.At), e.Kind, nullStr(e.TenantID), nullStr(e.Subject), nullStr(e.Detail))
	return err
}

// RecentAudit returns the newest entries first.
func (s *Store) RecentAudit(ctx context.Context, tenantID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT at, kind, COALESCE(tenant_id, ''), COALESCE(subject, ''), COALESCE(detail, '') FROM audit`
	args := []any{}
	if tenantID != "" {
		q += ` WHERE tenant_id = ?`
		args = append(args, tenantID)
	}
	q += ` ORDER BY at DESC LIMIT ?`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, s.bind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AuditEntry
	for rows.Next() {
		var (
			e  AuditEntry
			at int64
		)
		if err := rows.Scan(&at, &e.Kind, &e.TenantID, &e.Subject, &e.Detail); err != nil {
			return nil, err
		}
		e.At = fromMS(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneAudit deletes entries older than before and returns how many went.
func (s *Store) PruneAudit(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.bind(`DELETE FROM audit WHERE at < ?`), toMS(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetDedup returns the expiry recorded for key; ok is false when absent or expired.
func (s *Store) GetDedup(ctx context.Context, key string, now time.Time) (time.Time, bool, error) {
	var until int64
	err := s.db.QueryRowContext(ctx, s.bind(`SELECT expires_at FROM dedup WHERE dedup_key = ?`), key).Scan(&until)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	t := fromMS(until)
	if !now.Before(t) {
		return time.Time{}, false, nil
	}
	return t, true, nil
}

// PutDedup records key as suppressed until the given time. Expired keys are
// pruned every pruneEvery writes.
func (s *Store) PutDedup(ctx context.Context, key string, until time.Time) error {
	_, err := s.db.ExecContext(ctx, s.bind(
		`INSERT INTO dedup(dedup_key, expires_at) VALUES(?,?)
		 ON CONFLICT(dedup_key) DO UPDATE SET expires_at = excluded.expires_at`),
		key, toMS(until))
	if err != nil {
		return err
	}
	if s.pruneEvery > 0 && s.opCount.Add(1)%s.pruneEvery == 0 {
		if n, err := s.PruneDedup(ctx, time.Now()); err != nil {
			s.log.Warn("dedup prune failed", logx.Err(err))
		} else if n > 0 {
			s.log.Debug("dedup pruned", logx.Int64("rows", n))
		}
	}
	return nil
}

func (s *Store) PruneDedup(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.bind(`DELETE FROM dedup WHERE expires_at <= ?`), toMS(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
