package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const tenantColumns = `id, name, token, status, last_error, timezone, updated_at`

func scanTenant(sc scanner) (Tenant, error) {
	var (
		t       Tenant
		status  string
		lastErr sql.NullString
		updated int64
	)
	if err := sc.Scan(&t.ID, &t.Name, &t.Token, &status, &lastErr, &t.Timezone, &updated); err != nil {
		return Tenant{}, err
	}
	t.Status = TenantStatus(status)
	t.LastError = lastErr.String
	t.UpdatedAt = fromMS(updated)
	return t, nil
}

// PutTenant inserts or replaces a tenant record.
func (s *Store) PutTenant(ctx context.Context, t Tenant) error {
	if t.Status == "" {
		t.Status = TenantActive
	}
	_, err := s.db.ExecContext(ctx, s.bind(
		`INSERT INTO tenants(`+tenantColumns+`) VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, token=excluded.token, status=excluded.status,
		 last_error=excluded.last_error, timezone=excluded.timezone, updated_at=excluded.updated_at`),
		t.ID, t.Name, t.Token, string(t.Status), nullStr(t.LastError), t.Timezone, toMS(time.Now()),
	)
	return err
}

func (s *Store) GetTenant(ctx context.Context, id string) (Tenant, error) {
	row := s.db.QueryRowContext(ctx, s.bind(`SELECT `+tenantColumns+` FROM tenants WHERE id = ?`), id)
	t, err := scanTenant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Tenant{}, ErrNotFound
	}
	return t, err
}

func (s *Store) ListTenants(ctx context.Context) ([]Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+tenantColumns+` FROM tenants ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SetTenantStatus persists a credential status and the error that caused it.
func (s *Store) SetTenantStatus(ctx context.Context, id string, status TenantStatus, lastError string) error {
	res, err := s.db.ExecContext(ctx, s.bind(`UPDATE tenants SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`),
		string(status), nullStr(lastError), toMS(time.Now()), id)
	if err != nil {
		return err
	}
	return requireOne(res)
}

// SetTenantToken stores a fresh credential and re-activates the tenant.
func (s *Store) SetTenantToken(ctx context.Context, id, encryptedToken string) error {
	res, err := s.db.ExecContext(ctx, s.bind(`UPDATE tenants SET token = ?, status = ?, last_error = NULL, updated_at = ? WHERE id = ?`),
		encryptedToken, string(TenantActive), toMS(time.Now()), id)
	if err != nil {
		return err
	}
	return requireOne(res)
}

func requireOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
