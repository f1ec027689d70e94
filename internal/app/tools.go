package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"postify/internal/config"
	"postify/internal/storage"
	"postify/internal/vault"
	logx "postify/pkg/logx"
)

// Tools gives the command line direct access to the credential and content
// stores. A running server picks changes up on its next reconcile.
type Tools struct {
	store *storage.Store
	vault *vault.Vault // nil when no key is configured
}

// OpenTools loads the config at cfgPath and opens its store.
func OpenTools(ctx context.Context, cfgPath string, environ map[string]string) (*Tools, error) {
	m := config.NewManager(cfgPath)
	if environ != nil {
		m.SetEnviron(environ)
	}
	cfg, err := m.Load()
	if err != nil {
		return nil, err
	}
	sc, err := mapStorage(cfg.Storage)
	if err != nil {
		return nil, err
	}
	st, err := storage.Open(ctx, sc, logx.Nop())
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	t := &Tools{store: st}
	if key := strings.TrimSpace(cfg.Vault.Key); key != "" {
		if t.vault, err = vault.New(key); err != nil {
			_ = st.Close()
			return nil, err
		}
	}
	return t, nil
}

func (t *Tools) Close() error { return t.store.Close() }

func (t *Tools) seal(tenantID, token string) (string, error) {
	if t.vault == nil {
		return "", errors.New("vault.key (or POSTIFY_VAULT_KEY) is required to store tokens")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errors.New("token is empty")
	}
	return t.vault.Encrypt(tenantID, token)
}

// AddTenant stores a new active tenant with its token encrypted.
func (t *Tools) AddTenant(ctx context.Context, id, name, timezone, token string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("tenant id is empty")
	}
	if _, err := t.store.GetTenant(ctx, id); err == nil {
		return fmt.Errorf("tenant %s already exists; use set-token to replace its credential", id)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if timezone != "" {
		if _, err := time.LoadLocation(timezone); err != nil {
			return fmt.Errorf("timezone: %w", err)
		}
	}
	sealed, err := t.seal(id, token)
	if err != nil {
		return err
	}
	return t.store.PutTenant(ctx, storage.Tenant{ID: id, Name: name, Timezone: timezone, Token: sealed})
}

// SetToken replaces a tenant's credential and re-activates it. This is how a
// tenant disabled for a revoked credential comes back.
func (t *Tools) SetToken(ctx context.Context, id, token string) error {
	sealed, err := t.seal(id, token)
	if err != nil {
		return err
	}
	if err := t.store.SetTenantToken(ctx, id, sealed); err != nil {
		return fmt.Errorf("tenant %s: %w", id, err)
	}
	return nil
}

func (t *Tools) DisableTenant(ctx context.Context, id, reason string) error {
	if err := t.store.SetTenantStatus(ctx, id, storage.TenantDisabled, reason); err != nil {
		return fmt.Errorf("tenant %s: %w", id, err)
	}
	return nil
}

func (t *Tools) ListTenants(ctx context.Context) ([]storage.Tenant, error) {
	return t.store.ListTenants(ctx)
}

func (t *Tools) AddChannel(ctx context.Context, c storage.Channel) error {
	if _, err := t.store.GetTenant(ctx, c.TenantID); err != nil {
		return fmt.Errorf("tenant %s: %w", c.TenantID, err)
	}
	if c.ChatID == 0 {
		return errors.New("chat id is required")
	}
	return t.store.PutChannel(ctx, c)
}

// AddPost stores a draft and returns its id. An empty id gets a fresh one.
// Only drafts may be overwritten.
func (t *Tools) AddPost(ctx context.Context, p storage.Post) (string, error) {
	if strings.TrimSpace(p.Text) == "" {
		return "", errors.New("post text is empty")
	}
	if _, err := t.store.GetTenant(ctx, p.TenantID); err != nil {
		return "", fmt.Errorf("tenant %s: %w", p.TenantID, err)
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	} else if cur, err := t.store.GetPost(ctx, p.ID); err == nil && cur.Status != storage.PostDraft {
		return "", fmt.Errorf("post %s is %s and cannot be replaced", p.ID, cur.Status)
	}
	p.Status = storage.PostDraft
	if err := t.store.PutPost(ctx, p); err != nil {
		return "", err
	}
	return p.ID, nil
}
