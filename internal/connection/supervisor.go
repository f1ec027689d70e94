package connection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"postify/internal/eventbus"
	"postify/internal/storage"
	"postify/internal/transport"
	logx "postify/pkg/logx"
)

// Tenants is the credential store the supervisor reads and, on a revoked
// credential, writes.
type Tenants interface {
	GetTenant(ctx context.Context, id string) (storage.Tenant, error)
	ListTenants(ctx context.Context) ([]storage.Tenant, error)
	SetTenantStatus(ctx context.Context, id string, status storage.TenantStatus, lastError string) error
}

type Decrypter interface {
	Decrypt(tenantID, ciphertext string) (string, error)
}

type Config struct {
	ConflictCooldown       time.Duration
	AuthRevokedCooldown    time.Duration
	UnknownCooldown        time.Duration
	MaxConsecutiveFailures int
	OpenTimeout            time.Duration
	Stagger                time.Duration
	ReconcileConcurrency   int
}

func (c Config) withDefaults() Config {
	if c.ConflictCooldown <= 0 {
		c.ConflictCooldown = 2 * time.Minute
	}
	if c.AuthRevokedCooldown <= 0 {
		c.AuthRevokedCooldown = time.Hour
	}
	if c.UnknownCooldown <= 0 {
		c.UnknownCooldown = 30 * time.Second
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = 3
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	if c.Stagger < 0 {
		c.Stagger = 0
	}
	if c.ReconcileConcurrency <= 0 {
		c.ReconcileConcurrency = 4
	}
	return c
}

func (c Config) cooldown(r Reason) time.Duration {
	switch r {
	case ReasonConflict:
		return c.ConflictCooldown
	case ReasonAuthRevoked:
		return c.AuthRevokedCooldown
	default:
		return c.UnknownCooldown
	}
}

type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusFailed   Status = "failed"
	StatusStopped  Status = "stopped"
)

// Cooldown blocks connection attempts for a tenant until Until.
type Cooldown struct {
	TenantID string    `json:"tenant_id"`
	Reason   Reason    `json:"reason"`
	Until    time.Time `json:"until"`
}

type entry struct {
	conn      transport.Conn
	status    Status
	startedAt time.Time
	failures  int
	lastErr   string
}

// pending is an in-flight open. Concurrent callers wait on done and share
// conn/err.
type pending struct {
	done     chan struct{}
	conn     transport.Conn
	err      error
	released bool
}

// handle lets transport hooks find out whether they belong to the
// connection currently registered for the tenant.
type handle struct {
	mu   sync.Mutex
	conn transport.Conn
}

func (h *handle) get() transport.Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option { return func(s *Supervisor) { s.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(s *Supervisor) { s.bus = bus } }

func WithClock(now func() time.Time) Option { return func(s *Supervisor) { s.now = now } }

// Supervisor owns the tenant → live connection registry. It is the only
// writer of that registry; at any instant a tenant has at most one pending
// open or one running connection.
type Supervisor struct {
	tenants Tenants
	vault   Decrypter
	dialer  transport.Dialer
	bus     eventbus.Bus
	log     logx.Logger
	now     func() time.Time

	mu        sync.Mutex
	cfg       Config
	running   map[string]*entry
	pending   map[string]*pending
	cooldowns map[string]Cooldown
}

func New(cfg Config, tenants Tenants, vault Decrypter, dialer transport.Dialer, opts ...Option) *Supervisor {
	s := &Supervisor{
		tenants:   tenants,
		vault:     vault,
		dialer:    dialer,
		cfg:       cfg.withDefaults(),
		running:   map[string]*entry{},
		pending:   map[string]*pending{},
		cooldowns: map[string]Cooldown{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	if s.bus == nil {
		s.bus = eventbus.Nop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Apply swaps cooldown and reconcile settings. Running connections are kept.
func (s *Supervisor) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Supervisor) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Acquire returns the tenant's live connection, opening one if needed.
func (s *Supervisor) Acquire(ctx context.Context, tenantID string) (transport.Conn, error) {
	s.mu.Lock()
	for {
		e := s.running[tenantID]
		if e == nil {
			break
		}
		if e.conn.Healthy() {
			conn := e.conn
			s.mu.Unlock()
			return conn, nil
		}
		stale := s.evictLocked(tenantID)
		s.mu.Unlock()
		s.closeConn(tenantID, stale, "unhealthy")
		s.mu.Lock()
	}

	if p := s.pending[tenantID]; p != nil {
		s.mu.Unlock()
		select {
		case <-p.done:
			return p.conn, p.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if cd, ok := s.cooldowns[tenantID]; ok {
		if s.now().Before(cd.Until) {
			s.mu.Unlock()
			return nil, &Error{TenantID: tenantID, Reason: cd.Reason, Until: cd.Until}
		}
		delete(s.cooldowns, tenantID)
	}

	p := &pending{done: make(chan struct{})}
	s.pending[tenantID] = p
	timeout := s.cfg.OpenTimeout
	s.mu.Unlock()

	// The open is shared by every waiter, so one caller giving up must not
	// abort it.
	octx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	conn, err := s.open(octx, tenantID)
	cancel()
	return s.finish(tenantID, p, conn, err)
}

func (s *Supervisor) open(ctx context.Context, tenantID string) (transport.Conn, error) {
	t, err := s.tenants.GetTenant(ctx, tenantID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, &Error{TenantID: tenantID, Reason: ReasonNotFound}
	}
	if err != nil {
		return nil, fmt.Errorf("load tenant %s: %w", tenantID, err)
	}
	if t.Status == storage.TenantDisabled {
		return nil, &Error{TenantID: tenantID, Reason: ReasonAuthRevoked, Err: errors.New("credential disabled")}
	}
	token, err := s.vault.Decrypt(tenantID, t.Token)
	if err != nil {
		s.log.Error("credential decrypt failed", logx.String("tenant", tenantID), logx.Err(err))
		return nil, s.fail(tenantID, ReasonAuthRevoked, err, storage.TenantError)
	}

	h := &handle{}
	conn, err := s.dialer.Open(ctx, tenantID, token, transport.Hooks{
		OnUpdate: func(up transport.Update) { s.onUpdate(tenantID, h, up) },
		OnError:  func(f *transport.Failure) { s.onFailure(tenantID, h, f) },
	})
	if err != nil {
		reason := reasonOf(err)
		return nil, s.fail(tenantID, reason, err, recordFor(reason))
	}
	h.mu.Lock()
	h.conn = conn
	h.mu.Unlock()
	if t.Status == storage.TenantError {
		if err := s.tenants.SetTenantStatus(ctx, tenantID, storage.TenantActive, ""); err != nil {
			s.log.Warn("clear tenant error failed", logx.String("tenant", tenantID), logx.Err(err))
		}
	}
	return conn, nil
}

// finish publishes the outcome of an open to every waiter. The connection
// is registered in the same critical section that removes the pending
// entry.
func (s *Supervisor) finish(tenantID string, p *pending, conn transport.Conn, err error) (transport.Conn, error) {
	s.mu.Lock()
	delete(s.pending, tenantID)
	if err == nil && p.released {
		s.mu.Unlock()
		s.closeConn(tenantID, conn, "released during open")
		conn, err = nil, &Error{TenantID: tenantID, Reason: ReasonUnknown, Err: errors.New("released during open")}
		s.mu.Lock()
	} else if err == nil {
		s.running[tenantID] = &entry{conn: conn, status: StatusRunning, startedAt: s.now()}
	}
	p.conn, p.err = conn, err
	close(p.done)
	s.mu.Unlock()

	if err == nil {
		s.log.Info("connection opened", logx.String("tenant", tenantID))
		s.publish(eventbus.ConnectionOpened, eventbus.ConnectionEvent{TenantID: tenantID})
	}
	return conn, err
}

// recordFor is the tenant status an endpoint failure leaves behind. Only a
// credential the endpoint rejected is disabled.
func recordFor(reason Reason) storage.TenantStatus {
	if reason == ReasonAuthRevoked {
		return storage.TenantDisabled
	}
	return ""
}

// fail installs the cooldown for reason and, when record is set, persists it
// as the tenant status together with the cause.
func (s *Supervisor) fail(tenantID string, reason Reason, cause error, record storage.TenantStatus) *Error {
	s.mu.Lock()
	d := s.cfg.cooldown(reason)
	until := s.now().Add(d)
	s.cooldowns[tenantID] = Cooldown{TenantID: tenantID, Reason: reason, Until: until}
	s.mu.Unlock()

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	s.log.Warn("connection failed", logx.String("tenant", tenantID), logx.String("reason", string(reason)),
		logx.Duration("cooldown", d), logx.Err(cause))
	s.publish(eventbus.ConnectionFailed, eventbus.ConnectionEvent{TenantID: tenantID, Reason: string(reason), Cooldown: d, Error: msg})

	if record != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := s.tenants.SetTenantStatus(ctx, tenantID, record, msg)
		cancel()
		if err != nil {
			s.log.Error("persist tenant status failed", logx.String("tenant", tenantID),
				logx.String("status", string(record)), logx.Err(err))
		} else if record == storage.TenantDisabled {
			s.publish(eventbus.CredentialDisabled, eventbus.ConnectionEvent{TenantID: tenantID, Reason: string(reason), Error: msg})
		}
	}
	return &Error{TenantID: tenantID, Reason: reason, Until: until, Err: cause}
}

func (s *Supervisor) onUpdate(tenantID string, h *handle, up transport.Update) {
	conn := h.get()
	s.mu.Lock()
	if e := s.running[tenantID]; e != nil && conn != nil && e.conn == conn {
		e.failures = 0
	}
	s.mu.Unlock()
	s.publish(eventbus.TenantUpdate, up)
}

// onFailure handles runtime errors reported by a live connection. Reports
// from a connection that is no longer registered are ignored.
func (s *Supervisor) onFailure(tenantID string, h *handle, f *transport.Failure) {
	conn := h.get()
	reason := reasonOf(f)

	s.mu.Lock()
	e := s.running[tenantID]
	if conn == nil || e == nil || e.conn != conn {
		s.mu.Unlock()
		s.log.Debug("ignoring failure from stale connection", logx.String("tenant", tenantID), logx.String("reason", string(reason)))
		return
	}
	e.lastErr = f.Error()
	evict := reason != ReasonUnknown
	if !evict {
		e.failures++
		evict = e.failures >= s.cfg.MaxConsecutiveFailures || !conn.Healthy()
	}
	if !evict {
		failures := e.failures
		s.mu.Unlock()
		s.log.Warn("connection error", logx.String("tenant", tenantID), logx.Int("consecutive", failures), logx.Err(f))
		return
	}
	e.status = StatusFailed
	stale := s.evictLocked(tenantID)
	s.mu.Unlock()

	go s.closeConn(tenantID, stale, string(reason))
	s.fail(tenantID, reason, f, recordFor(reason))
}

// Release stops the tenant's connection if one is running. It is safe to
// call repeatedly.
func (s *Supervisor) Release(ctx context.Context, tenantID string) {
	s.mu.Lock()
	if p := s.pending[tenantID]; p != nil {
		p.released = true
	}
	stale := s.evictLocked(tenantID)
	s.mu.Unlock()
	if stale == nil {
		return
	}
	s.closeConnCtx(ctx, tenantID, stale, "released")
	s.publish(eventbus.ConnectionReleased, eventbus.ConnectionEvent{TenantID: tenantID})
}

// Close releases every running connection.
func (s *Supervisor) Close(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.Release(ctx, id)
	}
}

func (s *Supervisor) evictLocked(tenantID string) transport.Conn {
	e := s.running[tenantID]
	if e == nil {
		return nil
	}
	delete(s.running, tenantID)
	if e.status == StatusRunning {
		e.status = StatusStopped
	}
	return e.conn
}

func (s *Supervisor) closeConn(tenantID string, conn transport.Conn, why string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.closeConnCtx(ctx, tenantID, conn, why)
}

func (s *Supervisor) closeConnCtx(ctx context.Context, tenantID string, conn transport.Conn, why string) {
	if conn == nil {
		return
	}
	if err := conn.Close(ctx); err != nil {
		s.log.Warn("connection close failed", logx.String("tenant", tenantID), logx.Err(err))
	}
	s.log.Info("connection stopped", logx.String("tenant", tenantID), logx.String("why", why))
}

// Sweep drops expired cooldowns and returns how many were removed.
func (s *Supervisor) Sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, cd := range s.cooldowns {
		if !now.Before(cd.Until) {
			delete(s.cooldowns, id)
			n++
		}
	}
	return n
}

// ConnInfo describes one running connection.
type ConnInfo struct {
	TenantID            string    `json:"tenant_id"`
	Status              Status    `json:"status"`
	Healthy             bool      `json:"healthy"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	StartedAt           time.Time `json:"started_at"`
	LastError           string    `json:"last_error,omitempty"`
}

type Snapshot struct {
	Running     int        `json:"running"`
	Pending     int        `json:"pending"`
	Cooldown    int        `json:"cooldown"`
	Connections []ConnInfo `json:"connections"`
	Cooldowns   []Cooldown `json:"cooldowns"`
}

// Snapshot is a read-only view for operators. Expired cooldowns are not
// reported.
func (s *Supervisor) Snapshot() Snapshot {
	now := s.now()
	s.mu.Lock()
	snap := Snapshot{Running: len(s.running), Pending: len(s.pending)}
	for id, e := range s.running {
		snap.Connections = append(snap.Connections, ConnInfo{
			TenantID:            id,
			Status:              e.status,
			Healthy:             e.conn.Healthy(),
			ConsecutiveFailures: e.failures,
			StartedAt:           e.startedAt,
			LastError:           e.lastErr,
		})
	}
	for _, cd := range s.cooldowns {
		if now.Before(cd.Until) {
			snap.Cooldowns = append(snap.Cooldowns, cd)
		}
	}
	s.mu.Unlock()

	snap.Cooldown = len(snap.Cooldowns)
	sort.Slice(snap.Connections, func(i, j int) bool { return snap.Connections[i].TenantID < snap.Connections[j].TenantID })
	sort.Slice(snap.Cooldowns, func(i, j int) bool { return snap.Cooldowns[i].TenantID < snap.Cooldowns[j].TenantID })
	return snap
}

func (s *Supervisor) publish(typ string, data any) {
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: data})
}

func reasonOf(err error) Reason {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Reason
	}
	var f *transport.Failure
	if errors.As(err, &f) {
		switch f.Kind {
		case transport.FailureConflict:
			return ReasonConflict
		case transport.FailureAuthRevoked:
			return ReasonAuthRevoked
		}
	}
	return ReasonUnknown
}
