// Package memory provides an in-process transport. It backs dry-run mode,
// where publishes are logged instead of sent, and the tests of packages that
// sit on top of a transport.
package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"postify/internal/transport"
	logx "postify/pkg/logx"
)

// Published is one message accepted by a memory connection.
type Published struct {
	TenantID string
	ChatID   int64
	Text     string
	Receipt  transport.Receipt
}

// Dialer hands out memory connections. Failures can be scripted per tenant.
type Dialer struct {
	log   logx.Logger
	delay time.Duration

	mu        sync.Mutex
	failOpen  map[string]error
	conns     map[string][]*Conn
	published []Published

	opens  atomic.Int64
	nextID atomic.Int64
}

func NewDialer(log logx.Logger) *Dialer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dialer{log: log, failOpen: map[string]error{}, conns: map[string][]*Conn{}}
}

// SetOpenDelay makes every Open block for d before returning.
func (d *Dialer) SetOpenDelay(delay time.Duration) { d.delay = delay }

// FailOpen makes Open for tenantID return err until cleared with nil.
func (d *Dialer) FailOpen(tenantID string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.failOpen, tenantID)
		return
	}
	d.failOpen[tenantID] = err
}

// Opens counts Open calls, including failed ones.
func (d *Dialer) Opens() int64 { return d.opens.Load() }

// Conns returns every connection opened for tenantID, oldest first.
func (d *Dialer) Conns(tenantID string) []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns[tenantID]...)
}

func (d *Dialer) Published() []Published {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Published(nil), d.published...)
}

func (d *Dialer) Open(ctx context.Context, tenantID, token string, hooks transport.Hooks) (transport.Conn, error) {
	d.opens.Add(1)
	if d.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d.delay):
		}
	}
	if token == "" {
		return nil, &transport.Failure{Kind: transport.FailureAuthRevoked, Err: errors.New("empty token")}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.failOpen[tenantID]; err != nil {
		return nil, err
	}
	c := &Conn{d: d, tenantID: tenantID, hooks: hooks}
	c.healthy.Store(true)
	d.conns[tenantID] = append(d.conns[tenantID], c)
	d.log.Debug("memory connection opened", logx.String("tenant", tenantID))
	return c, nil
}

// Conn is a memory connection.
type Conn struct {
	d        *Dialer
	tenantID string
	hooks    transport.Hooks

	healthy  atomic.Bool
	closed   atomic.Bool
	failSend atomic.Value // error
}

func (c *Conn) Healthy() bool { return c.healthy.Load() }

func (c *Conn) Closed() bool { return c.closed.Load() }

// SetHealthy flips the health flag without reporting anything.
func (c *Conn) SetHealthy(ok bool) { c.healthy.Store(ok) }

// FailSend makes the next publishes fail with err; nil restores success.
func (c *Conn) FailSend(err error) { c.failSend.Store(errBox{err}) }

// Inject simulates a runtime failure reported by the endpoint.
func (c *Conn) Inject(f *transport.Failure) {
	if f.Kind != transport.FailureUnknown {
		c.healthy.Store(false)
	}
	if c.hooks.OnError != nil {
		c.hooks.OnError(f)
	}
}

// Deliver simulates an inbound update.
func (c *Conn) Deliver(up transport.Update) {
	up.TenantID = c.tenantID
	if c.hooks.OnUpdate != nil {
		c.hooks.OnUpdate(up)
	}
}

type errBox struct{ err error }

func (c *Conn) Publish(ctx context.Context, chatID int64, text string, _ *transport.SendOptions) (transport.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return transport.Receipt{}, err
	}
	if c.closed.Load() {
		return transport.Receipt{}, errors.New("connection closed")
	}
	if b, ok := c.failSend.Load().(errBox); ok && b.err != nil {
		return transport.Receipt{}, b.err
	}
	r := transport.Receipt{ChatID: chatID, MessageID: c.d.nextID.Add(1), At: time.Now().UTC()}
	c.d.mu.Lock()
	c.d.published = append(c.d.published, Published{TenantID: c.tenantID, ChatID: chatID, Text: text, Receipt: r})
	c.d.mu.Unlock()
	c.d.log.Info("dry-run publish", logx.String("tenant", c.tenantID), logx.Int64("chat_id", chatID), logx.Int("len", len(text)))
	return r, nil
}

func (c *Conn) Close(context.Context) error {
	c.closed.Store(true)
	c.healthy.Store(false)
	return nil
}
