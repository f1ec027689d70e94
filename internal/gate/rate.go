package gate

import (
	"sync"
	"time"
)

const (
	DefaultRateLimit  = 10
	DefaultRateWindow = 60 * time.Second
)

// RateWindow is the counter state for one tenant.
type RateWindow struct {
	TenantID    string    `json:"tenant_id"`
	WindowStart time.Time `json:"window_start"`
	Count       int       `json:"count"`
}

// RateGate is a fixed-window counter per tenant, shared by every action kind.
//
// A token bucket (x/time/rate) would refill continuously and let an 11th
// action through before the window ends, so the window is kept explicitly.
type RateGate struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	now     func() time.Time
	windows map[string]*RateWindow
}

func NewRateGate(limit int, window time.Duration, now func() time.Time) *RateGate {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = DefaultRateWindow
	}
	if now == nil {
		now = time.Now
	}
	return &RateGate{limit: limit, window: window, now: now, windows: map[string]*RateWindow{}}
}

// IsLimited counts one action for tenantID and reports whether it exceeds the
// window's allowance. The window resets on the first check after it expires.
func (g *RateGate) IsLimited(tenantID string) bool {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()

	w := g.windows[tenantID]
	if w == nil || now.After(w.WindowStart.Add(g.window)) {
		w = &RateWindow{TenantID: tenantID, WindowStart: now}
		g.windows[tenantID] = w
	}
	w.Count++
	return w.Count > g.limit
}

// Sweep evicts windows that have expired and reports how many were removed.
func (g *RateGate) Sweep() int {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for id, w := range g.windows {
		if now.After(w.WindowStart.Add(g.window)) {
			delete(g.windows, id)
			n++
		}
	}
	return n
}

// Tracked returns the number of tenants with a live window.
func (g *RateGate) Tracked() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.windows)
}
