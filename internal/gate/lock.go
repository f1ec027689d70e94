// Package gate holds the cross-cutting admission gates consulted before any
// mutating tenant action: a per-resource lease lock and a per-tenant rate
// window. Both keep explicit expiry timestamps that are checked lazily and
// reclaimed by Sweep; neither starts goroutines or timers of its own.
package gate

import (
	"errors"
	"sync"
	"time"
)

// DefaultLease is the fixed lock lease.
const DefaultLease = 30 * time.Second

// ErrBusy is returned by Do when the resource is already locked.
var ErrBusy = errors.New("gate: resource busy")

// Lock is one held lease.
type Lock struct {
	ResourceKey string    `json:"resource_key"`
	HolderID    string    `json:"holder_id"`
	AcquiredAt  time.Time `json:"acquired_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Locks is a table of leases keyed by resource. Denial is immediate; there
// is no queueing.
type Locks struct {
	mu    sync.Mutex
	lease time.Duration
	now   func() time.Time
	locks map[string]Lock
}

func NewLocks(lease time.Duration, now func() time.Time) *Locks {
	if lease <= 0 {
		lease = DefaultLease
	}
	if now == nil {
		now = time.Now
	}
	return &Locks{lease: lease, now: now, locks: map[string]Lock{}}
}

// Acquire returns false if an unexpired lock exists for key, whoever holds it.
func (l *Locks) Acquire(ownerID, key string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.locks[key]; ok && now.Before(cur.ExpiresAt) {
		return false
	}
	l.locks[key] = Lock{ResourceKey: key, HolderID: ownerID, AcquiredAt: now, ExpiresAt: now.Add(l.lease)}
	return true
}

// Release drops the lock if ownerID still holds it. A lease that expired and
// was taken over by someone else is left alone.
func (l *Locks) Release(ownerID, key string) {
	l.mu.Lock()
	if cur, ok := l.locks[key]; ok && cur.HolderID == ownerID {
		delete(l.locks, key)
	}
	l.mu.Unlock()
}

// Do runs fn while holding key. The lock is released on every exit path,
// including a panic in fn.
func (l *Locks) Do(ownerID, key string, fn func() error) error {
	if !l.Acquire(ownerID, key) {
		return ErrBusy
	}
	defer l.Release(ownerID, key)
	return fn()
}

// Sweep removes expired leases and reports how many were reclaimed.
func (l *Locks) Sweep() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, cur := range l.locks {
		if !now.Before(cur.ExpiresAt) {
			delete(l.locks, k)
			n++
		}
	}
	return n
}

// Held returns the number of unexpired leases.
func (l *Locks) Held() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, cur := range l.locks {
		if now.Before(cur.ExpiresAt) {
			n++
		}
	}
	return n
}
