package gate

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestLocksConcurrentAcquireSingleWinner(t *testing.T) {
	t.Parallel()
	for round := 0; round < 50; round++ {
		l := NewLocks(0, nil)
		var wins atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for _, owner := range []string{"owner-a", "owner-b"} {
			wg.Add(1)
			go func(owner string) {
				defer wg.Done()
				<-start
				if l.Acquire(owner, "channel:1") {
					wins.Add(1)
				}
			}(owner)
		}
		close(start)
		wg.Wait()
		if got := wins.Load(); got != 1 {
			t.Fatalf("round %d: winners = %d, want 1", round, got)
		}
	}
}

func TestLocksDenySameOwnerAndExpire(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	l := NewLocks(DefaultLease, clk.Now)

	if !l.Acquire("a", "post:1") {
		t.Fatal("first acquire should succeed")
	}
	if l.Acquire("a", "post:1") {
		t.Fatal("same owner must be denied while the lease is live")
	}
	if !l.Acquire("a", "post:2") {
		t.Fatal("other resource should be free")
	}

	clk.Advance(29 * time.Second)
	if l.Acquire("b", "post:1") {
		t.Fatal("lease should still be live at 29s")
	}
	clk.Advance(time.Second)
	if !l.Acquire("b", "post:1") {
		t.Fatal("lease should be expired at 30s")
	}

	// The original holder's late release must not drop b's lock.
	l.Release("a", "post:1")
	if l.Acquire("c", "post:1") {
		t.Fatal("release by a non-holder must be ignored")
	}
}

func TestLocksDoReleasesOnErrorAndPanic(t *testing.T) {
	t.Parallel()
	l := NewLocks(0, nil)
	boom := errors.New("boom")

	if err := l.Do("a", "k", func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("Do err = %v, want boom", err)
	}
	if l.Held() != 0 {
		t.Fatal("lock should be released after error")
	}

	func() {
		defer func() { _ = recover() }()
		_ = l.Do("a", "k", func() error { panic("x") })
	}()
	if l.Held() != 0 {
		t.Fatal("lock should be released after panic")
	}

	if !l.Acquire("x", "k") {
		t.Fatal("acquire after Do should succeed")
	}
	if err := l.Do("a", "k", func() error { return nil }); !errors.Is(err, ErrBusy) {
		t.Fatalf("Do on held key err = %v, want ErrBusy", err)
	}
}

func TestLocksSweep(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	l := NewLocks(10*time.Second, clk.Now)
	l.Acquire("a", "k1")
	clk.Advance(5 * time.Second)
	l.Acquire("a", "k2")
	clk.Advance(6 * time.Second)

	if n := l.Sweep(); n != 1 {
		t.Fatalf("Sweep = %d, want 1", n)
	}
	if l.Held() != 1 {
		t.Fatalf("Held = %d, want 1", l.Held())
	}
}

func TestRateGateFixedWindow(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	g := NewRateGate(DefaultRateLimit, DefaultRateWindow, clk.Now)

	for i := 1; i <= 10; i++ {
		if g.IsLimited("t1") {
			t.Fatalf("call %d limited, want allowed", i)
		}
		clk.Advance(time.Second)
	}
	if !g.IsLimited("t1") {
		t.Fatal("11th call should be limited")
	}
	if g.IsLimited("t2") {
		t.Fatal("other tenants have their own window")
	}

	// Window started at +0s; it is still live at exactly +60s.
	clk.Advance(50 * time.Second)
	if !g.IsLimited("t1") {
		t.Fatal("window should still be live at its boundary")
	}
	clk.Advance(time.Second)
	if g.IsLimited("t1") {
		t.Fatal("window should roll over after 60s")
	}
}

func TestRateGateSweep(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	g := NewRateGate(10, time.Minute, clk.Now)
	g.IsLimited("a")
	clk.Advance(30 * time.Second)
	g.IsLimited("b")
	clk.Advance(31 * time.Second)

	if n := g.Sweep(); n != 1 {
		t.Fatalf("Sweep = %d, want 1", n)
	}
	if g.Tracked() != 1 {
		t.Fatalf("Tracked = %d, want 1", g.Tracked())
	}
}
