package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"postify/internal/transport"
	logx "postify/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	fails int
	sent  []string
	chats []int64
}

func (f *fakeSender) Send(_ context.Context, chatID int64, text string, _ *transport.SendOptions) (transport.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return transport.Receipt{}, errors.New("flood wait")
	}
	f.sent = append(f.sent, text)
	f.chats = append(f.chats, chatID)
	return transport.Receipt{ChatID: chatID, MessageID: int64(len(f.sent))}, nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type mapDedup struct {
	mu sync.Mutex
	m  map[string]time.Time
}

func (d *mapDedup) GetDedup(_ context.Context, key string, now time.Time) (time.Time, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.m[key]
	if !ok || !now.Before(u) {
		return time.Time{}, false, nil
	}
	return u, true, nil
}

func (d *mapDedup) PutDedup(_ context.Context, key string, until time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.m[key] = until
	return nil
}

func (d *mapDedup) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.m)
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func start(t *testing.T, cfg Config, snd Sender, store DedupStore) *Service {
	t.Helper()
	s := New(cfg, snd, logx.Nop(), nil, store)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestNotifyDisabled(t *testing.T) {
	s := New(Config{}, &fakeSender{}, logx.Nop(), nil, nil)
	if err := s.Notify(context.Background(), Notification{Text: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err=%v want ErrDisabled", err)
	}
}

func TestNotifyRequiresChat(t *testing.T) {
	s := start(t, Config{Enabled: true}, &fakeSender{}, nil)
	if err := s.Notify(context.Background(), Notification{Text: "x"}); !errors.Is(err, ErrNoTarget) {
		t.Fatalf("err=%v want ErrNoTarget", err)
	}
}

func TestDeliversWithPrefixAndDefaultChat(t *testing.T) {
	snd := &fakeSender{}
	s := start(t, Config{Enabled: true, ChatID: 42, RatePerSec: 100}, snd, nil)
	if err := s.Notify(context.Background(), Notification{Priority: PriorityCritical, Text: "credential disabled"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	waitUntil(t, "delivery", func() bool { return snd.count() == 1 })
	snd.mu.Lock()
	defer snd.mu.Unlock()
	if snd.chats[0] != 42 || !strings.HasPrefix(snd.sent[0], "🚨 ") {
		t.Fatalf("sent %q to %d", snd.sent[0], snd.chats[0])
	}
}

func TestRetriesTransientFailures(t *testing.T) {
	snd := &fakeSender{fails: 2}
	s := start(t, Config{Enabled: true, ChatID: 1, RatePerSec: 100, RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}, snd, nil)
	_ = s.Notify(context.Background(), Notification{Text: "job failed"})
	waitUntil(t, "delivery after retries", func() bool { return snd.count() == 1 })
	if h := s.History(); len(h) != 1 || h[0].Text != "job failed" {
		t.Fatalf("history=%+v", h)
	}
}

func TestDedupSuppressesRepeats(t *testing.T) {
	snd := &fakeSender{}
	store := &mapDedup{m: map[string]time.Time{}}
	s := start(t, Config{Enabled: true, ChatID: 1, RatePerSec: 100, DedupWindow: time.Hour, PersistDedup: true}, snd, store)

	for range 3 {
		if err := s.Notify(context.Background(), Notification{Key: "tenant:t1:disabled", Text: "t1 disabled"}); err != nil {
			t.Fatalf("notify: %v", err)
		}
	}
	_ = s.Notify(context.Background(), Notification{Key: "tenant:t2:disabled", Text: "t2 disabled"})
	waitUntil(t, "two deliveries", func() bool { return snd.count() == 2 })
	waitUntil(t, "persisted marks", func() bool { return store.len() == 2 })

	// A fresh service sharing the store keeps suppressing.
	snd2 := &fakeSender{}
	s2 := start(t, Config{Enabled: true, ChatID: 1, DedupWindow: time.Hour, PersistDedup: true}, snd2, store)
	_ = s2.Notify(context.Background(), Notification{Key: "tenant:t1:disabled", Text: "t1 disabled"})
	time.Sleep(50 * time.Millisecond)
	if snd2.count() != 0 {
		t.Fatalf("persisted dedup ignored after restart")
	}
}

func TestStopRejectsNewAlerts(t *testing.T) {
	s := New(Config{Enabled: true, ChatID: 1}, &fakeSender{}, logx.Nop(), nil, nil)
	s.Start(context.Background())
	s.Stop(context.Background())
	if err := s.Notify(context.Background(), Notification{Text: "late"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err=%v want ErrStopped", err)
	}
}

func TestRetryDelayBounded(t *testing.T) {
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt < 10; attempt++ {
		if d := retryDelay(cfg, attempt); d <= 0 || d > time.Second {
			t.Fatalf("attempt %d: delay %s out of bounds", attempt, d)
		}
	}
}
