package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"postify/internal/connection"
	"postify/internal/eventbus"
	"postify/internal/gateway"
	"postify/internal/task/engine"
)

type fakeConns struct{ snap connection.Snapshot }

func (f fakeConns) Snapshot() connection.Snapshot { return f.snap }

func TestObserveCountsEvents(t *testing.T) {
	m := New(nil)

	m.Observe(eventbus.Event{Type: eventbus.JobFired, Data: eventbus.JobEvent{Outcome: "published"}})
	m.Observe(eventbus.Event{Type: eventbus.JobFired, Data: eventbus.JobEvent{Outcome: "failed", Error: "boom"}})
	m.Observe(eventbus.Event{Type: eventbus.JobFired, Data: eventbus.JobEvent{Outcome: "failed", Error: "boom"}})
	m.Observe(eventbus.Event{Type: eventbus.ConnectionFailed, Data: eventbus.ConnectionEvent{Reason: "conflict", Cooldown: time.Minute}})
	m.Observe(eventbus.Event{Type: eventbus.ConnectionFailed, Data: eventbus.ConnectionEvent{Reason: "unknown"}})
	m.Observe(eventbus.Event{Type: eventbus.CredentialDisabled, Data: eventbus.ConnectionEvent{Reason: "auth_revoked"}})
	m.Observe(eventbus.Event{Type: gateway.GateDenied, Data: gateway.DeniedEvent{Reason: "rate_limited"}})
	m.Observe(eventbus.Event{Type: eventbus.TaskFailed, Data: engine.TaskEvent{Name: "job.fire"}})
	m.Observe(eventbus.Event{Type: eventbus.NotifierSent})
	m.Observe(eventbus.Event{Type: "something.else"})

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"published", testutil.ToFloat64(m.fires.WithLabelValues("published")), 1},
		{"failed", testutil.ToFloat64(m.fires.WithLabelValues("failed")), 2},
		{"conflict cooldown", testutil.ToFloat64(m.cooldowns.WithLabelValues("conflict")), 1},
		{"no cooldown not counted", testutil.ToFloat64(m.cooldowns.WithLabelValues("unknown")), 0},
		{"disabled", testutil.ToFloat64(m.disabled), 1},
		{"denied", testutil.ToFloat64(m.denials.WithLabelValues("rate_limited")), 1},
		{"task failed", testutil.ToFloat64(m.tasks.WithLabelValues("job.fire", "failed")), 1},
		{"notification sent", testutil.ToFloat64(m.notifications.WithLabelValues("sent")), 1},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Fatalf("%s: got %v want %v", c.name, c.got, c.want)
		}
	}
}

func TestConnectionGaugesReadSnapshot(t *testing.T) {
	m := New(fakeConns{snap: connection.Snapshot{
		Running:  2,
		Pending:  1,
		Cooldown: 3,
		Connections: []connection.ConnInfo{
			{TenantID: "a", Healthy: true},
			{TenantID: "b", Healthy: false},
		},
	}})

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	text := string(body)

	for _, want := range []string{
		"postify_connections_running 2",
		"postify_connections_pending 1",
		"postify_connections_cooldown 3",
		"postify_connections_unhealthy 1",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("scrape missing %q", want)
		}
	}
}

func TestRunStopsWithContext(t *testing.T) {
	bus := eventbus.New()
	m := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, bus) }()

	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(m.disabled) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("event not observed")
		}
		bus.Publish(eventbus.Event{Type: eventbus.CredentialDisabled})
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return")
	}
}
