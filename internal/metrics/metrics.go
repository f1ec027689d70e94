// Package metrics exposes process state to Prometheus. Connection gauges are
// read from the supervisor snapshot at scrape time; everything else is
// counted from bus events.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"postify/internal/connection"
	"postify/internal/eventbus"
	"postify/internal/gateway"
	"postify/internal/task/engine"
)

const namespace = "postify"

// ConnectionSource is the part of the connection supervisor read at scrape time.
type ConnectionSource interface {
	Snapshot() connection.Snapshot
}

type Metrics struct {
	reg *prometheus.Registry

	fires         *prometheus.CounterVec
	cooldowns     *prometheus.CounterVec
	disabled      prometheus.Counter
	denials       *prometheus.CounterVec
	tasks         *prometheus.CounterVec
	notifications *prometheus.CounterVec
}

// New registers the collectors on a private registry. conns may be nil, in
// which case the connection gauges are omitted.
func New(conns ConnectionSource) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		fires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_fires_total",
			Help:      "Claimed job fires by outcome (published, failed, skipped).",
		}, []string{"outcome"}),
		cooldowns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_cooldowns_total",
			Help:      "Connection failures that put a tenant into cooldown, by reason.",
		}, []string{"reason"}),
		disabled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credentials_disabled_total",
			Help:      "Tenant credentials disabled after the endpoint revoked them.",
		}),
		denials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_denied_total",
			Help:      "Requests turned away by the rate gate or the resource lock.",
		}, []string{"reason"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Task engine results by task name and result.",
		}, []string{"task", "result"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Operator alerts by result.",
		}, []string{"result"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.fires, m.cooldowns, m.disabled, m.denials, m.tasks, m.notifications,
	)
	if conns != nil {
		m.registerConnections(conns)
	}
	return m
}

func (m *Metrics) registerConnections(conns ConnectionSource) {
	gauge := func(name, help string, pick func(connection.Snapshot) float64) prometheus.GaugeFunc {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      name,
			Help:      help,
		}, func() float64 { return pick(conns.Snapshot()) })
	}
	m.reg.MustRegister(
		gauge("running", "Connections currently running.", func(s connection.Snapshot) float64 { return float64(s.Running) }),
		gauge("pending", "Connections currently being opened.", func(s connection.Snapshot) float64 { return float64(s.Pending) }),
		gauge("cooldown", "Tenants in an unexpired cooldown.", func(s connection.Snapshot) float64 { return float64(s.Cooldown) }),
		gauge("unhealthy", "Running connections that report unhealthy.", func(s connection.Snapshot) float64 {
			n := 0
			for _, c := range s.Connections {
				if !c.Healthy {
					n++
				}
			}
			return float64(n)
		}),
	)
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Observe updates counters for one bus event. Unknown types are ignored.
func (m *Metrics) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.JobFired:
		if ev, ok := e.Data.(eventbus.JobEvent); ok {
			outcome := ev.Outcome
			if outcome == "" {
				outcome = "unknown"
			}
			m.fires.WithLabelValues(outcome).Inc()
		}
	case eventbus.ConnectionFailed:
		if ev, ok := e.Data.(eventbus.ConnectionEvent); ok && ev.Cooldown > 0 {
			m.cooldowns.WithLabelValues(ev.Reason).Inc()
		}
	case eventbus.CredentialDisabled:
		m.disabled.Inc()
	case gateway.GateDenied:
		if ev, ok := e.Data.(gateway.DeniedEvent); ok {
			m.denials.WithLabelValues(ev.Reason).Inc()
		}
	case eventbus.TaskFinished, eventbus.TaskFailed, eventbus.TaskSkipped, eventbus.TaskDropped:
		if ev, ok := e.Data.(engine.TaskEvent); ok {
			m.tasks.WithLabelValues(ev.Name, taskResult(e.Type)).Inc()
		}
	case eventbus.NotifierSent:
		m.notifications.WithLabelValues("sent").Inc()
	case eventbus.NotifierFailed:
		m.notifications.WithLabelValues("failed").Inc()
	case eventbus.NotifierDeduped:
		m.notifications.WithLabelValues("deduped").Inc()
	case eventbus.NotifierDropped:
		m.notifications.WithLabelValues("dropped").Inc()
	}
}

func taskResult(typ string) string {
	switch typ {
	case eventbus.TaskFinished:
		return "ok"
	case eventbus.TaskFailed:
		return "failed"
	case eventbus.TaskSkipped:
		return "skipped"
	default:
		return "dropped"
	}
}

// Run feeds bus events into Observe until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(1024)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}
