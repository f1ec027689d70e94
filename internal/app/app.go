// Package app wires configuration, storage, the connection supervisor, the
// schedule engine and the operator surfaces into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"postify/internal/admin"
	"postify/internal/config"
	"postify/internal/connection"
	"postify/internal/eventbus"
	"postify/internal/gate"
	"postify/internal/gateway"
	"postify/internal/metrics"
	"postify/internal/notifier"
	rtsup "postify/internal/runtime/supervisor"
	"postify/internal/schedule"
	"postify/internal/storage"
	"postify/internal/task/engine"
	"postify/internal/task/scheduler"
	"postify/internal/transport"
	"postify/internal/transport/memory"
	"postify/internal/transport/telegram"
	"postify/internal/vault"
	logx "postify/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   *storage.Store
	conns   *connection.Supervisor
	jobs    *schedule.Engine
	gw      *gateway.Gateway
	tasks   *engine.Service
	trigs   *scheduler.Service
	notif   *notifier.Service
	admin   *admin.Service
	metrics *metrics.Metrics

	dispatch  *dispatcher
	maint     *maintenance
	retention atomic.Int64 // audit retention, hot-reloadable
}

type options struct {
	dialer  transport.Dialer
	sender  notifier.Sender
	environ map[string]string
}

type Option func(*options)

// WithDialer replaces the transport chosen by config.
func WithDialer(d transport.Dialer) Option { return func(o *options) { o.dialer = d } }

// WithAlertSender replaces the operations bot used for alerts.
func WithAlertSender(s notifier.Sender) Option { return func(o *options) { o.sender = s } }

// WithEnviron replaces the process environment used for secret overrides.
func WithEnviron(env map[string]string) Option { return func(o *options) { o.environ = env } }

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath)
	if o.environ != nil {
		cfgm.SetEnviron(o.environ)
	}
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLogging(cfg.Logging))
	a := &App{cfgm: cfgm, logs: logs, log: log.With(logx.String("comp", "app")), bus: eventbus.New()}
	if err := a.build(ctx, cfg, o); err != nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		_ = logs.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config, o options) error {
	log := a.logs.Logger()

	sc, err := mapStorage(cfg.Storage)
	if err != nil {
		return err
	}
	retention, err := mapAuditRetention(cfg.Storage)
	if err != nil {
		return err
	}
	a.retention.Store(int64(retention))
	if a.store, err = storage.Open(ctx, sc, log.With(logx.String("comp", "storage"))); err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.log.Info("storage ready", logx.String("driver", sc.Driver))

	if strings.TrimSpace(cfg.Vault.Key) == "" {
		return errors.New("vault.key (or POSTIFY_VAULT_KEY) is required; generate one with: postify vault keygen")
	}
	v, err := vault.New(cfg.Vault.Key)
	if err != nil {
		return err
	}

	dialer := o.dialer
	if dialer == nil {
		if dialer, err = newDialer(cfg.Telegram, log); err != nil {
			return err
		}
	}

	ccfg, err := mapConnections(cfg.Connections)
	if err != nil {
		return err
	}
	a.conns = connection.New(ccfg, a.store, v, dialer,
		connection.WithLogger(log.With(logx.String("comp", "connections"))),
		connection.WithBus(a.bus),
	)

	scfg, err := mapSchedule(cfg.Schedule)
	if err != nil {
		return err
	}
	a.jobs = schedule.New(scfg, a.store, a.conns,
		schedule.WithLogger(log.With(logx.String("comp", "schedule"))),
		schedule.WithBus(a.bus),
		schedule.WithPublisher(mapPublisher(cfg.Schedule)),
	)

	gcfg, err := mapGateway(cfg.Gateway)
	if err != nil {
		return err
	}
	locks := gate.NewLocks(gcfg.LockLease, time.Now)
	rates := gate.NewRateGate(gcfg.RateLimit, gcfg.RateWindow, time.Now)
	a.gw = gateway.New(a.jobs, locks, rates, a.bus, log.With(logx.String("comp", "gateway")))

	ecfg, err := mapTaskEngine(cfg.TaskEngine)
	if err != nil {
		return err
	}
	a.tasks = engine.New(ecfg, log.With(logx.String("comp", "taskengine")), a.bus)
	a.trigs = scheduler.New(mapMaintenance(cfg.Maintenance), a.tasks, log.With(logx.String("comp", "maintenance")))

	ncfg, err := mapNotifier(cfg.Notifier)
	if err != nil {
		return err
	}
	sender := o.sender
	if sender == nil {
		if sender, err = newAlertSender(cfg, log); err != nil {
			return err
		}
	}
	var dedup notifier.DedupStore
	if ncfg.PersistDedup {
		dedup = a.store
	}
	a.notif = notifier.New(ncfg, sender, log.With(logx.String("comp", "notifier")), a.bus, dedup)

	a.metrics = metrics.New(a.conns)
	acfg, err := mapAdmin(cfg.Admin)
	if err != nil {
		return err
	}
	a.admin = admin.New(acfg, admin.Deps{
		Connections: a.conns,
		Jobs:        a.jobs,
		Tasks:       a.tasks,
		Triggers:    a.trigs,
		Gateway:     a.gw,
		Store:       a.store,
		Metrics:     a.metrics.Handler(),
	}, log)

	a.dispatch = &dispatcher{
		jobs:       a.jobs,
		tasks:      a.tasks,
		groupLimit: max(cfg.Schedule.TenantParallel, 1),
		log:        log.With(logx.String("comp", "dispatch")),
	}
	a.maint = &maintenance{
		conns:     a.conns,
		locks:     locks,
		rates:     rates,
		store:     a.store,
		retention: func() time.Duration { return time.Duration(a.retention.Load()) },
		now:       time.Now,
		log:       log.With(logx.String("comp", "maintenance")),
	}
	return nil
}

func newDialer(c config.TelegramConfig, log logx.Logger) (transport.Dialer, error) {
	if c.DryRun {
		log.Warn("telegram dry-run: posts are logged, not sent")
		return memory.NewDialer(log.With(logx.String("comp", "transport"))), nil
	}
	tc, err := mapTelegram(c)
	if err != nil {
		return nil, err
	}
	return telegram.NewDialer(tc, log.With(logx.String("comp", "transport"))), nil
}

// newAlertSender returns nil when no operations bot is configured, which
// leaves the notifier idle.
func newAlertSender(cfg *config.Config, log logx.Logger) (notifier.Sender, error) {
	token := strings.TrimSpace(cfg.Notifier.BotToken)
	switch {
	case cfg.Telegram.DryRun:
		return logSender{log: log.With(logx.String("comp", "alerts"))}, nil
	case token == "":
		return nil, nil
	}
	s, err := telegram.NewSender(cfg.Telegram.APIURL, token)
	if err != nil {
		return nil, fmt.Errorf("notifier sender: %w", err)
	}
	return s, nil
}

// logSender prints alerts instead of sending them (dry-run).
type logSender struct{ log logx.Logger }

func (s logSender) Send(_ context.Context, chatID int64, text string, _ *transport.SendOptions) (transport.Receipt, error) {
	s.log.Info("alert (dry-run)", logx.Int64("chat_id", chatID), logx.String("text", text))
	return transport.Receipt{ChatID: chatID, At: time.Now()}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()
	cfg := a.cfgm.Get()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	a.tasks.Start(run)
	if a.notif.Enabled() {
		a.notif.Start(run)
		a.logs.SetAlertSink(a.forwardLogAlert)
	}

	// A disabled notifier rejects alerts with ErrDisabled, so the sink can
	// keep it across reloads.
	sink := &eventSink{audit: a.store, alert: a.notif, log: a.log.With(logx.String("comp", "audit"))}
	a.sup.Go("events.sink", func(c context.Context) error { return sink.run(c, a.bus) })
	a.sup.Go("metrics.events", func(c context.Context) error { return a.metrics.Run(c, a.bus) })

	if err := a.conns.WarmLoad(run); err != nil {
		return fmt.Errorf("warm load: %w", err)
	}

	if err := a.registerMaintenance(cfg.Maintenance); err != nil {
		return err
	}
	a.trigs.Start(run)
	// Fire jobs that came due while the process was down without waiting
	// for the first (spread) dispatch tick.
	if err := a.tasks.Enqueue(engine.Task{Name: "jobs.dispatch", Run: a.dispatch.dispatch}); err != nil {
		a.log.Warn("startup dispatch not queued", logx.Err(err))
	}

	a.admin.Start(run)
	a.admin.SetReady(true)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := cfg
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error { return a.cfgm.Watch(c) })

	a.log.Info("app started")
	return nil
}

func (a *App) registerMaintenance(mc config.MaintenanceConfig) error {
	once := engine.TaskOptions{RetryMax: -1}
	for _, m := range []struct {
		name string
		spec string
		run  func(context.Context) error
		opt  engine.TaskOptions
	}{
		// A failed dispatch is retried by the next tick.
		{"jobs.dispatch", orDefault(mc.Dispatch, defaultDispatchSpec), a.dispatch.dispatch, once},
		{"connections.reconcile", orDefault(mc.Reconcile, defaultReconcileSpec), a.maint.reconcile, engine.TaskOptions{}},
		{"connections.sweep", orDefault(mc.Sweep, defaultSweepSpec), a.maint.sweepConnections, once},
		{"gates.sweep", orDefault(mc.Sweep, defaultSweepSpec), a.maint.sweepGates, once},
		{"audit.prune", orDefault(mc.AuditPrune, defaultAuditPruneSpec), a.maint.pruneAudit, engine.TaskOptions{}},
	} {
		if err := a.trigs.Add(m.name, m.spec, 0, m.opt, m.run); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	changed, fields, restart := config.SummarizeChange(prev, next)
	if len(changed) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}

	a.logs.Apply(mapLogging(next.Logging))

	if ccfg, err := mapConnections(next.Connections); err != nil {
		a.log.Warn("invalid connections config; keeping previous", logx.Err(err))
	} else {
		a.conns.Apply(ccfg)
	}

	if retention, err := mapAuditRetention(next.Storage); err == nil {
		a.retention.Store(int64(retention))
	}

	if ncfg, err := mapNotifier(next.Notifier); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case wasEnabled && !ncfg.Enabled:
			a.logs.SetAlertSink(nil)
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !wasEnabled && ncfg.Enabled:
			a.notif.Start(ctx)
			a.logs.SetAlertSink(a.forwardLogAlert)
		}
	}

	a.trigs.Apply(mapMaintenance(next.Maintenance))
	if err := a.registerMaintenance(next.Maintenance); err != nil {
		a.log.Warn("maintenance schedules not updated", logx.Err(err))
	}

	if len(restart) > 0 {
		a.log.Warn("config sections changed that apply only after restart", logx.String("sections", strings.Join(restart, ",")))
	}
	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, fields...)...)
}

// forwardLogAlert is the log alert sink. It must not block.
func (a *App) forwardLogAlert(level logx.Level, text string) {
	prio := notifier.PriorityWarning
	if level >= logx.LevelError {
		prio = notifier.PriorityCritical
	}
	_ = a.notif.Notify(context.Background(), notifier.Notification{Priority: prio, Text: text})
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.admin.SetReady(false)
	a.logs.SetAlertSink(nil)

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		stopStep(ctx, a.log, name, limit, fn)
	}
	step("admin", 2*time.Second, func(c context.Context) error { a.admin.Stop(c); return nil })
	step("maintenance", 2*time.Second, func(c context.Context) error { a.trigs.Stop(c); return nil })
	step("taskengine", 5*time.Second, func(c context.Context) error { a.tasks.Stop(c); return nil })
	step("connections", 5*time.Second, func(c context.Context) error { a.conns.Close(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}
