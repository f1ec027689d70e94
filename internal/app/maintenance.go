package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"postify/internal/connection"
	"postify/internal/gate"
	"postify/internal/schedule"
	"postify/internal/storage"
	"postify/internal/task/engine"
	"postify/internal/task/scheduler"
	logx "postify/pkg/logx"
)

// JobRunner is the part of the schedule engine the dispatcher drives.
type JobRunner interface {
	Due(ctx context.Context) ([]storage.Job, error)
	Fire(ctx context.Context, jobID string) (schedule.FireOutcome, error)
}

// dispatcher turns due jobs into job.fire tasks. Each job has its own
// overlap key so a tick never enqueues a job that is still in flight, and
// tasks of one tenant share a concurrency group.
type dispatcher struct {
	jobs       JobRunner
	tasks      scheduler.Enqueuer
	groupLimit int
	timeout    time.Duration
	log        logx.Logger
}

const fireTaskName = "job.fire"

func (d *dispatcher) dispatch(ctx context.Context) error {
	due, err := d.jobs.Due(ctx)
	if err != nil {
		return err
	}
	queued := 0
	for _, j := range due {
		err := d.tasks.Enqueue(d.fireTask(j))
		switch {
		case err == nil:
			queued++
		case errors.Is(err, engine.ErrOverlapSkip):
			// Already queued or firing from an earlier tick.
		case errors.Is(err, engine.ErrQueueFull):
			d.log.Warn("fire queue full; remaining due jobs wait for the next tick",
				logx.Int("due", len(due)), logx.Int("queued", queued))
			return nil
		default:
			return fmt.Errorf("enqueue job %s: %w", j.ID, err)
		}
	}
	if queued > 0 {
		d.log.Debug("due jobs dispatched", logx.Int("due", len(due)), logx.Int("queued", queued))
	}
	return nil
}

func (d *dispatcher) fireTask(j storage.Job) engine.Task {
	jobID := j.ID
	return engine.Task{
		Name:    fireTaskName,
		Key:     fireTaskName + ":" + jobID,
		Group:   "tenant:" + j.TenantID,
		Timeout: d.timeout,
		Opt: engine.TaskOptions{
			RetryMax:   -1,
			GroupLimit: d.groupLimit,
		},
		Run: func(ctx context.Context) error {
			out, err := d.jobs.Fire(ctx, jobID)
			if err != nil {
				// A claimed job is terminal; retrying the task could only
				// observe it as already claimed.
				return engine.NoRetry(err)
			}
			if out == schedule.FireNotClaimed {
				d.log.Debug("job already claimed", logx.String("job", jobID))
			}
			return nil
		},
	}
}

// maintenance holds the periodic upkeep jobs.
type maintenance struct {
	conns     *connection.Supervisor
	locks     *gate.Locks
	rates     *gate.RateGate
	store     *storage.Store
	retention func() time.Duration
	now       func() time.Time
	log       logx.Logger
}

func (m *maintenance) reconcile(ctx context.Context) error {
	rep, err := m.conns.Reconcile(ctx)
	if err != nil {
		return err
	}
	if len(rep.Evicted)+len(rep.Released)+len(rep.Opened)+len(rep.Failed) > 0 {
		m.log.Info("connections reconciled",
			logx.Int("evicted", len(rep.Evicted)),
			logx.Int("released", len(rep.Released)),
			logx.Int("opened", len(rep.Opened)),
			logx.Int("failed", len(rep.Failed)),
		)
	}
	return nil
}

func (m *maintenance) sweepConnections(context.Context) error {
	if n := m.conns.Sweep(); n > 0 {
		m.log.Debug("expired cooldowns swept", logx.Int("n", n))
	}
	return nil
}

func (m *maintenance) sweepGates(context.Context) error {
	locks, rates := m.locks.Sweep(), m.rates.Sweep()
	if locks+rates > 0 {
		m.log.Debug("gates swept", logx.Int("locks", locks), logx.Int("rate_windows", rates))
	}
	return nil
}

func (m *maintenance) pruneAudit(ctx context.Context) error {
	now := m.now()
	audit, err := m.store.PruneAudit(ctx, now.Add(-m.retention()))
	if err != nil {
		return err
	}
	dedup, err := m.store.PruneDedup(ctx, now)
	if err != nil {
		return err
	}
	m.log.Info("audit pruned", logx.Int64("audit_rows", audit), logx.Int64("dedup_rows", dedup))
	return nil
}
