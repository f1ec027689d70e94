package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"time"

	"postify/internal/eventbus"
	logx "postify/pkg/logx"
)

// groupRetryDelay is how long a worker waits after handing back a task whose
// concurrency group is saturated.
const groupRetryDelay = 20 * time.Millisecond

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask, idx int) {
	rng := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), uint64(idx)))

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt := <-queue:
			release, ok := s.groups.acquire(qt.task.Group, qt.opt.GroupLimit)
			if !ok {
				s.handBack(ctx, stopCh, queue, qt)
				continue
			}
			s.running.Add(1)
			s.execOne(ctx, stopCh, qt, rng)
			s.running.Add(-1)
			release()
		}
	}
}

// handBack requeues a task whose group is at capacity so other work can run.
func (s *Service) handBack(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask, qt queuedTask) {
	select {
	case queue <- qt:
	default:
		s.untrack(qt)
		s.onQueueFull(time.Now(), qt.task, queue)
	}
	t := time.NewTimer(groupRetryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-stopCh:
	case <-t.C:
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, qt queuedTask, rng *rand.Rand) {
	start := time.Now()
	delay := max(start.Sub(qt.enqueuedAt), 0)

	s.mu.Lock()
	maxDelay := s.cfg.MaxQueueDelay
	s.mu.Unlock()
	if maxDelay > 0 && delay > maxDelay {
		s.untrack(qt)
		s.onStale(start, qt.task, delay)
		return
	}

	t := qt.task
	s.publish(eventbus.TaskStarted, start, TaskEvent{ID: t.ID, Name: t.Name, Key: t.Key, Started: start, QueueDelay: delay})

	var err error
	attempts := 0
retry:
	for {
		attempts++
		err = s.runOnce(ctx, qt)
		if err == nil {
			break
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			err = nr.err
			break
		}
		if attempts > qt.opt.RetryMax {
			break
		}
		wait := backoffDelay(qt.opt, attempts, err, rng)
		s.log.Debug("task retry scheduled", logx.String("task", t.Name), logx.Int("attempt", attempts+1), logx.Duration("delay", wait), logx.Err(err))
		tmr := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			tmr.Stop()
			err = ctx.Err()
			break retry
		case <-stopCh:
			tmr.Stop()
			err = ErrStopped
			break retry
		case <-tmr.C:
		}
	}

	dur := time.Since(start)
	item := HistoryItem{ID: t.ID, Name: t.Name, Started: start, QueueDelay: delay, Duration: dur, Attempts: attempts}
	ev := TaskEvent{ID: t.ID, Name: t.Name, Key: t.Key, Started: start, QueueDelay: delay, Duration: dur, Attempts: attempts}
	if err != nil {
		item.Error, ev.Error = err.Error(), err.Error()
	}
	s.record(item)
	s.untrack(qt)

	if err != nil {
		s.failed.Add(1)
		s.log.Warn("task failed", logx.String("task", t.Name), logx.String("key", t.Key), logx.Err(err), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		s.publish(eventbus.TaskFailed, time.Now(), ev)
	} else {
		s.completed.Add(1)
		if dur >= 750*time.Millisecond {
			s.log.Info("task completed", logx.String("task", t.Name), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		} else {
			s.log.Debug("task completed", logx.String("task", t.Name), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		}
		s.publish(eventbus.TaskFinished, time.Now(), ev)
	}
}

// runOnce executes a single attempt. Panics become errors so one bad task
// cannot take a worker down.
func (s *Service) runOnce(ctx context.Context, qt queuedTask) (err error) {
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task panicked", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return qt.task.Run(ctx)
}

// backoffDelay doubles RetryBase per attempt up to RetryMaxDelay. A RetryAfter
// hint replaces the computed base. Jitter is applied either way.
func backoffDelay(opt TaskOptions, attempt int, err error, rng *rand.Rand) time.Duration {
	d := opt.RetryBase
	var ra retryAfterError
	if errors.As(err, &ra) {
		d = ra.after
	} else {
		for i := 1; i < attempt && d < opt.RetryMaxDelay; i++ {
			d *= 2
		}
	}
	if opt.RetryJitter > 0 && d > 0 && rng != nil {
		d = time.Duration(float64(d) * (1 + (rng.Float64()*2-1)*opt.RetryJitter))
	}
	return min(max(d, 0), opt.RetryMaxDelay)
}
