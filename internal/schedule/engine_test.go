package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	_ "time/tzdata"

	"postify/internal/storage"
	"postify/internal/transport"
	"postify/internal/transport/memory"
	logx "postify/pkg/logx"
)

type fakeConns struct {
	dialer *memory.Dialer
	err    error
	block  bool // wait for ctx to end instead of connecting

	mu   sync.Mutex
	conn transport.Conn
}

func (f *fakeConns) Acquire(ctx context.Context, tenantID string) (transport.Conn, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil {
		c, err := f.dialer.Open(ctx, tenantID, "token", transport.Hooks{})
		if err != nil {
			return nil, err
		}
		f.conn = c
	}
	return f.conn, nil
}

type engineFixture struct {
	eng    *Engine
	store  *storage.Store
	conns  *fakeConns
	dialer *memory.Dialer
	now    time.Time
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	ctx := context.Background()
	st, err := storage.Open(ctx, storage.Config{Driver: "sqlite", Path: ":memory:"}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	for _, tenant := range []string{"t1", "t2"} {
		if err := st.PutTenant(ctx, storage.Tenant{ID: tenant, Token: "v1:x"}); err != nil {
			t.Fatalf("PutTenant error: %v", err)
		}
		if err := st.PutChannel(ctx, storage.Channel{ID: "c-" + tenant, TenantID: tenant, ChatID: -1001}); err != nil {
			t.Fatalf("PutChannel error: %v", err)
		}
	}
	f := &engineFixture{
		store:  st,
		dialer: memory.NewDialer(logx.Nop()),
		now:    time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}
	f.conns = &fakeConns{dialer: f.dialer}
	f.eng = New(Config{}, st, f.conns, WithClock(func() time.Time { return f.now }))
	return f
}

func (f *engineFixture) post(t *testing.T, id, tenant string) {
	t.Helper()
	if err := f.store.PutPost(context.Background(), storage.Post{ID: id, TenantID: tenant, Text: "text of " + id}); err != nil {
		t.Fatalf("PutPost error: %v", err)
	}
}

func TestScheduleTwiceKeepsOneJob(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()
	f.post(t, "p1", "t1")

	first, err := f.eng.Schedule(ctx, "t1", "p1", "c-t1", f.now.Add(time.Hour))
	if err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	second, err := f.eng.Schedule(ctx, "t1", "p1", "c-t1", f.now.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("re-Schedule error: %v", err)
	}
	if second.Replaced != 1 || second.Warning.Conflict {
		t.Fatalf("second result = %+v", second)
	}
	counts, _ := f.eng.JobsPerChannel(ctx)
	if len(counts) != 1 || counts[0].Pending != 1 {
		t.Fatalf("pending per channel = %+v, want exactly 1", counts)
	}
	old, _ := f.store.GetJob(ctx, first.Job.ID)
	if old.Status != storage.JobCancelled {
		t.Fatalf("first job status = %s, want cancelled", old.Status)
	}
	p, _ := f.store.GetPost(ctx, "p1")
	if p.Status != storage.PostScheduled || !p.ScheduledAt.Equal(f.now.Add(2*time.Hour)) {
		t.Fatalf("post = %+v", p)
	}
}

func TestScheduleOwnership(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()
	f.post(t, "p1", "t1")
	at := f.now.Add(time.Hour)

	if _, err := f.eng.Schedule(ctx, "t2", "p1", "c-t2", at); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("foreign post = %v, want ErrUnauthorized", err)
	}
	if _, err := f.eng.Schedule(ctx, "t1", "p1", "c-t2", at); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("foreign channel = %v, want ErrUnauthorized", err)
	}
	if _, err := f.eng.Schedule(ctx, "t1", "missing", "c-t1", at); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing post = %v, want ErrNotFound", err)
	}
	if _, err := f.eng.Schedule(ctx, "t1", "p1", "missing", at); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing channel = %v, want ErrNotFound", err)
	}
	if _, err := f.eng.Cancel(ctx, "t2", "p1"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("foreign cancel = %v, want ErrUnauthorized", err)
	}
	var pe *ParseError
	if _, err := f.eng.Schedule(ctx, "t1", "p1", "c-t1", f.now.Add(-time.Minute)); !errors.As(err, &pe) {
		t.Fatalf("past instant = %v, want *ParseError", err)
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()
	f.post(t, "p1", "t1")
	f.post(t, "p2", "t1")

	if _, err := f.eng.Schedule(ctx, "t1", "p1", "c-t1", f.now.Add(time.Hour)); err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	if _, err := f.eng.Cancel(ctx, "t1", "p1"); err != nil {
		t.Fatalf("Cancel pending error: %v", err)
	}
	p, _ := f.store.GetPost(ctx, "p1")
	if p.Status != storage.PostDraft {
		t.Fatalf("post status = %s, want draft", p.Status)
	}

	res, err := f.eng.Schedule(ctx, "t1", "p2", "c-t1", f.now.Add(time.Hour))
	if err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	if _, err := f.eng.Fire(ctx, res.Job.ID); err != nil {
		t.Fatalf("Fire error: %v", err)
	}
	if _, err := f.eng.Cancel(ctx, "t1", "p2"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Cancel fired = %v, want ErrInvalidState", err)
	}
	if _, err := f.eng.Schedule(ctx, "t1", "p2", "c-t1", f.now.Add(time.Hour)); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Schedule published = %v, want ErrInvalidState", err)
	}
}

func TestHourCapWarningDoesNotBlock(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()
	hour := f.now.Add(2 * time.Hour).Truncate(time.Hour)

	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("p%d", i)
		f.post(t, id, "t1")
		res, err := f.eng.Schedule(ctx, "t1", id, "c-t1", hour.Add(time.Duration(i*5)*time.Minute))
		if err != nil {
			t.Fatalf("Schedule %s error: %v", id, err)
		}
		if res.Warning.Conflict {
			t.Fatalf("job %d unexpectedly flagged: %s", i, res.Warning.Reason)
		}
	}
	f.post(t, "p10", "t1")
	res, err := f.eng.Schedule(ctx, "t1", "p10", "c-t1", hour.Add(52*time.Minute))
	if err != nil {
		t.Fatalf("11th Schedule error: %v", err)
	}
	if !res.Warning.Conflict {
		t.Fatal("11th job in the hour should carry a warning")
	}
	counts, _ := f.eng.JobsPerChannel(ctx)
	if counts[0].Pending != 11 {
		t.Fatalf("pending = %d, want 11", counts[0].Pending)
	}
}

func TestNearConflictWarning(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()
	f.post(t, "p1", "t1")
	f.post(t, "p2", "t1")
	at := f.now.Add(time.Hour)
	if _, err := f.eng.Schedule(ctx, "t1", "p1", "c-t1", at); err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	res, err := f.eng.Schedule(ctx, "t1", "p2", "c-t1", at.Add(2*time.Minute))
	if err != nil || !res.Warning.Conflict {
		t.Fatalf("near job = %+v, %v; want warning", res, err)
	}
	// Moving p1 itself is not a conflict with its own job.
	res, _ = f.eng.Schedule(ctx, "t1", "p1", "c-t1", at.Add(30*time.Minute))
	if res.Warning.Conflict {
		t.Fatalf("reschedule flagged: %s", res.Warning.Reason)
	}
}

func TestFireExactlyOnce(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()
	f.post(t, "p1", "t1")
	res, err := f.eng.Schedule(ctx, "t1", "p1", "c-t1", f.now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Schedule error: %v", err)
	}

	var published atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.eng.Fire(ctx, res.Job.ID)
			if err != nil {
				t.Errorf("Fire error: %v", err)
				return
			}
			if out == FirePublished {
				published.Add(1)
			}
		}()
	}
	wg.Wait()

	if published.Load() != 1 || len(f.dialer.Published()) != 1 {
		t.Fatalf("published %d times (%d sends), want 1", published.Load(), len(f.dialer.Published()))
	}
	j, _ := f.store.GetJob(ctx, res.Job.ID)
	if j.Status != storage.JobFired || j.MessageID == 0 || j.PublishedAt.IsZero() {
		t.Fatalf("job = %+v", j)
	}
	p, _ := f.store.GetPost(ctx, "p1")
	if p.Status != storage.PostPublished || p.MessageID != j.MessageID {
		t.Fatalf("post = %+v", p)
	}
	if got := f.dialer.Published()[0]; got.Text != "text of p1" || got.ChatID != -1001 {
		t.Fatalf("sent = %+v", got)
	}
}

func TestFireAcquireFailure(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()
	f.post(t, "p1", "t1")
	res, _ := f.eng.Schedule(ctx, "t1", "p1", "c-t1", f.now.Add(time.Minute))

	f.conns.err = errors.New("conflict cooldown")
	out, err := f.eng.Fire(ctx, res.Job.ID)
	var fe *FireError
	if out != FireFailed || !errors.As(err, &fe) || fe.JobID != res.Job.ID {
		t.Fatalf("Fire = %s, %v; want *FireError", out, err)
	}
	j, _ := f.store.GetJob(ctx, res.Job.ID)
	if j.Status != storage.JobFired || j.Error == "" {
		t.Fatalf("job = %+v, want fired with error", j)
	}
	p, _ := f.store.GetPost(ctx, "p1")
	if p.Status != storage.PostDraft || p.LastError == "" {
		t.Fatalf("post = %+v, want draft with error", p)
	}

	// No retry: a second fire is a no-op.
	f.conns.err = nil
	if out, err := f.eng.Fire(ctx, res.Job.ID); out != FireNotClaimed || err != nil {
		t.Fatalf("second Fire = %s, %v", out, err)
	}
	if len(f.dialer.Published()) != 0 {
		t.Fatal("failed job was published later")
	}
}

func TestFireRecordsFailureAfterDeadline(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()
	f.post(t, "p1", "t1")
	res, _ := f.eng.Schedule(ctx, "t1", "p1", "c-t1", f.now.Add(time.Minute))

	f.conns.block = true
	fctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	out, err := f.eng.Fire(fctx, res.Job.ID)
	var fe *FireError
	if out != FireFailed || !errors.As(err, &fe) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Fire = %s, %v; want *FireError wrapping the deadline", out, err)
	}
	j, _ := f.store.GetJob(ctx, res.Job.ID)
	if j.Status != storage.JobFired || j.Error == "" {
		t.Fatalf("job = %+v, want fired with error", j)
	}
	p, _ := f.store.GetPost(ctx, "p1")
	if p.Status != storage.PostDraft || p.LastError == "" || !p.ScheduledAt.IsZero() {
		t.Fatalf("post = %+v, want draft with error", p)
	}
	if _, err := f.eng.Cancel(ctx, "t1", "p1"); err == nil {
		t.Fatal("Cancel succeeded with no pending job")
	}
}

func TestFireCancelsJobScheduledDuringPublish(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()
	f.post(t, "p1", "t1")
	first, _ := f.eng.Schedule(ctx, "t1", "p1", "c-t1", f.now.Add(time.Minute))

	// Claim the job, then re-schedule while the publish is still in flight.
	job, claimed, err := f.store.ClaimJob(ctx, first.Job.ID, f.now)
	if err != nil || !claimed {
		t.Fatalf("ClaimJob = %v, %v", claimed, err)
	}
	second, err := f.eng.Schedule(ctx, "t1", "p1", "c-t1", f.now.Add(time.Hour))
	if err != nil {
		t.Fatalf("re-Schedule error: %v", err)
	}
	if err := f.store.CompleteJob(ctx, job, storage.JobOutcome{MessageID: 7, PublishedAt: f.now}); err != nil {
		t.Fatalf("CompleteJob error: %v", err)
	}

	p, _ := f.store.GetPost(ctx, "p1")
	if p.Status != storage.PostPublished || p.MessageID != 7 {
		t.Fatalf("post = %+v, want published", p)
	}
	j, _ := f.store.GetJob(ctx, second.Job.ID)
	if j.Status != storage.JobCancelled {
		t.Fatalf("second job status = %s, want cancelled", j.Status)
	}
	counts, _ := f.eng.JobsPerChannel(ctx)
	for _, c := range counts {
		if c.Pending != 0 {
			t.Fatalf("pending per channel = %+v, want none", counts)
		}
	}
}

func TestFireSkipsUnscheduledPost(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()
	f.post(t, "p1", "t1")
	res, _ := f.eng.Schedule(ctx, "t1", "p1", "c-t1", f.now.Add(time.Minute))
	// The post went back to draft behind the engine's back.
	f.post(t, "p1", "t1")

	out, err := f.eng.Fire(ctx, res.Job.ID)
	if err != nil || out != FireSkipped {
		t.Fatalf("Fire = %s, %v; want skipped", out, err)
	}
	if len(f.dialer.Published()) != 0 {
		t.Fatal("skipped job published")
	}
}

func TestDueIncludesOverdue(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()
	f.post(t, "p1", "t1")
	f.post(t, "p2", "t1")
	a, _ := f.eng.Schedule(ctx, "t1", "p1", "c-t1", f.now.Add(time.Minute))
	_, _ = f.eng.Schedule(ctx, "t1", "p2", "c-t1", f.now.Add(time.Hour))

	f.now = f.now.Add(10 * time.Minute)
	due, err := f.eng.Due(ctx)
	if err != nil {
		t.Fatalf("Due error: %v", err)
	}
	if len(due) != 1 || due[0].ID != a.Job.ID {
		t.Fatalf("due = %+v", due)
	}
}

func TestScheduleTextUsesTenantZone(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()
	if err := f.store.PutTenant(ctx, storage.Tenant{ID: "t1", Token: "v1:x", Timezone: "Asia/Tokyo"}); err != nil {
		t.Fatalf("PutTenant error: %v", err)
	}
	f.post(t, "p1", "t1")
	res, err := f.eng.ScheduleText(ctx, "t1", "p1", "c-t1", "tomorrow 18:30")
	if err != nil {
		t.Fatalf("ScheduleText error: %v", err)
	}
	// 2026-03-03 18:30 JST is 09:30 UTC.
	if want := time.Date(2026, 3, 3, 9, 30, 0, 0, time.UTC); !res.Job.FireAt.Equal(want) {
		t.Fatalf("fire_at = %v, want %v", res.Job.FireAt, want)
	}
}
