package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"postify/internal/eventbus"
	"postify/internal/storage"
	"postify/internal/transport"
	logx "postify/pkg/logx"
)

// Store is the persistence the engine needs. Every job state change goes
// through a conditional write so that concurrent callers cannot both win.
type Store interface {
	GetTenant(ctx context.Context, id string) (storage.Tenant, error)
	GetPost(ctx context.Context, id string) (storage.Post, error)
	GetChannel(ctx context.Context, id string) (storage.Channel, error)
	PendingJobForPost(ctx context.Context, postID string) (storage.Job, error)
	ReplaceJob(ctx context.Context, j storage.Job) ([]storage.Job, error)
	CancelPendingJob(ctx context.Context, postID string) (storage.Job, error)
	ClaimJob(ctx context.Context, jobID string, at time.Time) (storage.Job, bool, error)
	CompleteJob(ctx context.Context, j storage.Job, out storage.JobOutcome) error
	DueJobs(ctx context.Context, now time.Time, limit int) ([]storage.Job, error)
	ConflictCounts(ctx context.Context, channelID string, at time.Time, window time.Duration, excludeJobID string) (int, int, error)
	JobsPerChannel(ctx context.Context) ([]storage.ChannelJobCount, error)
}

// Connections resolves a tenant's live connection.
type Connections interface {
	Acquire(ctx context.Context, tenantID string) (transport.Conn, error)
}

// Publisher performs the side-effecting send of a post.
type Publisher interface {
	Publish(ctx context.Context, conn transport.Conn, ch storage.Channel, p storage.Post) (transport.Receipt, error)
}

// TextPublisher sends the post text as one message (split when too long).
type TextPublisher struct {
	Options transport.SendOptions
}

func (p TextPublisher) Publish(ctx context.Context, conn transport.Conn, ch storage.Channel, post storage.Post) (transport.Receipt, error) {
	opt := p.Options
	return conn.Publish(ctx, ch.ChatID, post.Text, &opt)
}

type Config struct {
	Location       *time.Location // used when a tenant has no time zone
	ConflictWindow time.Duration
	HourCap        int
	DispatchBatch  int
}

func (c Config) withDefaults() Config {
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.ConflictWindow <= 0 {
		c.ConflictWindow = 3 * time.Minute
	}
	if c.HourCap <= 0 {
		c.HourCap = 10
	}
	if c.DispatchBatch <= 0 {
		c.DispatchBatch = 100
	}
	return c
}

type Option func(*Engine)

func WithLogger(log logx.Logger) Option { return func(e *Engine) { e.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(e *Engine) { e.bus = bus } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func WithPublisher(p Publisher) Option { return func(e *Engine) { e.pub = p } }

// WithIDs overrides job id generation.
func WithIDs(next func() string) Option { return func(e *Engine) { e.newID = next } }

// Engine owns scheduled job state: it is the only component that creates,
// cancels or fires jobs.
type Engine struct {
	cfg   Config
	store Store
	conns Connections
	pub   Publisher
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time
	newID func() string
}

func New(cfg Config, store Store, conns Connections, opts ...Option) *Engine {
	e := &Engine{cfg: cfg.withDefaults(), store: store, conns: conns}
	for _, o := range opts {
		o(e)
	}
	if e.pub == nil {
		e.pub = TextPublisher{}
	}
	if e.bus == nil {
		e.bus = eventbus.Nop()
	}
	if e.log.IsZero() {
		e.log = logx.Nop()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	return e
}

// Result is the outcome of a successful Schedule.
type Result struct {
	Job      storage.Job `json:"job"`
	Warning  Conflict    `json:"warning"`
	Replaced int         `json:"replaced"`
}

// ownedPost loads a post and channel and checks both belong to tenantID.
// channelID may be empty when only the post matters.
func (e *Engine) ownedPost(ctx context.Context, tenantID, postID, channelID string) (storage.Post, error) {
	p, err := e.store.GetPost(ctx, postID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Post{}, fmt.Errorf("post %s: %w", postID, ErrNotFound)
	}
	if err != nil {
		return storage.Post{}, fmt.Errorf("load post %s: %w", postID, err)
	}
	if p.TenantID != tenantID {
		return storage.Post{}, fmt.Errorf("post %s: %w", postID, ErrUnauthorized)
	}
	if channelID == "" {
		return p, nil
	}
	ch, err := e.store.GetChannel(ctx, channelID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Post{}, fmt.Errorf("channel %s: %w", channelID, ErrNotFound)
	}
	if err != nil {
		return storage.Post{}, fmt.Errorf("load channel %s: %w", channelID, err)
	}
	if ch.TenantID != tenantID {
		return storage.Post{}, fmt.Errorf("channel %s: %w", channelID, ErrUnauthorized)
	}
	return p, nil
}

// Schedule makes a pending job at instant the only job of the post. An
// existing pending job is cancelled in the same transaction. A conflict
// warning never blocks scheduling.
func (e *Engine) Schedule(ctx context.Context, tenantID, postID, channelID string, instant time.Time) (Result, error) {
	p, err := e.ownedPost(ctx, tenantID, postID, channelID)
	if err != nil {
		return Result{}, err
	}
	if p.Status == storage.PostPublished {
		return Result{}, fmt.Errorf("post %s is published: %w", postID, ErrInvalidState)
	}
	if !instant.After(e.now()) {
		return Result{}, &ParseError{Input: instant.UTC().Format(time.RFC3339), Reason: "must be in the future"}
	}

	exclude := ""
	if cur, err := e.store.PendingJobForPost(ctx, postID); err == nil {
		exclude = cur.ID
	} else if !errors.Is(err, storage.ErrNotFound) {
		return Result{}, fmt.Errorf("load pending job: %w", err)
	}
	warning, err := e.CheckConflicts(ctx, channelID, instant, exclude)
	if err != nil {
		return Result{}, err
	}

	job := storage.Job{
		ID:        e.newID(),
		PostID:    postID,
		TenantID:  tenantID,
		ChannelID: channelID,
		FireAt:    instant.UTC(),
		Status:    storage.JobPending,
		CreatedAt: e.now().UTC(),
	}
	replaced, err := e.store.ReplaceJob(ctx, job)
	switch {
	case errors.Is(err, storage.ErrStateConflict):
		return Result{}, fmt.Errorf("post %s is published: %w", postID, ErrInvalidState)
	case errors.Is(err, storage.ErrNotFound):
		return Result{}, fmt.Errorf("post %s: %w", postID, ErrNotFound)
	case err != nil:
		return Result{}, fmt.Errorf("persist job: %w", err)
	}

	for _, old := range replaced {
		e.publish(eventbus.JobCancelled, old, "")
	}
	e.publish(eventbus.JobScheduled, job, "")
	e.log.Info("post scheduled",
		logx.String("tenant", tenantID), logx.String("post", postID), logx.String("job", job.ID),
		logx.Time("fire_at", job.FireAt), logx.Bool("conflict", warning.Conflict))
	return Result{Job: job, Warning: warning, Replaced: len(replaced)}, nil
}

// ScheduleText parses input in the tenant's time zone and schedules.
func (e *Engine) ScheduleText(ctx context.Context, tenantID, postID, channelID, input string) (Result, error) {
	at, err := ParseTarget(input, e.tenantLocation(ctx, tenantID), e.now())
	if err != nil {
		return Result{}, err
	}
	return e.Schedule(ctx, tenantID, postID, channelID, at)
}

func (e *Engine) tenantLocation(ctx context.Context, tenantID string) *time.Location {
	t, err := e.store.GetTenant(ctx, tenantID)
	if err != nil || t.Timezone == "" {
		return e.cfg.Location
	}
	loc, err := time.LoadLocation(t.Timezone)
	if err != nil {
		e.log.Warn("bad tenant time zone", logx.String("tenant", tenantID), logx.String("tz", t.Timezone))
		return e.cfg.Location
	}
	return loc
}

// Cancel cancels the post's pending job and returns the post to draft. A job
// that has already been claimed for firing cannot be cancelled.
func (e *Engine) Cancel(ctx context.Context, tenantID, postID string) (storage.Job, error) {
	if _, err := e.ownedPost(ctx, tenantID, postID, ""); err != nil {
		return storage.Job{}, err
	}
	j, err := e.store.CancelPendingJob(ctx, postID)
	if errors.Is(err, storage.ErrStateConflict) {
		return storage.Job{}, fmt.Errorf("post %s has no pending job: %w", postID, ErrInvalidState)
	}
	if err != nil {
		return storage.Job{}, fmt.Errorf("cancel job: %w", err)
	}
	e.publish(eventbus.JobCancelled, j, "")
	e.log.Info("schedule cancelled", logx.String("tenant", tenantID), logx.String("post", postID), logx.String("job", j.ID))
	return j, nil
}

type FireOutcome string

const outcomeWriteTimeout = 5 * time.Second

const (
	FireNotClaimed FireOutcome = "not_claimed"
	FireSkipped    FireOutcome = "skipped"
	FirePublished  FireOutcome = "published"
	FireFailed     FireOutcome = "failed"
)

// Fire claims the job and publishes its post. Only the first caller for a
// job gets past the claim. A failed publish is returned as *FireError and is
// not retried.
func (e *Engine) Fire(ctx context.Context, jobID string) (FireOutcome, error) {
	job, claimed, err := e.store.ClaimJob(ctx, jobID, e.now().UTC())
	if err != nil {
		return "", fmt.Errorf("claim job %s: %w", jobID, err)
	}
	if !claimed {
		return FireNotClaimed, nil
	}
	log := e.log.With(logx.String("job", job.ID), logx.String("tenant", job.TenantID), logx.String("post", job.PostID))

	post, err := e.store.GetPost(ctx, job.PostID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return FireFailed, e.failFire(ctx, job, fmt.Errorf("load post: %w", err))
	}
	if err != nil || post.Status != storage.PostScheduled {
		if cerr := e.complete(ctx, job, storage.JobOutcome{Error: "post not scheduled", Skipped: true}); cerr != nil {
			return "", fmt.Errorf("complete job %s: %w", job.ID, cerr)
		}
		log.Info("fire skipped, post not scheduled")
		e.publishFired(job, FireSkipped, "post not scheduled")
		return FireSkipped, nil
	}
	ch, err := e.store.GetChannel(ctx, job.ChannelID)
	if err != nil {
		return FireFailed, e.failFire(ctx, job, fmt.Errorf("load channel: %w", err))
	}

	conn, err := e.conns.Acquire(ctx, job.TenantID)
	if err != nil {
		return FireFailed, e.failFire(ctx, job, err)
	}
	receipt, err := e.pub.Publish(ctx, conn, ch, post)
	if err != nil {
		return FireFailed, e.failFire(ctx, job, err)
	}

	if receipt.At.IsZero() {
		receipt.At = e.now().UTC()
	}
	out := storage.JobOutcome{MessageID: receipt.MessageID, PublishedAt: receipt.At}
	if err := e.complete(ctx, job, out); err != nil {
		log.Error("published but outcome not recorded", logx.Int64("message_id", receipt.MessageID), logx.Err(err))
		return FirePublished, fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	job.MessageID, job.PublishedAt = receipt.MessageID, receipt.At
	e.publishFired(job, FirePublished, "")
	log.Info("post published", logx.Int64("message_id", receipt.MessageID))
	return FirePublished, nil
}

func (e *Engine) failFire(ctx context.Context, job storage.Job, cause error) error {
	fe := &FireError{JobID: job.ID, Err: cause}
	if err := e.complete(ctx, job, storage.JobOutcome{Error: cause.Error()}); err != nil {
		e.log.Error("record fire failure", logx.String("job", job.ID), logx.Err(err))
		return errors.Join(fe, err)
	}
	e.log.Warn("fire failed", logx.String("job", job.ID), logx.String("tenant", job.TenantID), logx.Err(cause))
	e.publishFired(job, FireFailed, cause.Error())
	return fe
}

// complete records a claimed job's outcome. The write outlives ctx so that a
// fire cut short by its deadline or by shutdown still leaves the job and its
// post in a final state.
func (e *Engine) complete(ctx context.Context, job storage.Job, out storage.JobOutcome) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), outcomeWriteTimeout)
	defer cancel()
	return e.store.CompleteJob(cctx, job, out)
}

// Due lists pending jobs whose fire time has passed, including ones that
// were missed while the process was down.
func (e *Engine) Due(ctx context.Context) ([]storage.Job, error) {
	jobs, err := e.store.DueJobs(ctx, e.now().UTC(), e.cfg.DispatchBatch)
	if err != nil {
		return nil, fmt.Errorf("list due jobs: %w", err)
	}
	return jobs, nil
}

func (e *Engine) JobsPerChannel(ctx context.Context) ([]storage.ChannelJobCount, error) {
	return e.store.JobsPerChannel(ctx)
}

func (e *Engine) publish(typ string, j storage.Job, errText string) {
	e.bus.Publish(eventbus.Event{Type: typ, Time: e.now(), Data: jobEvent(j, "", errText)})
}

func (e *Engine) publishFired(j storage.Job, outcome FireOutcome, errText string) {
	e.bus.Publish(eventbus.Event{Type: eventbus.JobFired, Time: e.now(), Data: jobEvent(j, string(outcome), errText)})
}

func jobEvent(j storage.Job, outcome, errText string) eventbus.JobEvent {
	return eventbus.JobEvent{
		JobID:     j.ID,
		TenantID:  j.TenantID,
		PostID:    j.PostID,
		ChannelID: j.ChannelID,
		FireAt:    j.FireAt,
		MessageID: j.MessageID,
		Outcome:   outcome,
		Error:     errText,
	}
}
