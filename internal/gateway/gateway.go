// Package gateway is the request path in front of the schedule engine:
// every tenant action is counted by the rate gate and serialized per post by
// the resource lock before it reaches the engine.
package gateway

import (
	"context"
	"errors"
	"time"

	"postify/internal/eventbus"
	"postify/internal/gate"
	"postify/internal/schedule"
	"postify/internal/storage"
	logx "postify/pkg/logx"
)

var (
	ErrRateLimited = errors.New("gateway: too many requests")
	ErrBusy        = errors.New("gateway: another request for this post is in progress")
)

// Scheduler is the part of the schedule engine the gateway drives.
type Scheduler interface {
	Schedule(ctx context.Context, tenantID, postID, channelID string, instant time.Time) (schedule.Result, error)
	ScheduleText(ctx context.Context, tenantID, postID, channelID, input string) (schedule.Result, error)
	Cancel(ctx context.Context, tenantID, postID string) (storage.Job, error)
}

// ScheduleRequest names the post and target. When At is zero, When is
// parsed in the tenant's time zone.
type ScheduleRequest struct {
	TenantID  string    `json:"-"`
	PostID    string    `json:"-"`
	ChannelID string    `json:"channel_id"`
	When      string    `json:"when,omitempty"`
	At        time.Time `json:"at,omitempty"`
}

type Gateway struct {
	engine Scheduler
	locks  *gate.Locks
	rates  *gate.RateGate
	bus    eventbus.Bus
	log    logx.Logger
}

func New(engine Scheduler, locks *gate.Locks, rates *gate.RateGate, bus eventbus.Bus, log logx.Logger) *Gateway {
	if bus == nil {
		bus = eventbus.Nop()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Gateway{engine: engine, locks: locks, rates: rates, bus: bus, log: log}
}

// GateDenied is published whenever a request is turned away by a gate.
const GateDenied = "gateway.denied"

type DeniedEvent struct {
	TenantID string `json:"tenant_id"`
	PostID   string `json:"post_id"`
	Reason   string `json:"reason"`
}

func (g *Gateway) SchedulePost(ctx context.Context, req ScheduleRequest) (schedule.Result, error) {
	var res schedule.Result
	err := g.guard(req.TenantID, req.PostID, func() error {
		var err error
		if req.At.IsZero() {
			res, err = g.engine.ScheduleText(ctx, req.TenantID, req.PostID, req.ChannelID, req.When)
		} else {
			res, err = g.engine.Schedule(ctx, req.TenantID, req.PostID, req.ChannelID, req.At)
		}
		return err
	})
	return res, err
}

func (g *Gateway) CancelPost(ctx context.Context, tenantID, postID string) (storage.Job, error) {
	var j storage.Job
	err := g.guard(tenantID, postID, func() error {
		var err error
		j, err = g.engine.Cancel(ctx, tenantID, postID)
		return err
	})
	return j, err
}

func (g *Gateway) guard(tenantID, postID string, fn func() error) error {
	if g.rates.IsLimited(tenantID) {
		g.deny(tenantID, postID, "rate_limited")
		return ErrRateLimited
	}
	err := g.locks.Do(tenantID, "post:"+postID, fn)
	if errors.Is(err, gate.ErrBusy) {
		g.deny(tenantID, postID, "busy")
		return ErrBusy
	}
	return err
}

func (g *Gateway) deny(tenantID, postID, reason string) {
	g.log.Debug("request denied", logx.String("tenant", tenantID), logx.String("post", postID), logx.String("reason", reason))
	g.bus.Publish(eventbus.Event{Type: GateDenied, Data: DeniedEvent{TenantID: tenantID, PostID: postID, Reason: reason}})
}
