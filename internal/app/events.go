package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"postify/internal/eventbus"
	"postify/internal/notifier"
	"postify/internal/schedule"
	"postify/internal/storage"
	logx "postify/pkg/logx"
)

// AuditStore is where lifecycle events are persisted.
type AuditStore interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// Alerter delivers operator alerts.
type Alerter interface {
	Notify(ctx context.Context, n notifier.Notification) error
}

// eventSink persists audited events and turns the ones an operator must act
// on into alerts.
type eventSink struct {
	audit AuditStore
	alert Alerter // nil when alerts are disabled
	log   logx.Logger
}

func (s *eventSink) run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(512)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			s.handle(ctx, e)
		}
	}
}

func (s *eventSink) handle(ctx context.Context, e eventbus.Event) {
	if s.audit != nil && eventbus.Audited(e.Type) {
		entry := auditEntry(e)
		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := s.audit.AppendAudit(wctx, entry); err != nil {
			s.log.Warn("audit append failed", logx.String("kind", entry.Kind), logx.Err(err))
		}
		cancel()
	}
	if s.alert == nil {
		return
	}
	if n, ok := alertFor(e); ok {
		if err := s.alert.Notify(ctx, n); err != nil {
			s.log.Debug("alert not queued", logx.String("type", e.Type), logx.Err(err))
		}
	}
}

func auditEntry(e eventbus.Event) storage.AuditEntry {
	entry := storage.AuditEntry{At: e.Time.UTC(), Kind: e.Type}
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	switch d := e.Data.(type) {
	case eventbus.ConnectionEvent:
		entry.TenantID, entry.Subject = d.TenantID, d.TenantID
	case eventbus.JobEvent:
		entry.TenantID, entry.Subject = d.TenantID, d.JobID
	}
	if b, err := json.Marshal(e.Data); err == nil {
		entry.Detail = string(b)
	}
	return entry
}

func alertFor(e eventbus.Event) (notifier.Notification, bool) {
	switch e.Type {
	case eventbus.CredentialDisabled:
		d, ok := e.Data.(eventbus.ConnectionEvent)
		if !ok {
			return notifier.Notification{}, false
		}
		return notifier.Notification{
			Priority: notifier.PriorityCritical,
			Key:      "credential.disabled:" + d.TenantID,
			Text: fmt.Sprintf("Tenant %s: credential revoked and disabled.\n%s\nSupply a fresh token with: postify tenant set-token",
				d.TenantID, d.Error),
		}, true
	case eventbus.JobFired:
		d, ok := e.Data.(eventbus.JobEvent)
		if !ok || d.Outcome != string(schedule.FireFailed) {
			return notifier.Notification{}, false
		}
		return notifier.Notification{
			Priority: notifier.PriorityWarning,
			Key:      "job.failed:" + d.JobID,
			Text: fmt.Sprintf("Tenant %s: post %s was not published to channel %s.\n%s",
				d.TenantID, d.PostID, d.ChannelID, d.Error),
		}, true
	}
	return notifier.Notification{}, false
}
