package eventbus

import "time"

// Event types published by the connection supervisor, the schedule engine and
// the task engine. The audit subscriber persists the ones listed in Audited.
const (
	ConnectionOpened   = "connection.opened"
	ConnectionReleased = "connection.released"
	ConnectionFailed   = "connection.failed"
	CredentialDisabled = "credential.disabled"

	JobScheduled = "job.scheduled"
	JobCancelled = "job.cancelled"
	JobFired     = "job.fired"

	TenantUpdate = "tenant.update"

	TaskStarted  = "task.started"
	TaskFinished = "task.finished"
	TaskFailed   = "task.failed"
	TaskSkipped  = "task.skipped"
	TaskDropped  = "task.dropped"

	NotifierSent    = "notifier.sent"
	NotifierFailed  = "notifier.failed"
	NotifierDeduped = "notifier.deduped"
	NotifierDropped = "notifier.dropped"
)

// Audited reports whether events of type t belong in the audit log.
func Audited(t string) bool {
	switch t {
	case ConnectionOpened, ConnectionReleased, ConnectionFailed, CredentialDisabled,
		JobScheduled, JobCancelled, JobFired:
		return true
	}
	return false
}

// ConnectionEvent describes a tenant connection lifecycle change.
type ConnectionEvent struct {
	TenantID string        `json:"tenant_id"`
	Reason   string        `json:"reason,omitempty"`
	Cooldown time.Duration `json:"cooldown,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// JobEvent describes a scheduled job transition.
type JobEvent struct {
	JobID     string    `json:"job_id"`
	TenantID  string    `json:"tenant_id"`
	PostID    string    `json:"post_id"`
	ChannelID string    `json:"channel_id"`
	FireAt    time.Time `json:"fire_at"`
	MessageID int64     `json:"message_id,omitempty"`
	Outcome   string    `json:"outcome,omitempty"` // job.fired only
	Error     string    `json:"error,omitempty"`
}
