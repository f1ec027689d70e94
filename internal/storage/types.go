package storage

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("storage: not found")
	// ErrStateConflict means a conditional write found the row in another state.
	ErrStateConflict = errors.New("storage: state conflict")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL reachable via DSN
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int32         // postgres only; 0 means pgxpool default
}

type TenantStatus string

const (
	TenantActive   TenantStatus = "active"
	TenantDisabled TenantStatus = "disabled"
	TenantError    TenantStatus = "error"
)

// Tenant is a credential record. Token is always vault ciphertext.
type Tenant struct {
	ID        string
	Name      string
	Token     string
	Status    TenantStatus
	LastError string
	Timezone  string
	UpdatedAt time.Time
}

type Channel struct {
	ID       string
	TenantID string
	ChatID   int64
	Title    string
}

type PostStatus string

const (
	PostDraft     PostStatus = "draft"
	PostScheduled PostStatus = "scheduled"
	PostPublished PostStatus = "published"
)

type Post struct {
	ID          string
	TenantID    string
	ChannelID   string
	Text        string
	Status      PostStatus
	ScheduledAt time.Time
	PublishedAt time.Time
	MessageID   int64
	LastError   string
	UpdatedAt   time.Time
}

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobFired     JobStatus = "fired"
	JobCancelled JobStatus = "cancelled"
)

type Job struct {
	ID          string    `json:"id"`
	PostID      string    `json:"post_id"`
	TenantID    string    `json:"tenant_id"`
	ChannelID   string    `json:"channel_id"`
	FireAt      time.Time `json:"fire_at"`
	Status      JobStatus `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	FiredAt     time.Time `json:"fired_at,omitzero"`
	MessageID   int64     `json:"message_id,omitempty"`
	PublishedAt time.Time `json:"published_at,omitzero"`
	Error       string    `json:"error,omitempty"`
}

// JobOutcome is what a fire attempt produced. Skipped outcomes only touch
// the job row; the post is left as it is.
type JobOutcome struct {
	MessageID   int64
	PublishedAt time.Time
	Error       string
	Skipped     bool
}

// ChannelJobCount is the number of pending jobs targeting one channel.
type ChannelJobCount struct {
	ChannelID string `json:"channel_id"`
	Pending   int    `json:"pending"`
}

// AuditEntry records a connection or job lifecycle event.
type AuditEntry struct {
	At       time.Time
	Kind     string
	TenantID string
	Subject  string
	Detail   string
}
