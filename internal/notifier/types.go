package notifier

import (
	"context"
	"time"

	"postify/internal/transport"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	ChatID          int64
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

// Priority decides the alert prefix. Higher is more urgent.
type Priority int

const (
	PriorityInfo     Priority = 5
	PriorityWarning  Priority = 7
	PriorityCritical Priority = 9
)

// Notification is one operator alert. ChatID 0 means the configured chat.
// Key overrides the dedup identity; empty derives it from the content.
type Notification struct {
	Priority Priority
	ChatID   int64
	Key      string
	Text     string
	Options  *transport.SendOptions
}

// Sender delivers text to a chat.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string, opt *transport.SendOptions) (transport.Receipt, error)
}

// DedupStore persists suppress-until marks across restarts.
type DedupStore interface {
	GetDedup(ctx context.Context, key string, now time.Time) (time.Time, bool, error)
	PutDedup(ctx context.Context, key string, until time.Time) error
}

type HistoryItem struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// NotificationEvent is the Data of notifier.* events.
type NotificationEvent struct {
	ChatID int64     `json:"chat_id"`
	Key    string    `json:"key"`
	At     time.Time `json:"at"`
	Error  string    `json:"error,omitempty"`
}
