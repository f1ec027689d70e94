package transport

import (
	"context"
	"fmt"
	"time"
)

type UpdateKind string

const (
	UpdateMessage     UpdateKind = "message"
	UpdateChannelPost UpdateKind = "channel_post"
	UpdateCallback    UpdateKind = "callback"
)

// Update is an inbound event delivered by a tenant connection.
type Update struct {
	TenantID     string
	Kind         UpdateKind
	ChatID       int64
	MessageID    int
	FromID       int64
	FromUsername string
	Text         string
	CallbackID   string
	Data         string
	At           time.Time
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	Silent         bool
}

// Receipt identifies a published message.
type Receipt struct {
	ChatID    int64
	MessageID int64
	At        time.Time
}

type FailureKind int

const (
	FailureUnknown FailureKind = iota
	FailureConflict
	FailureAuthRevoked
)

func (k FailureKind) String() string {
	switch k {
	case FailureConflict:
		return "conflict"
	case FailureAuthRevoked:
		return "auth_revoked"
	default:
		return "unknown"
	}
}

// Failure is a classified transport error.
type Failure struct {
	Kind FailureKind
	Err  error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return "transport: " + f.Kind.String()
	}
	return fmt.Sprintf("transport: %s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Hooks receive events from a live connection. Both may be nil and are
// called from the connection's own goroutines.
type Hooks struct {
	OnUpdate func(Update)
	OnError  func(*Failure)
}

// Conn is one live connection to the messaging endpoint for one credential.
type Conn interface {
	Healthy() bool
	Publish(ctx context.Context, chatID int64, text string, opt *SendOptions) (Receipt, error)
	Close(ctx context.Context) error
}

// Dialer opens connections. Open returns only after the endpoint accepted
// the credential; a rejected credential comes back as *Failure.
type Dialer interface {
	Open(ctx context.Context, tenantID, token string, hooks Hooks) (Conn, error)
}
