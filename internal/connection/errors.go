package connection

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrConflictCooldown = errors.New("connection: conflict cooldown")
	ErrAuthRevoked      = errors.New("connection: credential revoked")
	ErrNotFound         = errors.New("connection: tenant not found")
	ErrTransient        = errors.New("connection: transient failure")
)

// Reason is why a connection could not be provided.
type Reason string

const (
	ReasonConflict    Reason = "conflict"
	ReasonAuthRevoked Reason = "auth_revoked"
	ReasonUnknown     Reason = "unknown"
	ReasonNotFound    Reason = "not_found"
)

// Error is returned by Acquire. It matches the sentinel for its Reason with
// errors.Is and unwraps to the underlying cause.
type Error struct {
	TenantID string
	Reason   Reason
	Until    time.Time // zero unless a cooldown is in effect
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("connection %s: %s", e.TenantID, e.Reason)
	if !e.Until.IsZero() {
		msg += " until " + e.Until.UTC().Format(time.RFC3339)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == e.Reason.sentinel() }

func (r Reason) sentinel() error {
	switch r {
	case ReasonConflict:
		return ErrConflictCooldown
	case ReasonAuthRevoked:
		return ErrAuthRevoked
	case ReasonNotFound:
		return ErrNotFound
	default:
		return ErrTransient
	}
}
