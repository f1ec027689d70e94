package schedule

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("schedule: not found")
	ErrUnauthorized = errors.New("schedule: not owned by tenant")
	ErrInvalidState = errors.New("schedule: invalid state")
)

// ParseError reports time input that could not be turned into a valid
// future instant.
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("cannot schedule at %q: %s", e.Input, e.Reason)
}

// FireError is a failed publish attempt. The job is fired regardless and is
// not retried.
type FireError struct {
	JobID string
	Err   error
}

func (e *FireError) Error() string { return fmt.Sprintf("fire job %s: %v", e.JobID, e.Err) }

func (e *FireError) Unwrap() error { return e.Err }
