package schedule

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Conflict is an advisory warning; it never prevents scheduling.
type Conflict struct {
	Conflict bool   `json:"conflict"`
	Reason   string `json:"reason,omitempty"`
}

// CheckConflicts flags another pending job on the channel within the
// conflict window of instant, and a UTC hour that already holds the hour
// cap of pending jobs. excludeJobID is left out of both counts.
func (e *Engine) CheckConflicts(ctx context.Context, channelID string, instant time.Time, excludeJobID string) (Conflict, error) {
	near, hour, err := e.store.ConflictCounts(ctx, channelID, instant.UTC(), e.cfg.ConflictWindow, excludeJobID)
	if err != nil {
		return Conflict{}, fmt.Errorf("count conflicts: %w", err)
	}
	var reasons []string
	if near > 0 {
		reasons = append(reasons, fmt.Sprintf("another post is scheduled within %s", e.cfg.ConflictWindow))
	}
	if hour >= e.cfg.HourCap {
		reasons = append(reasons, fmt.Sprintf("%d posts are already scheduled in that hour", hour))
	}
	if len(reasons) == 0 {
		return Conflict{}, nil
	}
	return Conflict{Conflict: true, Reason: strings.Join(reasons, "; ")}, nil
}
