package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"postify/internal/task/engine"
	logx "postify/pkg/logx"
)

// Config controls trigger evaluation.
type Config struct {
	Timezone string // IANA name, e.g. "Europe/Berlin"; empty means Local
}

type scheduleDef struct {
	name          string
	spec          string // cron spec or "@every <d>"
	timeout       time.Duration
	job           func(ctx context.Context) error
	opt           engine.TaskOptions
	entryID       cron.EntryID
	startupSpread time.Duration
}

// Enqueuer is the part of the task engine the scheduler drives.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

type Service struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config
	loc *time.Location

	engine Enqueuer

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

type ScheduleInfo struct {
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout"`
	Spread  time.Duration `json:"startup_spread,omitempty"`
	Next    time.Time     `json:"next"`
	Prev    time.Time     `json:"prev"`
}

type Snapshot struct {
	Running   bool           `json:"running"`
	Timezone  string         `json:"timezone"`
	Schedules []ScheduleInfo `json:"schedules"`
}
