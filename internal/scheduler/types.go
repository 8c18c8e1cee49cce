// Package scheduler triggers named jobs on cron expressions or fixed
// intervals.
//
// A job whose previous run is still in flight is skipped for that tick.
// Registering a name again replaces the earlier schedule, so callers can
// re-register everything on config reload.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"chanrelay/internal/eventbus"
	logx "chanrelay/pkg/logx"
)

type Config struct {
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"
}

// Job is one scheduled run. ctx carries the schedule timeout, if any.
type Job func(ctx context.Context) error

type scheduleDef struct {
	name    string
	spec    string // cron spec or @every
	timeout time.Duration
	job     Job
	entryID cron.EntryID
	state   *runState
}

type runState struct {
	running atomic.Bool
	runs    atomic.Uint64
	skips   atomic.Uint64
	fails   atomic.Uint64

	mu      sync.Mutex
	lastErr string
	lastDur time.Duration
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus

	// base is cancelled by Stop so in-flight jobs see shutdown.
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef
}

type ScheduleInfo struct {
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout"`
	Next    time.Time     `json:"next"`
	Prev    time.Time     `json:"prev"`
	Running bool          `json:"running"`
	Runs    uint64        `json:"runs"`
	Skips   uint64        `json:"skips"`
	Fails   uint64        `json:"fails"`
	LastErr string        `json:"last_err,omitempty"`
	LastDur time.Duration `json:"last_duration"`
}

type Snapshot struct {
	Timezone  string         `json:"timezone"`
	Started   bool           `json:"started"`
	Schedules []ScheduleInfo `json:"schedules"`
}

// RunEvent is published after every run as "schedule.run".
type RunEvent struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}
