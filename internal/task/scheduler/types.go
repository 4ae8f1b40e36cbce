package scheduler

import (
	"context"
	"time"

	rtsup "plugsched/internal/runtime/supervisor"
	"plugsched/internal/task/engine"
)

// Config controls the tick loop.
type Config struct {
	// Tick is the due-check period. Default 1s.
	Tick time.Duration
	// PollInterval is how often the store is reconciled. Default Tick;
	// negative polls on every tick.
	PollInterval time.Duration
	// Timezone is the IANA zone for cron rules without their own timezone.
	Timezone   string
	InstanceID string
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = time.Second
	}
	if c.PollInterval == 0 {
		c.PollInterval = c.Tick
	}
	return c
}

// Pool is the worker pool surface the scheduler needs. *engine.Service
// implements it.
type Pool interface {
	Submit(ctx context.Context, req engine.Request) (string, error)
	Status(handle string) (engine.Record, bool)
	Cancel(handle string) (bool, error)
	Active() int
}

// Plugins is the plugin view the scheduler needs. *plugin.Runtime
// implements it.
type Plugins interface {
	// Has reports whether name resolves to a plugin.
	Has(name string) bool
	// Healthy is false while the last load of name failed. Such plugins are
	// not dispatched.
	Healthy(name string) bool
}

// Health is the HealthCheck result. Held counts due fires skipped because
// their plugin failed to load; Loop reports the tick loop supervisor.
type Health struct {
	Status           string         `json:"status"`
	InstanceID       string         `json:"instance_id,omitempty"`
	TotalTasks       int            `json:"total_tasks"`
	EnabledTasks     int            `json:"enabled_tasks"`
	ScheduledTasks   int            `json:"scheduled_tasks"`
	ActiveExecutions int            `json:"active_executions"`
	Stale            bool           `json:"stale"`
	Fired            uint64         `json:"fired"`
	Races            uint64         `json:"races"`
	Held             uint64         `json:"held"`
	Loop             rtsup.Counters `json:"loop"`
	LastPoll         time.Time      `json:"last_poll,omitempty"`
}

const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
	HealthStopped  = "stopped"
)
