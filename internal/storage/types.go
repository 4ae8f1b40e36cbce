package storage

import (
	"context"
	"strings"
	"time"

	"plugsched/internal/apperr"
)

// Config configures storage.
//
// Driver values: "memory" (default), "file", "sqlite", "postgres".
type Config struct {
	Driver      string
	Path        string        // file, sqlite
	DSN         string        // postgres
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type ScheduleKind string

const (
	ScheduleInterval ScheduleKind = "interval"
	ScheduleCron     ScheduleKind = "cron"
)

const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

// TaskDefinition is the persisted row for one scheduled task.
type TaskDefinition struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	PluginName     string         `json:"plugin_name"`
	Parameters     map[string]any `json:"parameters"`
	ScheduleType   ScheduleKind   `json:"schedule_type"`
	ScheduleConfig map[string]any `json:"schedule_config"`
	Enabled        bool           `json:"enabled"`
	Priority       int            `json:"priority"`
	MaxRetries     int            `json:"max_retries"`
	// Timeout is in seconds; 0 means the worker pool default.
	Timeout   int        `json:"timeout,omitempty"`
	LastRun   *time.Time `json:"last_run"`
	NextRun   *time.Time `json:"next_run"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (d TaskDefinition) TimeoutDuration() time.Duration {
	return time.Duration(d.Timeout) * time.Second
}

// Clone returns a deep copy so callers can never alias store state.
func (d TaskDefinition) Clone() TaskDefinition {
	cp := d
	cp.Parameters = cloneMap(d.Parameters)
	cp.ScheduleConfig = cloneMap(d.ScheduleConfig)
	cp.LastRun = cloneTime(d.LastRun)
	cp.NextRun = cloneTime(d.NextRun)
	return cp
}

// Normalize fills defaults and canonicalizes timestamps.
func (d *TaskDefinition) Normalize() {
	d.ID = strings.TrimSpace(d.ID)
	d.PluginName = strings.TrimSpace(d.PluginName)
	d.ScheduleType = ScheduleKind(strings.ToLower(strings.TrimSpace(string(d.ScheduleType))))
	if strings.TrimSpace(d.Name) == "" {
		d.Name = d.PluginName
	}
	if d.Priority == 0 {
		d.Priority = DefaultPriority
	}
	if d.Parameters == nil {
		d.Parameters = map[string]any{}
	}
	if d.ScheduleConfig == nil {
		d.ScheduleConfig = map[string]any{}
	}
	d.LastRun = normPtr(d.LastRun)
	d.NextRun = normPtr(d.NextRun)
	d.CreatedAt = Timestamp(d.CreatedAt)
	d.UpdatedAt = Timestamp(d.UpdatedAt)
}

// Validate checks the row-level invariants. Schedule config parsing is
// checked by the schedule package.
func (d TaskDefinition) Validate() error {
	const op = "storage.validate"
	switch {
	case d.ID == "":
		return apperr.Newf(apperr.Configuration, op, "id is required")
	case d.PluginName == "":
		return apperr.Newf(apperr.Configuration, op, "task %s: plugin_name is required", d.ID)
	case d.ScheduleType != ScheduleInterval && d.ScheduleType != ScheduleCron:
		return apperr.Newf(apperr.Configuration, op, "task %s: unknown schedule_type %q", d.ID, d.ScheduleType)
	case d.Priority < MinPriority || d.Priority > MaxPriority:
		return apperr.Newf(apperr.Configuration, op, "task %s: priority %d out of range 1-10", d.ID, d.Priority)
	case d.MaxRetries < 0:
		return apperr.Newf(apperr.Configuration, op, "task %s: max_retries must be >= 0", d.ID)
	case d.Timeout < 0:
		return apperr.Newf(apperr.Configuration, op, "task %s: timeout must be >= 0", d.ID)
	}
	return validRun(op, d.ID, RunMarks{LastRun: d.LastRun, NextRun: d.NextRun})
}

// RunMarks is the run bookkeeping written by the dispatcher.
type RunMarks struct {
	LastRun *time.Time
	NextRun *time.Time
}

func validRun(op, id string, m RunMarks) error {
	if m.LastRun != nil && m.NextRun != nil && !m.NextRun.After(*m.LastRun) {
		return apperr.Newf(apperr.Configuration, op, "task %s: next_run must be after last_run", id)
	}
	return nil
}

// Store is the persistence API consumed by the scheduler.
type Store interface {
	// List returns every definition ordered by id.
	List(ctx context.Context) ([]TaskDefinition, error)
	Get(ctx context.Context, id string) (TaskDefinition, error)
	// Put inserts def, or replaces the definition fields of an existing row.
	// Run bookkeeping of an existing row is left untouched.
	Put(ctx context.Context, def TaskDefinition) error
	Delete(ctx context.Context, id string) (bool, error)
	// CompareAndSwapRun writes marks only if the stored last_run still equals
	// expected (nil meaning "never run"). It reports whether the write won.
	CompareAndSwapRun(ctx context.Context, id string, expected *time.Time, marks RunMarks) (bool, error)
	Close() error
}

// Timestamp canonicalizes t to UTC microseconds so every driver round-trips
// it to an Equal value.
func Timestamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return t.UTC().Truncate(time.Microsecond)
}

func normPtr(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	v := Timestamp(*t)
	return &v
}

func sameRun(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneMap(x)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = cloneValue(x[i])
		}
		return out
	default:
		return v
	}
}

func notFound(op, id string) error {
	return apperr.Newf(apperr.NotFound, op, "task %q not found", id)
}
