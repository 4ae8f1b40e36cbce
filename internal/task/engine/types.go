package engine

import (
	"context"
	"time"

	"plugsched/internal/plugin"
)

// Config controls the worker pool.
type Config struct {
	Workers int
	// QueueSize is the capacity of each priority queue.
	QueueSize int

	// DefaultTimeout applies when a request carries no timeout.
	DefaultTimeout time.Duration

	// MaxQueueDelay fails requests that waited longer than this in a queue.
	// 0 disables stale-queue dropping.
	MaxQueueDelay time.Duration

	// HistoryTTL is how long execution records stay queryable.
	HistoryTTL time.Duration

	// RetryMax caps the retries a single request may ask for. 0 means no cap.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%

	// Circuit breaker (consecutive failures per plugin).
	//
	// If CircuitTripFailures < 0, the circuit breaker is disabled.
	// If CircuitTripFailures == 0, a default is applied.
	CircuitTripFailures int
	CircuitBaseDelay    time.Duration
	CircuitMaxDelay     time.Duration
	CircuitResetAfter   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 5 * time.Minute
	}
	if c.HistoryTTL <= 0 {
		c.HistoryTTL = time.Hour
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	if c.CircuitTripFailures == 0 {
		c.CircuitTripFailures = 5
	}
	if c.CircuitBaseDelay <= 0 {
		c.CircuitBaseDelay = 5 * time.Second
	}
	if c.CircuitMaxDelay <= 0 {
		c.CircuitMaxDelay = 2 * time.Minute
	}
	if c.CircuitResetAfter <= 0 {
		c.CircuitResetAfter = 5 * time.Minute
	}
	return c
}

// Executor runs one plugin invocation. *plugin.Runtime implements it.
type Executor interface {
	Execute(ctx context.Context, name string, params map[string]any) (plugin.Result, error)
}

// Request is one unit of work.
type Request struct {
	Plugin     string
	Params     map[string]any
	Priority   int
	Timeout    time.Duration
	MaxRetries int
	// RetryOnTimeout opts in to retrying attempts that hit Timeout.
	RetryOnTimeout bool

	// TaskID and Source are carried into records and events.
	TaskID string
	Source string
}

const (
	SourceSchedule = "schedule"
	SourceManual   = "manual"
)

type Band int

const (
	BandLow Band = iota
	BandNormal
	BandHigh
)

func (b Band) String() string {
	switch b {
	case BandHigh:
		return "high"
	case BandNormal:
		return "normal"
	default:
		return "low"
	}
}

// BandFor maps a 1-10 priority onto a queue: >=8 high, 4-7 normal, <=3 low.
func BandFor(priority int) Band {
	switch {
	case priority >= 8:
		return BandHigh
	case priority >= 4:
		return BandNormal
	default:
		return BandLow
	}
}

type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSuccess   State = "success"
	StateFailed    State = "failed"
	StateTimeout   State = "timeout"
	StateCancelled State = "cancelled"
)

func (s State) Terminal() bool {
	switch s {
	case StateSuccess, StateFailed, StateTimeout, StateCancelled:
		return true
	}
	return false
}

// Record is the observable state of one execution handle.
type Record struct {
	Handle     string         `json:"handle"`
	Plugin     string         `json:"plugin"`
	TaskID     string         `json:"task_id,omitempty"`
	Source     string         `json:"source,omitempty"`
	Priority   int            `json:"priority"`
	State      State          `json:"state"`
	Result     *plugin.Result `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	ErrorKind  string         `json:"error_kind,omitempty"`
	Attempts   int            `json:"attempts"`
	QueuedAt   time.Time      `json:"queued_at"`
	StartedAt  time.Time      `json:"started_at,omitempty"`
	FinishedAt time.Time      `json:"finished_at,omitempty"`
}

// ExecutionEvent is published on the event bus for execution lifecycle changes.
type ExecutionEvent struct {
	Handle     string        `json:"handle"`
	Plugin     string        `json:"plugin"`
	TaskID     string        `json:"task_id,omitempty"`
	State      State         `json:"state"`
	Attempts   int           `json:"attempts"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running  bool `json:"running"`
	Workers  int  `json:"workers"`
	InFlight int  `json:"in_flight"`

	QueueHigh   int `json:"queue_high"`
	QueueNormal int `json:"queue_normal"`
	QueueLow    int `json:"queue_low"`
	QueueCap    int `json:"queue_cap"`

	DroppedQueueFull uint64 `json:"dropped_queue_full"`
	DroppedStale     uint64 `json:"dropped_stale"`

	DefaultTimeout time.Duration `json:"default_timeout"`

	CircuitTotal int `json:"circuit_total"`
	CircuitOpen  int `json:"circuit_open"`
}
