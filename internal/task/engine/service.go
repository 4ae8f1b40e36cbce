package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"plugsched/internal/eventbus"
	rtsup "plugsched/internal/runtime/supervisor"
	"plugsched/internal/storage"
	logx "plugsched/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Service is the worker pool: three priority queues drained by a fixed set of
// supervised workers.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	exec    Executor
	running bool

	queues [3]chan *queued
	sup    *rtsup.Supervisor
	stopCh chan struct{}

	records  *recordStore
	circuits circuitStore

	inFlight         atomic.Int32
	droppedQueueFull atomic.Uint64
	droppedStale     atomic.Uint64
	lastFullWarnAt   atomic.Int64
}

type queued struct {
	handle     string
	req        Request
	enqueuedAt time.Time
	timeout    time.Duration
}

func New(cfg Config, exec Executor, log logx.Logger, bus eventbus.Bus) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		exec:    exec,
		records: newRecordStore(cfg.HistoryTTL),
	}
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply swaps the pool config. Worker count or queue size changes restart
// the workers; anything still queued at that point is cancelled.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.running
	s.mu.Unlock()

	if running && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize) {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start launches the workers. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	for i := range s.queues {
		s.queues[i] = make(chan *queued, cfg.QueueSize)
	}
	s.stopCh = make(chan struct{})
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.running = true
	queues, stopCh, sup := s.queues, s.stopCh, s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			s.worker(c, stopCh, queues, idx)
			select {
			case <-stopCh:
				return nil
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.Policy{Report: true})
	}

	s.log.Info("worker pool started", logx.Int("workers", cfg.Workers), logx.Int("queue_cap", cfg.QueueSize))
}

// Stop cancels in-flight executions, waits for workers (bounded by ctx) and
// cancels whatever is still queued.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	sup, queues := s.sup, s.queues
	s.mu.Unlock()

	if err := sup.Stop(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("worker pool stop timed out", logx.Err(ctx.Err()))
	}
	n := 0
	for _, q := range queues {
	drain:
		for {
			select {
			case it := <-q:
				s.finishCancelled(it.handle, ErrStopped.Error())
				n++
			default:
				break drain
			}
		}
	}
	s.log.Info("worker pool stopped", logx.Int("cancelled_queued", n))
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Submit enqueues req without blocking and returns its execution handle.
func (s *Service) Submit(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	req.Plugin = strings.TrimSpace(req.Plugin)
	if req.Plugin == "" {
		return "", fmt.Errorf("request plugin is required")
	}
	if req.Priority == 0 {
		req.Priority = storage.DefaultPriority
	}
	if req.Priority < storage.MinPriority {
		req.Priority = storage.MinPriority
	}
	if req.Priority > storage.MaxPriority {
		req.Priority = storage.MaxPriority
	}
	if req.MaxRetries < 0 {
		req.MaxRetries = 0
	}

	s.mu.Lock()
	cfg := s.cfg
	running := s.running
	queues := s.queues
	s.mu.Unlock()
	if !running {
		return "", ErrStopped
	}
	if cfg.RetryMax > 0 && req.MaxRetries > cfg.RetryMax {
		req.MaxRetries = cfg.RetryMax
	}

	now := time.Now()
	if open, until := s.circuits.isOpen(now, req.Plugin, cfg); open {
		s.log.Debug("execution skipped: circuit open", logx.String("plugin", req.Plugin), logx.Time("until", until))
		return "", ErrCircuitOpen
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	it := &queued{handle: uuid.NewString(), req: req, enqueuedAt: now, timeout: timeout}
	s.records.create(Record{
		Handle:   it.handle,
		Plugin:   req.Plugin,
		TaskID:   req.TaskID,
		Source:   req.Source,
		Priority: req.Priority,
		State:    StateQueued,
		QueuedAt: now,
	})

	band := BandFor(req.Priority)
	select {
	case queues[band] <- it:
		return it.handle, nil
	default:
		s.records.discard(it.handle)
		s.onQueueFull(now, req, band, len(queues[band]))
		return "", ErrQueueFull
	}
}

// Status returns the current record of handle.
func (s *Service) Status(handle string) (Record, bool) { return s.records.get(handle) }

// Wait blocks until handle reaches a terminal state.
func (s *Service) Wait(ctx context.Context, handle string) (Record, error) {
	return s.records.wait(ctx, handle)
}

// Records lists recent executions, newest first.
func (s *Service) Records(limit int) []Record { return s.records.list(limit) }

// Cancel marks a queued execution cancelled. Executions that already started
// cannot be aborted; Cancel reports false for them.
func (s *Service) Cancel(handle string) (bool, error) {
	if _, ok := s.records.get(handle); !ok {
		return false, ErrUnknown
	}
	return s.finishCancelled(handle, "cancelled"), nil
}

func (s *Service) finishCancelled(handle, reason string) bool {
	_, ok := s.records.update(handle, func(rec *Record) bool {
		if rec.State != StateQueued {
			return false
		}
		rec.State = StateCancelled
		rec.Error = reason
		rec.FinishedAt = time.Now()
		return true
	})
	return ok
}

// Active counts queued plus running executions.
func (s *Service) Active() int {
	s.mu.Lock()
	queues := s.queues
	s.mu.Unlock()
	n := int(s.inFlight.Load())
	for _, q := range queues {
		if q != nil {
			n += len(q)
		}
	}
	return n
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	running := s.running
	queues := s.queues
	s.mu.Unlock()

	snap := Snapshot{
		Running:          running,
		Workers:          cfg.Workers,
		InFlight:         int(s.inFlight.Load()),
		QueueCap:         cfg.QueueSize,
		DroppedQueueFull: s.droppedQueueFull.Load(),
		DroppedStale:     s.droppedStale.Load(),
		DefaultTimeout:   cfg.DefaultTimeout,
	}
	if queues[BandHigh] != nil {
		snap.QueueHigh = len(queues[BandHigh])
		snap.QueueNormal = len(queues[BandNormal])
		snap.QueueLow = len(queues[BandLow])
	}
	snap.CircuitTotal, snap.CircuitOpen = s.circuits.snapshot(time.Now())
	return snap
}

func (s *Service) publish(typ string, ev ExecutionEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

func (s *Service) shouldWarn(last *atomic.Int64, now time.Time) bool {
	prev := last.Load()
	n := now.UnixNano()
	if prev != 0 && n-prev < int64(warnThrottleEvery) {
		return false
	}
	return last.CompareAndSwap(prev, n)
}

func (s *Service) onQueueFull(now time.Time, req Request, band Band, qlen int) {
	dropped := s.droppedQueueFull.Add(1)
	if s.shouldWarn(&s.lastFullWarnAt, now) {
		s.log.Warn("execution rejected: queue full",
			logx.String("plugin", req.Plugin),
			logx.String("task_id", req.TaskID),
			logx.String("band", band.String()),
			logx.Int("queue_len", qlen),
			logx.Uint64("dropped_queue_full", dropped),
		)
	}
}

func newRNG(idx int) *rand.Rand {
	return rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))
}
