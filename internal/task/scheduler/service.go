package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"plugsched/internal/apperr"
	"plugsched/internal/eventbus"
	rtsup "plugsched/internal/runtime/supervisor"
	"plugsched/internal/storage"
	"plugsched/pkg/logx"
)

// Service runs the tick loop and exposes the scheduler API.
type Service struct {
	mu  sync.Mutex
	cfg Config
	sup *rtsup.Supervisor

	store   storage.Store
	pool    Pool
	plugins Plugins
	log     logx.Logger
	bus     eventbus.Bus

	rec  *Reconciler
	disp *Dispatcher

	running  atomic.Bool
	lastPoll time.Time
	fired    atomic.Uint64
	races    atomic.Uint64
	held     atomic.Uint64

	now func() time.Time
}

func New(cfg Config, store storage.Store, pool Pool, plugins Plugins, log logx.Logger, bus eventbus.Bus) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	loc, err := loadLocation(cfg.Timezone)
	if err != nil {
		return nil, err
	}
	log = log.With(logx.String("comp", "scheduler"))
	if cfg.InstanceID != "" {
		log = log.With(logx.String("instance", cfg.InstanceID))
	}
	return &Service{
		cfg:     cfg,
		store:   store,
		pool:    pool,
		plugins: plugins,
		log:     log,
		bus:     bus,
		rec:     NewReconciler(store, loc, log, bus),
		disp:    NewDispatcher(store, pool, log, bus),
		now:     time.Now,
	}, nil
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, apperr.New(apperr.Configuration, "scheduler.timezone", err)
	}
	return loc, nil
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply hot-swaps the tick and poll periods. Timezone changes need a restart.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	old := s.cfg
	s.cfg.Tick = cfg.Tick
	s.cfg.PollInterval = cfg.PollInterval
	s.mu.Unlock()
	if old.Tick != cfg.Tick || old.PollInterval != cfg.PollInterval {
		s.log.Info("scheduler config applied", logx.Duration("tick", cfg.Tick), logx.Duration("poll", cfg.PollInterval))
	}
	if strings.TrimSpace(old.Timezone) != strings.TrimSpace(cfg.Timezone) {
		s.log.Warn("scheduler timezone change needs a restart", logx.String("current", old.Timezone), logx.String("requested", cfg.Timezone))
	}
}

func (s *Service) Reconciler() *Reconciler { return s.rec }

// Start launches the tick loop under a restarting supervisor.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	sup := s.sup
	s.mu.Unlock()

	s.running.Store(true)
	sup.GoRestart("scheduler.tick", s.loop, rtsup.Policy{MinBackoff: time.Second})
	s.log.Info("scheduler started", logx.Duration("tick", s.config().Tick))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	s.running.Store(false)
	start := time.Now()
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("scheduler stop incomplete", logx.Err(err))
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) Running() bool { return s.running.Load() }

func (s *Service) loop(ctx context.Context) error {
	for {
		s.Tick(ctx, s.now())
		t := time.NewTimer(s.config().Tick)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// Tick reconciles when a poll is due, then fires every due entry. It returns
// how many entries were submitted.
func (s *Service) Tick(ctx context.Context, now time.Time) int {
	cfg := s.config()
	s.mu.Lock()
	pollDue := s.lastPoll.IsZero() || cfg.PollInterval < 0 || now.Sub(s.lastPoll) >= cfg.PollInterval
	if pollDue {
		s.lastPoll = now
	}
	s.mu.Unlock()
	if pollDue {
		s.rec.Poll(ctx)
	}

	fired := 0
	for _, e := range s.rec.Entries() {
		if ctx.Err() != nil {
			break
		}
		if due, _ := e.IsDue(now); !due {
			continue
		}
		if s.plugins != nil && !s.plugins.Healthy(e.Plugin()) {
			// Bookkeeping stays as is, so the task fires once the plugin loads.
			s.held.Add(1)
			s.log.Debug("dispatch held: plugin unhealthy", logx.String("task", e.ID()), logx.String("plugin", e.Plugin()))
			continue
		}
		_, err := s.disp.Trigger(ctx, e, now)
		switch {
		case err == nil:
			fired++
		case apperr.Is(err, apperr.DispatchRace):
			s.races.Add(1)
		case apperr.Is(err, apperr.Persistence):
			// Store trouble: the next poll marks the schedule stale.
			s.log.Debug("dispatch skipped: store unavailable", logx.String("task", e.ID()), logx.Err(err))
		default:
			s.log.Debug("dispatch failed", logx.String("task", e.ID()), logx.Err(err))
		}
	}
	s.fired.Add(uint64(fired))
	return fired
}
