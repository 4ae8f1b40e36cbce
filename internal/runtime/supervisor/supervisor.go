// Package supervisor runs the long-lived loops of plugsched components: the
// scheduler tick, engine workers, plugin and config watchers, alert delivery
// and the HTTP listener.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	logx "plugsched/pkg/logx"
)

// Supervisor owns the loops of one component. All loops share a context that
// Stop cancels; a panicking loop is logged and reported as an error.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log      logx.Logger
	failFast bool

	errOnce  sync.Once
	firstErr atomic.Value // error

	active   atomic.Int64
	started  atomic.Uint64
	restarts atomic.Uint64
	panics   atomic.Uint64

	wg       sync.WaitGroup
	doneOnce sync.Once
	doneCh   chan struct{}
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithFailFast makes the first loop failure stop every loop of the component.
func WithFailFast(enabled bool) Option {
	return func(s *Supervisor) { s.failFast = enabled }
}

// Counters is reported in health output.
type Counters struct {
	Active   int64  `json:"active"`
	Started  uint64 `json:"started"`
	Restarts uint64 `json:"restarts"`
	Panics   uint64 `json:"panics"`
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{ctx: ctx, cancel: cancel, doneCh: make(chan struct{})}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel signals every loop without waiting for them.
func (s *Supervisor) Cancel() { s.cancel() }

// Err is the first recorded loop failure.
func (s *Supervisor) Err() error {
	if err, ok := s.firstErr.Load().(error); ok {
		return err
	}
	return nil
}

func (s *Supervisor) Counters() Counters {
	if s == nil {
		return Counters{}
	}
	return Counters{
		Active:   s.active.Load(),
		Started:  s.started.Load(),
		Restarts: s.restarts.Load(),
		Panics:   s.panics.Load(),
	}
}

// Go runs fn once. An error other than cancellation becomes the component
// error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)

		if err := s.call(name, fn); err != nil && !errors.Is(err, context.Canceled) {
			s.fail(fmt.Errorf("%s: %w", name, err))
		}
	}()
}

// Loop runs fn once; fn is expected to return when ctx is done, as the event
// log and alert delivery loops do.
func (s *Supervisor) Loop(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

func (s *Supervisor) call(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			if !s.log.IsZero() {
				s.log.Error("loop panicked", logx.String("loop", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(s.ctx)
}

func (s *Supervisor) fail(err error) {
	s.setErr(err)
	if s.failFast {
		s.cancel()
	}
}

// Policy controls how GoRestart treats a failing loop. The zero value
// restarts forever with a 250ms to 30s backoff.
type Policy struct {
	MinBackoff time.Duration
	MaxBackoff time.Duration
	// StableAfter resets the backoff once a run lasted this long.
	StableAfter time.Duration
	// GiveUpAfter stops restarting after this many restarts; 0 never gives up.
	GiveUpAfter int
	// Report records the first failure as the component error even while
	// the loop keeps restarting.
	Report bool
}

func (p Policy) withDefaults() Policy {
	if p.MinBackoff <= 0 {
		p.MinBackoff = 250 * time.Millisecond
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 30 * time.Second
	}
	if p.MaxBackoff < p.MinBackoff {
		p.MaxBackoff = p.MinBackoff
	}
	if p.StableAfter <= 0 {
		p.StableAfter = 30 * time.Second
	}
	return p
}

// GoRestart keeps fn running until the context is cancelled or fn returns
// nil. Errors and panics restart it after a jittered exponential backoff.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, p Policy) {
	if fn == nil {
		return
	}
	p = p.withDefaults()

	s.Loop(name, func(ctx context.Context) {
		backoff := p.MinBackoff
		restarts := 0
		for ctx.Err() == nil {
			began := time.Now()
			err := s.call(name, fn)
			if ctx.Err() != nil || err == nil || errors.Is(err, context.Canceled) {
				return
			}

			err = fmt.Errorf("%s: %w", name, err)
			if p.Report {
				s.setErr(err)
			}
			restarts++
			s.restarts.Add(1)
			if time.Since(began) >= p.StableAfter {
				backoff = p.MinBackoff
			}
			if p.GiveUpAfter > 0 && restarts > p.GiveUpAfter {
				if !s.log.IsZero() {
					s.log.Error("loop given up", logx.String("loop", name), logx.Int("restarts", restarts), logx.Err(err))
				}
				s.fail(err)
				return
			}

			wait := backoff + jitter(backoff)
			if !s.log.IsZero() {
				s.log.Warn("loop restarting", logx.String("loop", name), logx.Duration("backoff", wait), logx.Err(err))
			}
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			backoff = min(backoff*2, p.MaxBackoff)
		}
	})
}

// jitter is up to a fifth of d.
func jitter(d time.Duration) time.Duration {
	if d < 5 {
		return 0
	}
	return rand.N(d / 5)
}

// Stop cancels every loop and waits for them within ctx.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every loop has returned or ctx ends.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return s.Err()
	}
}

func (s *Supervisor) setErr(err error) {
	if err == nil {
		return
	}
	s.errOnce.Do(func() { s.firstErr.Store(err) })
}
