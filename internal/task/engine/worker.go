package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"plugsched/internal/apperr"
	"plugsched/internal/eventbus"
	"plugsched/internal/plugin"
	logx "plugsched/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queues [3]chan *queued, idx int) {
	rng := newRNG(idx)
	for {
		it, ok := next(ctx, stopCh, queues)
		if !ok {
			return
		}
		s.inFlight.Add(1)
		s.execOne(ctx, stopCh, it, rng)
		s.inFlight.Add(-1)
	}
}

// next takes the next item, preferring high over normal over low. A closed
// stopCh wins over queued work.
func next(ctx context.Context, stopCh <-chan struct{}, queues [3]chan *queued) (*queued, bool) {
	high, normal, low := queues[BandHigh], queues[BandNormal], queues[BandLow]
	select {
	case <-ctx.Done():
		return nil, false
	case <-stopCh:
		return nil, false
	default:
	}
	select {
	case it := <-high:
		return it, true
	default:
	}
	select {
	case it := <-high:
		return it, true
	case it := <-normal:
		return it, true
	default:
	}
	select {
	case <-ctx.Done():
		return nil, false
	case <-stopCh:
		return nil, false
	case it := <-high:
		return it, true
	case it := <-normal:
		return it, true
	case it := <-low:
		return it, true
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, it *queued, rng *rand.Rand) {
	start := time.Now()
	queueDelay := start.Sub(it.enqueuedAt)
	if queueDelay < 0 {
		queueDelay = 0
	}
	cfg := s.config()
	req := it.req
	log := s.log.With(logx.String("handle", it.handle), logx.String("plugin", req.Plugin))
	if req.TaskID != "" {
		log = log.With(logx.String("task_id", req.TaskID))
	}

	if _, ok := s.records.update(it.handle, func(rec *Record) bool {
		if rec.State != StateQueued {
			return false
		}
		rec.State = StateRunning
		rec.StartedAt = start
		return true
	}); !ok {
		log.Debug("execution skipped: no longer queued")
		return
	}

	if cfg.MaxQueueDelay > 0 && queueDelay > cfg.MaxQueueDelay {
		s.droppedStale.Add(1)
		err := fmt.Errorf("stale_queue_delay: waited %s", queueDelay.Round(time.Millisecond))
		s.finish(it, start, queueDelay, 0, plugin.Result{}, err)
		log.Warn("execution dropped: stale queue", logx.Duration("queue_delay", queueDelay))
		return
	}

	log.Debug("execution.started", logx.Duration("queue_delay", queueDelay))
	s.publish(eventbus.TypeExecutionStarted, ExecutionEvent{Handle: it.handle, Plugin: req.Plugin, TaskID: req.TaskID, State: StateRunning, QueueDelay: queueDelay})

	var (
		res      plugin.Result
		err      error
		attempts int
	)
	maxAttempts := 1 + req.MaxRetries
attemptLoop:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		s.records.update(it.handle, func(rec *Record) bool {
			rec.Attempts = attempt
			return true
		})

		res, err = s.attempt(ctx, req, it.timeout)
		if err == nil || attempt >= maxAttempts || !retryable(err, req) {
			break
		}

		delay := backoffDelayWithHint(cfg, attempt, err, rng)
		log.Debug("execution retry scheduled", logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			err = fmt.Errorf("%w: %v", ErrStopping, err)
			break attemptLoop
		case <-stopCh:
			tmr.Stop()
			err = fmt.Errorf("%w: %v", ErrStopping, err)
			break attemptLoop
		case <-tmr.C:
		}
	}
	if IsNoRetry(err) {
		var nr noRetryError
		if errors.As(err, &nr) {
			err = nr.err
		}
	}

	dur := time.Since(start)
	s.circuits.record(time.Now(), req.Plugin, cfg, err)
	s.finish(it, start, queueDelay, attempts, res, err)

	if err != nil {
		log.Warn("execution.failed", logx.Err(err), logx.String("kind", string(apperr.KindOf(err))), logx.Int("attempts", attempts), logx.Duration("dur", dur))
		return
	}
	if dur >= 750*time.Millisecond {
		log.Info("execution.finished", logx.Int("attempts", attempts), logx.Duration("dur", dur))
	} else {
		log.Debug("execution.finished", logx.Int("attempts", attempts), logx.Duration("dur", dur))
	}
}

// attempt runs one invocation under its own deadline. The deadline is
// enforced here, so a plugin that ignores ctx still yields a Timeout.
func (s *Service) attempt(parent context.Context, req Request, timeout time.Duration) (plugin.Result, error) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	type outcome struct {
		res plugin.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("execution.panic", logx.String("plugin", req.Plugin), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				done <- outcome{err: apperr.Newf(apperr.PluginExecution, "engine.execute", "panic: %v", r)}
			}
		}()
		res, err := s.exec.Execute(ctx, req.Plugin, req.Params)
		done <- outcome{res: res, err: err}
	}()

	timedOut := func() error {
		return apperr.Newf(apperr.Timeout, "engine.execute", "plugin %s exceeded %s", req.Plugin, timeout)
	}
	select {
	case o := <-done:
		if o.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && parent.Err() == nil {
			return o.res, timedOut()
		}
		return o.res, o.err
	case <-ctx.Done():
		if parent.Err() != nil {
			return plugin.Result{}, fmt.Errorf("%w: %v", ErrStopping, parent.Err())
		}
		return plugin.Result{}, timedOut()
	}
}

func (s *Service) finish(it *queued, start time.Time, queueDelay time.Duration, attempts int, res plugin.Result, err error) {
	state := stateFor(err)
	finished := time.Now()
	s.records.update(it.handle, func(rec *Record) bool {
		rec.State = state
		rec.Attempts = attempts
		rec.FinishedAt = finished
		if err != nil {
			rec.Error = err.Error()
			rec.ErrorKind = string(apperr.KindOf(err))
		} else {
			r := res
			rec.Result = &r
		}
		return true
	})

	ev := ExecutionEvent{
		Handle:     it.handle,
		Plugin:     it.req.Plugin,
		TaskID:     it.req.TaskID,
		State:      state,
		Attempts:   attempts,
		QueueDelay: queueDelay,
		Duration:   finished.Sub(start),
	}
	if err != nil {
		ev.Error = err.Error()
		s.publish(eventbus.TypeExecutionFailed, ev)
		return
	}
	s.publish(eventbus.TypeExecutionFinished, ev)
}

func backoffDelayWithHint(cfg Config, retry int, err error, rng *rand.Rand) time.Duration {
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d := ra.RetryAfter()
		if d > cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
		}
		return jitter(d, cfg, rng)
	}
	return backoffDelay(cfg, retry, rng)
}

func backoffDelay(cfg Config, retry int, rng *rand.Rand) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d > cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	return jitter(d, cfg, rng)
}

func jitter(d time.Duration, cfg Config, rng *rand.Rand) time.Duration {
	if cfg.RetryJitter > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * cfg.RetryJitter
		d = time.Duration(float64(d) * (1 + r))
	}
	if d < 0 {
		d = 0
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
