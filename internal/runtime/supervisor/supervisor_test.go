package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoRecordsFirstError(t *testing.T) {
	t.Parallel()

	s := New(context.Background(), WithFailFast(true))
	s.Go("fails", func(ctx context.Context) error { return errors.New("boom") })
	s.Loop("waits", func(ctx context.Context) { <-ctx.Done() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if err == nil || err.Error() != "fails: boom" {
		t.Fatalf("Wait err=%v", err)
	}
}

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	s.Loop("panics", func(ctx context.Context) { panic("kaboom") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil {
		t.Fatalf("expected panic to surface as error")
	}
	if c := s.Counters(); c.Panics != 1 || c.Active != 0 {
		t.Fatalf("counters=%+v", c)
	}
}

func TestGoRestartRestartsUntilSuccess(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	s := New(context.Background())
	s.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, Policy{MinBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait err=%v", err)
	}
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs=%d want 3", got)
	}
	if c := s.Counters(); c.Restarts != 2 {
		t.Fatalf("restarts=%d want 2", c.Restarts)
	}
}

func TestStopIsBoundedByDeadline(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	defer close(block)
	s := New(context.Background())
	s.Loop("stubborn", func(ctx context.Context) { <-block })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Stop err=%v want deadline exceeded", err)
	}
}

func TestGoRestartGivesUp(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	s := New(context.Background(), WithFailFast(true))
	s.GoRestart("watch", func(ctx context.Context) error {
		runs.Add(1)
		panic("bad watcher")
	}, Policy{MinBackoff: time.Millisecond, MaxBackoff: time.Millisecond, GiveUpAfter: 2})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if err == nil || err.Error() != "watch: panic: bad watcher" {
		t.Fatalf("Wait err=%v", err)
	}
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs=%d want 3", got)
	}
	if c := s.Counters(); c.Restarts != 3 || c.Panics != 3 {
		t.Fatalf("counters=%+v", c)
	}
	if s.Context().Err() == nil {
		t.Fatalf("fail fast should cancel the shared context")
	}
}

func TestPolicyDefaults(t *testing.T) {
	t.Parallel()

	p := Policy{MinBackoff: time.Minute, MaxBackoff: time.Second}.withDefaults()
	if p.MaxBackoff != time.Minute || p.StableAfter != 30*time.Second {
		t.Fatalf("policy=%+v", p)
	}
	if d := jitter(time.Second); d < 0 || d >= 200*time.Millisecond {
		t.Fatalf("jitter=%v", d)
	}
	if d := jitter(3); d != 0 {
		t.Fatalf("jitter=%v", d)
	}
}
