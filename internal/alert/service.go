// Package alert forwards failed and timed-out executions to Telegram chats.
package alert

import (
	"context"
	"fmt"
	"hash/fnv"
	"html"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"plugsched/internal/eventbus"
	rtsup "plugsched/internal/runtime/supervisor"
	"plugsched/internal/task/engine"
	logx "plugsched/pkg/logx"
)

// Config controls alert delivery.
type Config struct {
	ChatIDs  []int64
	ThreadID int
	// RatePerMinute bounds sends across all chats. Default 20.
	RatePerMinute int
	// DedupWindow suppresses repeats of the same plugin/task/error. Default 1m.
	DedupWindow time.Duration
	QueueSize   int
	RetryMax    int
	RetryBase   time.Duration
}

func (c Config) withDefaults() Config {
	if c.RatePerMinute <= 0 {
		c.RatePerMinute = 20
	}
	if c.DedupWindow == 0 {
		c.DedupWindow = time.Minute
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	} else if c.RetryMax == 0 {
		c.RetryMax = 2
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	return c
}

// Service subscribes to execution events and sends one message per failure.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	sender  Sender
	log     logx.Logger
	bus     eventbus.Bus
	limiter *rate.Limiter
	sup     *rtsup.Supervisor

	dmu   sync.Mutex
	dedup map[string]time.Time

	sent, suppressed, failed int
}

func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	per := time.Minute / time.Duration(cfg.RatePerMinute)
	return &Service{
		cfg:     cfg,
		sender:  sender,
		log:     log,
		bus:     bus,
		limiter: rate.NewLimiter(rate.Every(per), cfg.RatePerMinute),
		dedup:   map[string]time.Time{},
	}
}

// Start is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || s.bus == nil || s.sender == nil {
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	events, unsub := s.bus.Subscribe(s.cfg.QueueSize, eventbus.TypeExecutionFailed)
	s.sup.Loop("alert.deliver", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				ev, ok := e.Data.(engine.ExecutionEvent)
				if !ok || (ev.State != engine.StateFailed && ev.State != engine.StateTimeout) {
					continue
				}
				s.deliver(c, ev, e.Time)
			}
		}
	})
	s.log.Info("alerts started", logx.Int("chats", len(s.cfg.ChatIDs)), logx.Int("rate_per_minute", s.cfg.RatePerMinute))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup != nil {
		_ = sup.Stop(ctx)
	}
}

// Counts reports sent, suppressed (dedup) and failed alerts.
func (s *Service) Counts() (sent, suppressed, failed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent, s.suppressed, s.failed
}

func (s *Service) deliver(ctx context.Context, ev engine.ExecutionEvent, at time.Time) {
	if !s.allow(dedupKey(ev), at) {
		s.count(&s.suppressed)
		s.log.Debug("alert suppressed", logx.String("plugin", ev.Plugin), logx.String("task_id", ev.TaskID))
		return
	}
	text := Format(ev, at)
	for _, chat := range s.cfg.ChatIDs {
		if err := s.sendWithRetry(ctx, chat, text); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.count(&s.failed)
			s.log.Warn("alert send failed", logx.Int64("chat_id", chat), logx.Err(err))
			continue
		}
		s.count(&s.sent)
	}
}

func (s *Service) count(n *int) {
	s.mu.Lock()
	*n++
	s.mu.Unlock()
}

func (s *Service) sendWithRetry(ctx context.Context, chat int64, text string) error {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.RetryMax; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(retryDelay(s.cfg.RetryBase, attempt))
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := s.sender.SendText(cctx, chat, s.cfg.ThreadID, text)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return lastErr
}

// allow reports whether key is outside its suppression window and opens a
// new window when it is.
func (s *Service) allow(key string, now time.Time) bool {
	if s.cfg.DedupWindow < 0 {
		return true
	}
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	s.dedup[key] = now.Add(s.cfg.DedupWindow)
	return true
}

func dedupKey(ev engine.ExecutionEvent) string {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%s|%s|%s|%s", ev.Plugin, ev.TaskID, ev.State, ev.Error)
	return fmt.Sprintf("%x", h.Sum64())
}

// Format renders an execution failure as Telegram HTML.
func Format(ev engine.ExecutionEvent, at time.Time) string {
	var b strings.Builder
	icon := "❌"
	if ev.State == engine.StateTimeout {
		icon = "⏱"
	}
	fmt.Fprintf(&b, "%s <b>%s</b> %s\n", icon, html.EscapeString(ev.Plugin), ev.State)
	if ev.TaskID != "" {
		fmt.Fprintf(&b, "task: <code>%s</code>\n", html.EscapeString(ev.TaskID))
	}
	fmt.Fprintf(&b, "handle: <code>%s</code>\n", html.EscapeString(ev.Handle))
	fmt.Fprintf(&b, "attempts: %d, took %s\n", ev.Attempts, ev.Duration.Round(time.Millisecond))
	if ev.Error != "" {
		msg := ev.Error
		if r := []rune(msg); len(r) > 1500 {
			msg = string(r[:1500]) + "…"
		}
		fmt.Fprintf(&b, "<pre>%s</pre>\n", html.EscapeString(msg))
	}
	b.WriteString(at.UTC().Format(time.RFC3339))
	return b.String()
}

// retryDelay is base * 2^(attempt-1) with 0.7-1.3 jitter.
func retryDelay(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	j := 0.7 + rand.Float64()*0.6
	return time.Duration(float64(d) * j)
}
