package engine

import (
	"strings"
	"sync"
	"time"

	"plugsched/internal/apperr"
)

// circuitState tracks consecutive failures for one plugin.
//   - success resets failures and closes the circuit
//   - once failures >= trip, the circuit opens for an exponentially growing cooldown
type circuitState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type circuitStore struct {
	mu sync.Mutex
	m  map[string]*circuitState
}

// getLocked requires s.mu.
func (s *circuitStore) getLocked(key string) *circuitState {
	k := strings.TrimSpace(key)
	if k == "" {
		return nil
	}
	if s.m == nil {
		s.m = make(map[string]*circuitState)
	}
	st := s.m[k]
	if st == nil {
		st = &circuitState{}
		s.m[k] = st
	}
	return st
}

func (s *circuitStore) resetIfQuietLocked(st *circuitState, now time.Time, cfg Config) {
	if !st.lastFailure.IsZero() && now.Sub(st.lastFailure) > cfg.CircuitResetAfter {
		st.fails = 0
		st.openUntil = time.Time{}
	}
}

func (s *circuitStore) isOpen(now time.Time, plugin string, cfg Config) (bool, time.Time) {
	if cfg.CircuitTripFailures < 0 {
		return false, time.Time{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.getLocked(plugin)
	if st == nil {
		return false, time.Time{}
	}
	s.resetIfQuietLocked(st, now, cfg)
	if !st.openUntil.IsZero() && now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

// record updates the breaker with the final outcome of an execution.
// Caller mistakes (bad parameters, disabled plugin) do not count as failures.
func (s *circuitStore) record(now time.Time, plugin string, cfg Config, err error) {
	if cfg.CircuitTripFailures < 0 || apperr.Is(err, apperr.Configuration) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.getLocked(plugin)
	if st == nil {
		return
	}
	s.resetIfQuietLocked(st, now, cfg)

	if err == nil {
		*st = circuitState{}
		return
	}
	st.fails++
	st.lastFailure = now
	if st.fails < cfg.CircuitTripFailures {
		return
	}
	d := cfg.CircuitBaseDelay
	for i := 0; i < st.fails-cfg.CircuitTripFailures; i++ {
		d *= 2
		if d >= cfg.CircuitMaxDelay {
			break
		}
	}
	if d > cfg.CircuitMaxDelay {
		d = cfg.CircuitMaxDelay
	}
	st.openUntil = now.Add(d)
}

func (s *circuitStore) snapshot(now time.Time) (total, open int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total = len(s.m)
	for _, st := range s.m {
		if !st.openUntil.IsZero() && now.Before(st.openUntil) {
			open++
		}
	}
	return total, open
}
