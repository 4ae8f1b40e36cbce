package engine

import (
	"errors"
	"fmt"
	"time"

	"plugsched/internal/apperr"
)

var (
	ErrStopped     = errors.New("worker pool stopped")
	ErrStopping    = errors.New("worker pool stopping")
	ErrQueueFull   = errors.New("worker pool queue full")
	ErrCircuitOpen = errors.New("plugin skipped: circuit breaker open")
	ErrUnknown     = errors.New("unknown execution handle")
)

// NoRetry marks an error as non-retryable.
//
//	return engine.NoRetry(fmt.Errorf("bad input: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter attaches a suggested delay before the next attempt. The hint is
// bounded by RetryMaxDelay and still jittered.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

// retryable decides whether a failed attempt gets another try.
func retryable(err error, req Request) bool {
	switch {
	case err == nil, IsNoRetry(err):
		return false
	case apperr.Is(err, apperr.Timeout):
		return req.RetryOnTimeout
	case apperr.Is(err, apperr.Configuration), apperr.Is(err, apperr.PluginLoad):
		return false
	}
	return true
}

func stateFor(err error) State {
	switch {
	case err == nil:
		return StateSuccess
	case apperr.Is(err, apperr.Timeout):
		return StateTimeout
	default:
		return StateFailed
	}
}
