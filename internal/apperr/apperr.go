// Package apperr defines the error taxonomy shared by the store, the scheduler,
// the worker pool and the plugin runtime.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	// Configuration covers bad schedule config, unknown plugins and parameter
	// contract violations. Surfaced synchronously, never retried.
	Configuration Kind = "configuration"
	// Persistence means the store is unavailable. Transient.
	Persistence Kind = "persistence"
	// PluginLoad marks a plugin unhealthy until its files are fixed.
	PluginLoad Kind = "plugin_load"
	// PluginExecution wraps failures raised by a plugin body. Retried.
	PluginExecution Kind = "plugin_execution"
	// Timeout means an execution exceeded its declared timeout.
	Timeout Kind = "timeout"
	// DispatchRace means a CAS write on run bookkeeping was lost.
	DispatchRace Kind = "dispatch_race"
	NotFound     Kind = "not_found"
)

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds an error whose cause is a formatted message.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Is reports whether any error in err's chain is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}

// KindOf returns the outermost kind in err's chain, or "" when none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
