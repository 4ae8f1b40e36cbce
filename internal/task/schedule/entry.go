package schedule

import (
	"sync"
	"time"

	"plugsched/internal/storage"
)

// Entry is the in-memory schedule state of one enabled task.
//
// The definition snapshot and rule never change after construction; a new
// definition always produces a new Entry. Only the run marks move.
type Entry struct {
	def  storage.TaskDefinition
	rule Rule

	mu sync.Mutex
	// lastRunAt drives due computation; nil means never run.
	lastRunAt *time.Time
	// persisted is the last_run value the store is believed to hold and is
	// the expectation for the next CAS write.
	persisted *time.Time
}

// RunState is a copy of an entry's run marks.
type RunState struct {
	LastRunAt *time.Time
	Persisted *time.Time
}

// NewEntry builds an entry. lastRunAt seeds due computation; the persisted
// expectation always comes from the definition's stored last_run.
func NewEntry(def storage.TaskDefinition, rule Rule, lastRunAt *time.Time) *Entry {
	def = def.Clone()
	return &Entry{
		def:       def,
		rule:      rule,
		lastRunAt: copyTime(lastRunAt),
		persisted: copyTime(def.LastRun),
	}
}

func (e *Entry) ID() string { return e.def.ID }

// Definition returns a copy of the snapshot the entry was built from.
func (e *Entry) Definition() storage.TaskDefinition { return e.def.Clone() }

func (e *Entry) Rule() Rule { return e.rule }

func (e *Entry) Priority() int { return e.def.Priority }

func (e *Entry) Plugin() string { return e.def.PluginName }

func (e *Entry) LastRunAt() *time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return copyTime(e.lastRunAt)
}

// IsDue reports whether the task should fire at now. When it should not,
// untilNext holds the remaining wait.
func (e *Entry) IsDue(now time.Time) (due bool, untilNext *time.Duration) {
	e.mu.Lock()
	last := e.lastRunAt
	e.mu.Unlock()
	if last == nil {
		return true, nil
	}
	next := e.rule.Next(*last)
	if !now.Before(next) {
		return true, nil
	}
	d := next.Sub(now)
	return false, &d
}

// MarkFired records a fire at now and returns the next_run to persist.
func (e *Entry) MarkFired(now time.Time) time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := now
	e.lastRunAt = &t
	return e.rule.Next(now)
}

// NextRun is the next_run that MarkFired(now) would return.
func (e *Entry) NextRun(now time.Time) time.Time { return e.rule.Next(now) }

func (e *Entry) State() RunState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return RunState{LastRunAt: copyTime(e.lastRunAt), Persisted: copyTime(e.persisted)}
}

func (e *Entry) Restore(st RunState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastRunAt = copyTime(st.LastRunAt)
	e.persisted = copyTime(st.Persisted)
}

// Persisted is the CAS expectation for this entry.
func (e *Entry) Persisted() *time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return copyTime(e.persisted)
}

// SetPersisted records a successful CAS write of last_run.
func (e *Entry) SetPersisted(t *time.Time) {
	e.mu.Lock()
	e.persisted = copyTime(t)
	e.mu.Unlock()
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
