package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"

	"plugsched/internal/apperr"
	"plugsched/internal/storage"
	"plugsched/internal/task/engine"
	"plugsched/internal/task/schedule"
)

// AddTask validates and stores a new task definition and returns its id.
// The plugin must resolve and the schedule must parse.
func (s *Service) AddTask(ctx context.Context, def storage.TaskDefinition) (string, error) {
	const op = "scheduler.add_task"
	def.Normalize()
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if err := s.validate(op, def); err != nil {
		return "", err
	}
	if _, err := s.store.Get(ctx, def.ID); err == nil {
		return "", apperr.Newf(apperr.Configuration, op, "task %s already exists", def.ID)
	} else if !apperr.Is(err, apperr.NotFound) {
		return "", err
	}
	now := storage.Timestamp(s.now())
	def.CreatedAt, def.UpdatedAt = now, now
	if err := s.store.Put(ctx, def); err != nil {
		return "", err
	}
	s.rec.Poll(ctx)
	return def.ID, nil
}

// UpdateTask replaces the definition fields of an existing task. Run
// bookkeeping is kept.
func (s *Service) UpdateTask(ctx context.Context, def storage.TaskDefinition) error {
	const op = "scheduler.update_task"
	def.Normalize()
	if err := s.validate(op, def); err != nil {
		return err
	}
	cur, err := s.store.Get(ctx, def.ID)
	if err != nil {
		return err
	}
	def.CreatedAt = cur.CreatedAt
	def.UpdatedAt = storage.Timestamp(s.now())
	if err := s.store.Put(ctx, def); err != nil {
		return err
	}
	s.rec.Poll(ctx)
	return nil
}

func (s *Service) validate(op string, def storage.TaskDefinition) error {
	if def.PluginName != "" && s.plugins != nil && !s.plugins.Has(def.PluginName) {
		return apperr.Newf(apperr.Configuration, op, "unknown plugin %q", def.PluginName)
	}
	if err := def.Validate(); err != nil {
		return err
	}
	if _, err := schedule.ParseRule(def.ScheduleType, def.ScheduleConfig, s.rec.loc); err != nil {
		return err
	}
	return nil
}

// RemoveTask deletes a task. It reports whether the task existed.
func (s *Service) RemoveTask(ctx context.Context, id string) (bool, error) {
	ok, err := s.store.Delete(ctx, id)
	if err != nil {
		return false, err
	}
	if ok {
		s.rec.Poll(ctx)
	}
	return ok, nil
}

func (s *Service) EnableTask(ctx context.Context, id string) (bool, error) {
	return s.setEnabled(ctx, id, true)
}

func (s *Service) DisableTask(ctx context.Context, id string) (bool, error) {
	return s.setEnabled(ctx, id, false)
}

func (s *Service) setEnabled(ctx context.Context, id string, enabled bool) (bool, error) {
	def, err := s.store.Get(ctx, id)
	if apperr.Is(err, apperr.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if def.Enabled == enabled {
		return true, nil
	}
	def.Enabled = enabled
	def.UpdatedAt = storage.Timestamp(s.now())
	if err := s.store.Put(ctx, def); err != nil {
		return false, err
	}
	s.rec.Poll(ctx)
	return true, nil
}

// TriggerNow runs a plugin immediately, outside any schedule and without
// touching run bookkeeping.
func (s *Service) TriggerNow(ctx context.Context, pluginName string, params map[string]any, priority int) (string, error) {
	if s.plugins != nil && !s.plugins.Has(pluginName) {
		return "", apperr.Newf(apperr.Configuration, "scheduler.trigger", "unknown plugin %q", pluginName)
	}
	return s.disp.TriggerNow(ctx, pluginName, params, priority)
}

// TriggerTask runs a stored task immediately with its own parameters,
// even when it is disabled. Run bookkeeping is untouched.
func (s *Service) TriggerTask(ctx context.Context, id string) (string, error) {
	def, err := s.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return s.pool.Submit(ctx, requestFor(def, engine.SourceManual))
}

// GetStatus returns the execution record behind a handle.
func (s *Service) GetStatus(handle string) (engine.Record, error) {
	rec, ok := s.pool.Status(handle)
	if !ok {
		return engine.Record{}, apperr.Newf(apperr.NotFound, "scheduler.status", "unknown handle %q", handle)
	}
	return rec, nil
}

// CancelExecution cancels a queued execution. Started work is unaffected.
func (s *Service) CancelExecution(handle string) (bool, error) {
	return s.pool.Cancel(handle)
}

// ListTasks returns the last reconciled definitions and whether they may be
// out of date.
func (s *Service) ListTasks() ([]storage.TaskDefinition, bool) {
	return s.rec.Definitions(), s.rec.Stale()
}

func (s *Service) HealthCheck() Health {
	defs := s.rec.Definitions()
	h := Health{
		Status:           HealthOK,
		InstanceID:       s.config().InstanceID,
		TotalTasks:       len(defs),
		ScheduledTasks:   len(s.rec.Entries()),
		ActiveExecutions: s.pool.Active(),
		Stale:            s.rec.Stale(),
		LastPoll:         s.rec.LastGood(),
		Fired:            s.fired.Load(),
		Races:            s.races.Load(),
		Held:             s.held.Load(),
	}
	s.mu.Lock()
	h.Loop = s.sup.Counters()
	s.mu.Unlock()
	for _, d := range defs {
		if d.Enabled {
			h.EnabledTasks++
		}
	}
	switch {
	case !s.Running():
		h.Status = HealthStopped
	case h.Stale:
		h.Status = HealthDegraded
	}
	return h
}

// NextRuns previews the next n fire times of an active task.
func (s *Service) NextRuns(id string, n int) []time.Time {
	e, ok := s.rec.Entry(id)
	if !ok || n <= 0 {
		return nil
	}
	t := s.now()
	if last := e.LastRunAt(); last != nil {
		t = e.NextRun(*last)
	}
	out := make([]time.Time, 0, n)
	for len(out) < n {
		out = append(out, t)
		t = e.NextRun(t)
	}
	return out
}
