package scheduler

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"plugsched/internal/apperr"
	"plugsched/internal/eventbus"
	"plugsched/internal/storage"
	"plugsched/internal/task/engine"
	"plugsched/internal/task/schedule"
	"plugsched/pkg/logx"
)

// Dispatcher turns due entries into pool submissions.
type Dispatcher struct {
	store storage.Store
	pool  Pool
	log   logx.Logger
	bus   eventbus.Bus

	submitWarn rate.Sometimes
}

func NewDispatcher(store storage.Store, pool Pool, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	return &Dispatcher{
		store:      store,
		pool:       pool,
		log:        log,
		bus:        bus,
		submitWarn: rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
}

func requestFor(def storage.TaskDefinition, source string) engine.Request {
	return engine.Request{
		Plugin:     def.PluginName,
		Params:     def.Parameters,
		Priority:   def.Priority,
		Timeout:    def.TimeoutDuration(),
		MaxRetries: def.MaxRetries,
		TaskID:     def.ID,
		Source:     source,
	}
}

// Trigger fires one due entry. Run bookkeeping is claimed with a CAS before
// submission, so an instance that loses the race never submits; a failed
// submission gives the claim back.
func (d *Dispatcher) Trigger(ctx context.Context, e *schedule.Entry, now time.Time) (string, error) {
	const op = "scheduler.dispatch"
	id := e.ID()
	fired := storage.Timestamp(now)
	prev := e.State()
	expected := prev.Persisted
	next := storage.Timestamp(e.NextRun(fired))

	won, err := d.store.CompareAndSwapRun(ctx, id, expected, storage.RunMarks{LastRun: &fired, NextRun: &next})
	if err != nil {
		if !apperr.Is(err, apperr.Persistence) && !apperr.Is(err, apperr.NotFound) {
			err = apperr.New(apperr.Persistence, op, err)
		}
		return "", err
	}
	if !won {
		// Another instance fired it. Skip this occurrence; the next poll
		// brings in the winner's marks.
		e.MarkFired(fired)
		d.log.Debug("dispatch race lost", logx.String("task", id), logx.Time("at", fired))
		d.publish(eventbus.TypeTaskRace, map[string]any{"task": id})
		return "", apperr.Newf(apperr.DispatchRace, op, "task %s: last_run moved", id)
	}
	e.MarkFired(fired)
	e.SetPersisted(&fired)

	def := e.Definition()
	handle, err := d.pool.Submit(ctx, requestFor(def, engine.SourceSchedule))
	if err != nil {
		d.giveBack(ctx, e, prev, fired)
		d.submitWarn.Do(func() {
			d.log.Warn("dispatch submit failed", logx.String("task", id), logx.String("plugin", def.PluginName), logx.Err(err))
		})
		return "", err
	}

	d.log.Debug("task fired",
		logx.String("task", id),
		logx.String("plugin", def.PluginName),
		logx.String("handle", handle),
		logx.Time("next_run", next),
	)
	d.publish(eventbus.TypeTaskFired, map[string]any{"task": id, "plugin": def.PluginName, "handle": handle, "next_run": next})
	return handle, nil
}

// giveBack reverts a claimed fire so the task is due again on the next tick.
func (d *Dispatcher) giveBack(ctx context.Context, e *schedule.Entry, prev schedule.RunState, fired time.Time) {
	marks := storage.RunMarks{LastRun: prev.Persisted}
	if prev.Persisted != nil {
		n := storage.Timestamp(e.NextRun(*prev.Persisted))
		marks.NextRun = &n
	}
	ok, err := d.store.CompareAndSwapRun(ctx, e.ID(), &fired, marks)
	if err != nil || !ok {
		d.log.Warn("dispatch rollback failed", logx.String("task", e.ID()), logx.Bool("won", ok), logx.Err(err))
	}
	e.Restore(prev)
}

// TriggerNow submits a plugin run outside any schedule.
func (d *Dispatcher) TriggerNow(ctx context.Context, pluginName string, params map[string]any, priority int) (string, error) {
	if priority == 0 {
		priority = storage.DefaultPriority
	}
	return d.pool.Submit(ctx, engine.Request{
		Plugin:   pluginName,
		Params:   params,
		Priority: priority,
		Source:   engine.SourceManual,
	})
}

func (d *Dispatcher) publish(typ string, data map[string]any) {
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}
