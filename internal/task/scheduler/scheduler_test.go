package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"plugsched/internal/apperr"
	"plugsched/internal/eventbus"
	"plugsched/internal/storage"
	"plugsched/internal/task/engine"
	"plugsched/pkg/logx"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

type fakePool struct {
	mu   sync.Mutex
	reqs []engine.Request
	fail error
}

func (p *fakePool) Submit(ctx context.Context, req engine.Request) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return "", p.fail
	}
	p.reqs = append(p.reqs, req)
	return fmt.Sprintf("h-%d", len(p.reqs)), nil
}

func (p *fakePool) Status(handle string) (engine.Record, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var n int
	if _, err := fmt.Sscanf(handle, "h-%d", &n); err != nil || n < 1 || n > len(p.reqs) {
		return engine.Record{}, false
	}
	return engine.Record{Handle: handle, Plugin: p.reqs[n-1].Plugin, State: engine.StateQueued}, true
}

func (p *fakePool) Cancel(handle string) (bool, error) { return false, nil }
func (p *fakePool) Active() int                        { return 0 }

func (p *fakePool) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.reqs)
}

func (p *fakePool) last() engine.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reqs[len(p.reqs)-1]
}

// pluginSet maps known plugin names to their load health.
type pluginSet map[string]bool

func (s pluginSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

func (s pluginSet) Healthy(name string) bool { return s[name] }

func newService(t *testing.T, store storage.Store, pool Pool) *Service {
	t.Helper()
	return newServiceWith(t, store, pool, pluginSet{"echo": true, "sleep": true})
}

func newServiceWith(t *testing.T, store storage.Store, pool Pool, plugins Plugins) *Service {
	t.Helper()
	s, err := New(Config{PollInterval: -1, Timezone: "UTC"}, store, pool, plugins, logx.Nop(), eventbus.New())
	require.NoError(t, err)
	s.now = func() time.Time { return t0 }
	return s
}

func intervalTask(id string, secs int) storage.TaskDefinition {
	return storage.TaskDefinition{
		ID:             id,
		PluginName:     "echo",
		Parameters:     map[string]any{"message": id},
		ScheduleType:   storage.ScheduleInterval,
		ScheduleConfig: map[string]any{"interval_seconds": float64(secs)},
		Enabled:        true,
	}
}

func mustGet(t *testing.T, st storage.Store, id string) storage.TaskDefinition {
	t.Helper()
	d, err := st.Get(context.Background(), id)
	require.NoError(t, err)
	return d
}

func TestIntervalTaskEndToEnd(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	pool := &fakePool{}
	s := newService(t, store, pool)

	id, err := s.AddTask(ctx, intervalTask("t1", 60))
	require.NoError(t, err)

	assert.Equal(t, 1, s.Tick(ctx, t0), "never-run task is due immediately")
	assert.Equal(t, 0, s.Tick(ctx, t0.Add(30*time.Second)))
	assert.Equal(t, 1, s.Tick(ctx, t0.Add(60*time.Second)))

	req := pool.last()
	assert.Equal(t, "echo", req.Plugin)
	assert.Equal(t, id, req.TaskID)
	assert.Equal(t, engine.SourceSchedule, req.Source)
	assert.Equal(t, storage.DefaultPriority, req.Priority)

	def := mustGet(t, store, id)
	require.NotNil(t, def.LastRun)
	require.NotNil(t, def.NextRun)
	assert.True(t, def.LastRun.Equal(t0.Add(60*time.Second)))
	assert.True(t, def.NextRun.Equal(t0.Add(120*time.Second)))

	// A fresh process resumes from the persisted last_run.
	pool2 := &fakePool{}
	s2 := newService(t, store, pool2)
	assert.Equal(t, 0, s2.Tick(ctx, t0.Add(61*time.Second)))
	assert.Equal(t, 1, s2.Tick(ctx, t0.Add(120*time.Second)))
}

func TestReenableResetsLastRun(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	pool := &fakePool{}
	s := newService(t, store, pool)
	_, err := s.AddTask(ctx, intervalTask("t1", 3600))
	require.NoError(t, err)
	require.Equal(t, 1, s.Tick(ctx, t0))

	ok, err := s.DisableTask(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, s.Tick(ctx, t0.Add(time.Second)))
	assert.Empty(t, s.Reconciler().Entries(), "disabled tasks are never scheduled")

	ok, err = s.EnableTask(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, s.Tick(ctx, t0.Add(2*time.Second)), "re-enabled task counts as new")
	assert.Equal(t, 0, s.Tick(ctx, t0.Add(3*time.Second)))
	assert.True(t, mustGet(t, store, "t1").LastRun.Equal(t0.Add(2*time.Second)))

	ok, err = s.EnableTask(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeletedTasksLeaveNoDisabledMark(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	s := newService(t, store, &fakePool{})
	for _, id := range []string{"t1", "t2"} {
		_, err := s.AddTask(ctx, intervalTask(id, 60))
		require.NoError(t, err)
		_, err = s.DisableTask(ctx, id)
		require.NoError(t, err)
	}
	rec := s.Reconciler()
	rec.Poll(ctx)
	require.Len(t, rec.disabled, 2)

	ok, err := s.RemoveTask(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	rec.Poll(ctx)
	assert.Equal(t, map[string]bool{"t2": true}, rec.disabled)

	_, err = s.RemoveTask(ctx, "t2")
	require.NoError(t, err)
	rec.Poll(ctx)
	assert.Empty(t, rec.disabled)
}

func TestEditsAreDetected(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	pool := &fakePool{}
	s := newService(t, store, pool)
	_, err := s.AddTask(ctx, intervalTask("t1", 60))
	require.NoError(t, err)
	require.Equal(t, 1, s.Tick(ctx, t0))

	def := mustGet(t, store, "t1")
	def.ScheduleConfig = map[string]any{"interval_seconds": 10.0}
	require.NoError(t, s.UpdateTask(ctx, def))
	assert.Equal(t, 1, s.Tick(ctx, t0.Add(10*time.Second)), "new interval applies from the persisted last_run")

	// An edit that leaves updated_at alone is still caught by the fingerprint.
	def = mustGet(t, store, "t1")
	def.Parameters = map[string]any{"message": "changed"}
	require.NoError(t, store.Put(ctx, def))
	s.Tick(ctx, t0.Add(11*time.Second))
	e, ok := s.Reconciler().Entry("t1")
	require.True(t, ok)
	assert.Equal(t, "changed", e.Definition().Parameters["message"])
}

func TestUnchangedEntriesAreReused(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	s := newService(t, store, &fakePool{})
	_, err := s.AddTask(ctx, intervalTask("a", 60))
	require.NoError(t, err)
	_, err = s.AddTask(ctx, intervalTask("b", 60))
	require.NoError(t, err)

	a1, _ := s.Reconciler().Entry("a")
	def := mustGet(t, store, "b")
	def.Priority = 9
	require.NoError(t, s.UpdateTask(ctx, def))
	a2, _ := s.Reconciler().Entry("a")
	b2, _ := s.Reconciler().Entry("b")
	assert.Same(t, a1, a2)
	assert.Equal(t, 9, b2.Priority())
	assert.False(t, s.Reconciler().Poll(ctx), "no change, no rebuild")
}

func TestStoreFailureKeepsSchedule(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	pool := &fakePool{}
	s := newService(t, store, pool)
	_, err := s.AddTask(ctx, intervalTask("t1", 60))
	require.NoError(t, err)
	require.Equal(t, 1, s.Tick(ctx, t0))
	s.running.Store(true)

	store.FailList(errors.New("connection refused"))
	assert.Equal(t, 1, s.Tick(ctx, t0.Add(60*time.Second)), "last good schedule keeps running")
	defs, stale := s.ListTasks()
	assert.True(t, stale)
	assert.Len(t, defs, 1)
	assert.Equal(t, HealthDegraded, s.HealthCheck().Status)

	store.FailList(nil)
	s.Tick(ctx, t0.Add(61*time.Second))
	_, stale = s.ListTasks()
	assert.False(t, stale)
	h := s.HealthCheck()
	assert.Equal(t, HealthOK, h.Status)
	assert.Equal(t, 1, h.TotalTasks)
	assert.Equal(t, 1, h.EnabledTasks)
}

func TestSharedStoreFiresOnce(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	poolA, poolB := &fakePool{}, &fakePool{}
	a := newService(t, store, poolA)
	b := newService(t, store, poolB)
	_, err := a.AddTask(ctx, intervalTask("t1", 60))
	require.NoError(t, err)
	b.Reconciler().Poll(ctx)

	assert.Equal(t, 1, a.Tick(ctx, t0))
	assert.Equal(t, 0, b.Tick(ctx, t0), "loser of the CAS does not submit")
	assert.Equal(t, 0, b.Tick(ctx, t0.Add(time.Second)))
	assert.Equal(t, 1, poolA.count()+poolB.count())

	// The next occurrence goes to whoever claims it first.
	assert.Equal(t, 1, b.Tick(ctx, t0.Add(60*time.Second)))
	assert.Equal(t, 0, a.Tick(ctx, t0.Add(60*time.Second)))
	assert.Equal(t, 2, poolA.count()+poolB.count())
}

func TestDispatchRaceError(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	s := newService(t, store, &fakePool{})
	_, err := s.AddTask(ctx, intervalTask("t1", 60))
	require.NoError(t, err)
	e, ok := s.Reconciler().Entry("t1")
	require.True(t, ok)

	other := t0.Add(-time.Minute)
	won, err := store.CompareAndSwapRun(ctx, "t1", nil, storage.RunMarks{LastRun: &other})
	require.NoError(t, err)
	require.True(t, won)

	_, err = s.disp.Trigger(ctx, e, t0)
	assert.True(t, apperr.Is(err, apperr.DispatchRace))
}

func TestSubmitFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	pool := &fakePool{fail: engine.ErrQueueFull}
	s := newService(t, store, pool)
	_, err := s.AddTask(ctx, intervalTask("t1", 60))
	require.NoError(t, err)

	assert.Equal(t, 0, s.Tick(ctx, t0))
	assert.Nil(t, mustGet(t, store, "t1").LastRun, "bookkeeping reverted")

	pool.fail = nil
	assert.Equal(t, 1, s.Tick(ctx, t0.Add(time.Second)), "task retried on the next tick")
}

func TestUnhealthyPluginIsHeld(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	pool := &fakePool{}
	plugins := pluginSet{"echo": true, "broken": false}
	s := newServiceWith(t, store, pool, plugins)

	def := intervalTask("t1", 60)
	def.PluginName = "broken"
	_, err := s.AddTask(ctx, def)
	require.NoError(t, err)

	assert.Equal(t, 0, s.Tick(ctx, t0))
	assert.Equal(t, 0, pool.count(), "nothing submitted for a plugin that failed to load")
	stored := mustGet(t, store, "t1")
	assert.Nil(t, stored.LastRun)
	assert.Nil(t, stored.NextRun)
	assert.Equal(t, uint64(1), s.HealthCheck().Held)

	plugins["broken"] = true
	assert.Equal(t, 1, s.Tick(ctx, t0.Add(time.Second)), "fires as soon as the plugin loads")
	assert.Equal(t, "broken", pool.last().Plugin)
}

func TestTriggerBypassesSchedule(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	pool := &fakePool{}
	s := newService(t, store, pool)
	def := intervalTask("t1", 60)
	def.Enabled = false
	_, err := s.AddTask(ctx, def)
	require.NoError(t, err)

	h, err := s.TriggerNow(ctx, "echo", map[string]any{"message": "now"}, 9)
	require.NoError(t, err)
	rec, err := s.GetStatus(h)
	require.NoError(t, err)
	assert.Equal(t, "echo", rec.Plugin)
	assert.Equal(t, engine.SourceManual, pool.last().Source)
	assert.Equal(t, 9, pool.last().Priority)

	_, err = s.TriggerTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", pool.last().TaskID)
	assert.Nil(t, mustGet(t, store, "t1").LastRun, "manual runs leave bookkeeping alone")

	_, err = s.TriggerNow(ctx, "nope", nil, 0)
	assert.True(t, apperr.Is(err, apperr.Configuration))
	_, err = s.GetStatus("h-99")
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

func TestAddTaskValidation(t *testing.T) {
	ctx := context.Background()
	s := newService(t, storage.NewMemory(), &fakePool{})

	bad := intervalTask("x", 60)
	bad.PluginName = "missing"
	_, err := s.AddTask(ctx, bad)
	assert.True(t, apperr.Is(err, apperr.Configuration))

	bad = intervalTask("x", 60)
	bad.ScheduleType = storage.ScheduleCron
	bad.ScheduleConfig = map[string]any{"cron": "not a cron"}
	_, err = s.AddTask(ctx, bad)
	assert.True(t, apperr.Is(err, apperr.Configuration))

	noID := intervalTask("", 60)
	id, err := s.AddTask(ctx, noID)
	require.NoError(t, err)
	assert.Len(t, id, 36)

	_, err = s.AddTask(ctx, intervalTask(id, 60))
	assert.True(t, apperr.Is(err, apperr.Configuration), "duplicate id")

	removed, err := s.RemoveTask(ctx, id)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Empty(t, s.Reconciler().Entries())
}

func TestExportImportPreservesDueTimes(t *testing.T) {
	ctx := context.Background()
	src := storage.NewMemory()
	s := newService(t, src, &fakePool{})
	_, err := s.AddTask(ctx, intervalTask("a", 60))
	require.NoError(t, err)
	cron := intervalTask("b", 0)
	cron.ScheduleType = storage.ScheduleCron
	cron.ScheduleConfig = map[string]any{"cron": "*/5 * * * *"}
	_, err = s.AddTask(ctx, cron)
	require.NoError(t, err)
	require.Equal(t, 2, s.Tick(ctx, t0.Add(90*time.Second)))

	var buf bytes.Buffer
	n, err := storage.Export(ctx, src, &buf)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	dst := storage.NewMemory()
	_, err = storage.Import(ctx, dst, &buf)
	require.NoError(t, err)

	s2 := newService(t, dst, &fakePool{})
	s2.Reconciler().Poll(ctx)
	for _, id := range []string{"a", "b"} {
		want, got := s.NextRuns(id, 3), s2.NextRuns(id, 3)
		require.Len(t, got, 3, id)
		for i := range want {
			assert.True(t, want[i].Equal(got[i]), "%s[%d]: %v != %v", id, i, want[i], got[i])
		}
	}
	at := t0.Add(150 * time.Second)
	for _, id := range []string{"a", "b"} {
		e1, _ := s.Reconciler().Entry(id)
		e2, _ := s2.Reconciler().Entry(id)
		d1, _ := e1.IsDue(at)
		d2, _ := e2.IsDue(at)
		assert.Equal(t, d1, d2, id)
	}
}

func TestDefinitionHashSeesEveryField(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		last := t0.Add(time.Duration(rapid.IntRange(0, 1000).Draw(t, "last")) * time.Second)
		def := storage.TaskDefinition{
			ID:             rapid.StringMatching(`[a-z]{1,8}`).Draw(t, "id"),
			Name:           rapid.StringMatching(`[a-z]{0,8}`).Draw(t, "name"),
			PluginName:     "echo",
			Parameters:     map[string]any{"n": float64(rapid.IntRange(0, 100).Draw(t, "param"))},
			ScheduleType:   storage.ScheduleInterval,
			ScheduleConfig: map[string]any{"interval_seconds": float64(rapid.IntRange(1, 3600).Draw(t, "every"))},
			Enabled:        true,
			Priority:       rapid.IntRange(1, 10).Draw(t, "prio"),
			MaxRetries:     rapid.IntRange(0, 5).Draw(t, "retries"),
			Timeout:        rapid.IntRange(0, 600).Draw(t, "timeout"),
			LastRun:        &last,
			UpdatedAt:      t0,
		}
		base := defHash(def)
		if base != defHash(def.Clone()) {
			t.Fatalf("hash is not deterministic")
		}
		mut := def.Clone()
		switch rapid.IntRange(0, 8).Draw(t, "field") {
		case 0:
			mut.Name += "x"
		case 1:
			mut.PluginName = "sleep"
		case 2:
			mut.Parameters["n"] = mut.Parameters["n"].(float64) + 1
		case 3:
			mut.ScheduleConfig["interval_seconds"] = mut.ScheduleConfig["interval_seconds"].(float64) + 1
		case 4:
			mut.Priority = mut.Priority%10 + 1
		case 5:
			mut.MaxRetries++
		case 6:
			mut.Timeout++
		case 7:
			l := last.Add(time.Second)
			mut.LastRun = &l
		case 8:
			mut.UpdatedAt = mut.UpdatedAt.Add(time.Microsecond)
		}
		if defHash(mut) == base {
			t.Fatalf("mutation not reflected in hash: %+v", mut)
		}
	})
}
