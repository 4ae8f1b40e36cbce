package scheduler

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"plugsched/internal/eventbus"
	"plugsched/internal/storage"
	"plugsched/internal/task/schedule"
	"plugsched/pkg/logx"
)

// view is one reconciled state. Views are immutable and swapped whole.
type view struct {
	entries map[string]*schedule.Entry
	defs    []storage.TaskDefinition
	at      time.Time
}

// signals are the cheap change detectors checked before the fingerprint.
type signals struct {
	count     int
	ids       uint64
	maxUpdate time.Time
}

// Reconciler mirrors the enabled task definitions into schedule entries.
type Reconciler struct {
	store storage.Store
	loc   *time.Location
	log   logx.Logger
	bus   eventbus.Bus

	cur   atomic.Pointer[view]
	stale atomic.Bool

	// Poll state, guarded by mu.
	mu       sync.Mutex
	primed   bool
	sig      signals
	fp       uint64
	hashes   map[string]uint64
	disabled map[string]bool
	badRule  map[string]uint64
	warn     rate.Sometimes
}

func NewReconciler(store storage.Store, loc *time.Location, log logx.Logger, bus eventbus.Bus) *Reconciler {
	if loc == nil {
		loc = time.UTC
	}
	r := &Reconciler{
		store:    store,
		loc:      loc,
		log:      log,
		bus:      bus,
		hashes:   map[string]uint64{},
		disabled: map[string]bool{},
		badRule:  map[string]uint64{},
		warn:     rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}
	r.cur.Store(&view{entries: map[string]*schedule.Entry{}})
	return r
}

// Poll reads the store and rebuilds the schedule when it changed. A failed
// read keeps the last good schedule and marks it stale.
func (r *Reconciler) Poll(ctx context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	defs, err := r.store.List(ctx)
	if err != nil {
		if !r.stale.Swap(true) {
			r.publish(eventbus.TypeScheduleStale, map[string]any{"error": err.Error()})
		}
		r.warn.Do(func() {
			r.log.Warn("store poll failed; keeping last schedule", logx.Err(err))
		})
		return false
	}
	if r.stale.Swap(false) {
		r.log.Info("store poll recovered")
	}

	enabled := make([]storage.TaskDefinition, 0, len(defs))
	for _, d := range defs {
		if d.Enabled {
			enabled = append(enabled, d)
		}
	}
	sort.Slice(enabled, func(i, j int) bool { return enabled[i].ID < enabled[j].ID })

	prev := r.cur.Load()
	sig := signalsOf(enabled)
	fp, hashes := fingerprint(enabled)
	changed := !r.primed || sig != r.sig || fp != r.fp

	if !changed {
		r.trackDisabled(defs)
		r.cur.Store(&view{entries: prev.entries, defs: defs, at: time.Now()})
		return false
	}

	next := make(map[string]*schedule.Entry, len(enabled))
	var added, rebuilt, kept int
	for _, d := range enabled {
		h := hashes[d.ID]
		if e, ok := prev.entries[d.ID]; ok && r.hashes[d.ID] == h {
			next[d.ID] = e
			kept++
			continue
		}
		rule, err := schedule.ParseRule(d.ScheduleType, d.ScheduleConfig, r.loc)
		if err != nil {
			if r.badRule[d.ID] != h {
				r.badRule[d.ID] = h
				r.log.Error("task schedule rejected", logx.String("task", d.ID), logx.Err(err))
			}
			delete(hashes, d.ID)
			continue
		}
		delete(r.badRule, d.ID)
		seed := d.LastRun
		if r.disabled[d.ID] {
			// Coming back from disabled counts as a new task.
			seed = nil
		}
		if _, ok := prev.entries[d.ID]; ok {
			rebuilt++
		} else {
			added++
		}
		next[d.ID] = schedule.NewEntry(d, rule, seed)
	}
	removed := 0
	for id := range prev.entries {
		if _, ok := next[id]; !ok {
			removed++
		}
	}
	r.trackDisabled(defs)

	r.primed = true
	r.sig, r.fp, r.hashes = sig, fp, hashes
	r.cur.Store(&view{entries: next, defs: defs, at: time.Now()})

	if added+rebuilt+removed > 0 {
		r.log.Info("schedule rebuilt",
			logx.Int("entries", len(next)),
			logx.Int("added", added),
			logx.Int("rebuilt", rebuilt),
			logx.Int("removed", removed),
			logx.Int("kept", kept),
		)
		r.publish(eventbus.TypeScheduleRebuilt, map[string]any{"entries": len(next), "added": added, "rebuilt": rebuilt, "removed": removed})
	} else {
		r.log.Debug("schedule refreshed", logx.Int("entries", len(next)))
	}
	return true
}

// trackDisabled remembers ids seen disabled until they are seen enabled again.
// Ids no longer in the store are forgotten.
func (r *Reconciler) trackDisabled(defs []storage.TaskDefinition) {
	seen := make(map[string]struct{}, len(defs))
	for _, d := range defs {
		seen[d.ID] = struct{}{}
		if d.Enabled {
			delete(r.disabled, d.ID)
		} else {
			r.disabled[d.ID] = true
		}
	}
	for id := range r.disabled {
		if _, ok := seen[id]; !ok {
			delete(r.disabled, id)
		}
	}
}

func (r *Reconciler) publish(typ string, data map[string]any) {
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}

// Entries returns the active entries, highest priority first.
func (r *Reconciler) Entries() []*schedule.Entry {
	v := r.cur.Load()
	out := make([]*schedule.Entry, 0, len(v.entries))
	for _, e := range v.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority() != out[j].Priority() {
			return out[i].Priority() > out[j].Priority()
		}
		return out[i].ID() < out[j].ID()
	})
	return out
}

func (r *Reconciler) Entry(id string) (*schedule.Entry, bool) {
	e, ok := r.cur.Load().entries[id]
	return e, ok
}

// Definitions returns every definition from the last good poll.
func (r *Reconciler) Definitions() []storage.TaskDefinition {
	v := r.cur.Load()
	out := make([]storage.TaskDefinition, len(v.defs))
	for i, d := range v.defs {
		out[i] = d.Clone()
	}
	return out
}

func (r *Reconciler) Stale() bool { return r.stale.Load() }

// LastGood is when the last successful poll finished.
func (r *Reconciler) LastGood() time.Time { return r.cur.Load().at }

func signalsOf(enabled []storage.TaskDefinition) signals {
	h := fnv.New64a()
	s := signals{count: len(enabled)}
	for _, d := range enabled {
		_, _ = h.Write([]byte(d.ID))
		_, _ = h.Write([]byte{0})
		if d.UpdatedAt.After(s.maxUpdate) {
			s.maxUpdate = d.UpdatedAt
		}
	}
	s.ids = h.Sum64()
	return s
}

// fingerprint hashes every mutable field of the enabled set in id order.
// It also returns the per-definition hashes used to reuse unchanged entries.
func fingerprint(enabled []storage.TaskDefinition) (uint64, map[string]uint64) {
	all := fnv.New64a()
	per := make(map[string]uint64, len(enabled))
	for _, d := range enabled {
		h := defHash(d)
		per[d.ID] = h
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], h)
		_, _ = all.Write(b[:])
	}
	return all.Sum64(), per
}

func defHash(d storage.TaskDefinition) uint64 {
	h := fnv.New64a()
	str := func(s string) {
		_, _ = h.Write([]byte(s))
		_, _ = h.Write([]byte{0})
	}
	num := func(n int64) {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(n))
		_, _ = h.Write(b[:])
	}
	tm := func(t *time.Time) {
		if t == nil {
			num(-1)
			return
		}
		num(t.UnixMicro())
	}
	str(d.ID)
	str(d.Name)
	str(d.PluginName)
	str(string(d.ScheduleType))
	// json.Marshal sorts map keys, so equal maps hash equally.
	params, _ := json.Marshal(d.Parameters)
	str(string(params))
	cfg, _ := json.Marshal(d.ScheduleConfig)
	str(string(cfg))
	if d.Enabled {
		num(1)
	} else {
		num(0)
	}
	num(int64(d.Priority))
	num(int64(d.MaxRetries))
	num(int64(d.Timeout))
	tm(d.LastRun)
	tm(d.NextRun)
	updated := d.UpdatedAt
	tm(&updated)
	return h.Sum64()
}
