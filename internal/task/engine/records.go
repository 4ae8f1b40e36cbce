package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// recordStore keeps execution records for HistoryTTL. Transitions go through
// mu so a cancel can never race a worker picking the same handle up.
type recordStore struct {
	mu      sync.Mutex
	c       *cache.Cache
	waiters map[string]chan struct{}
}

func newRecordStore(ttl time.Duration) *recordStore {
	cleanup := ttl / 2
	if cleanup < time.Second {
		cleanup = time.Second
	}
	return &recordStore{c: cache.New(ttl, cleanup), waiters: map[string]chan struct{}{}}
}

func (r *recordStore) create(rec Record) {
	r.mu.Lock()
	r.c.SetDefault(rec.Handle, rec)
	r.waiters[rec.Handle] = make(chan struct{})
	r.mu.Unlock()
}

func (r *recordStore) discard(handle string) {
	r.mu.Lock()
	r.c.Delete(handle)
	if ch, ok := r.waiters[handle]; ok {
		close(ch)
		delete(r.waiters, handle)
	}
	r.mu.Unlock()
}

func (r *recordStore) get(handle string) (Record, bool) {
	v, ok := r.c.Get(handle)
	if !ok {
		return Record{}, false
	}
	rec, ok := v.(Record)
	return rec, ok
}

// update applies fn to the record when it exists. fn reports whether the
// change should be kept. Reaching a terminal state releases waiters.
func (r *recordStore) update(handle string, fn func(rec *Record) bool) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.get(handle)
	if !ok || !fn(&rec) {
		return rec, false
	}
	r.c.SetDefault(handle, rec)
	if rec.State.Terminal() {
		if ch, ok := r.waiters[handle]; ok {
			close(ch)
			delete(r.waiters, handle)
		}
	}
	return rec, true
}

// wait blocks until handle reaches a terminal state or ctx is done.
func (r *recordStore) wait(ctx context.Context, handle string) (Record, error) {
	r.mu.Lock()
	ch, pending := r.waiters[handle]
	r.mu.Unlock()
	if pending {
		select {
		case <-ch:
		case <-ctx.Done():
			return Record{}, ctx.Err()
		}
	}
	rec, ok := r.get(handle)
	if !ok {
		return Record{}, ErrUnknown
	}
	return rec, nil
}

// list returns the most recently queued records first.
func (r *recordStore) list(limit int) []Record {
	items := r.c.Items()
	out := make([]Record, 0, len(items))
	for _, it := range items {
		if rec, ok := it.Object.(Record); ok {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].QueuedAt.Equal(out[j].QueuedAt) {
			return out[i].QueuedAt.After(out[j].QueuedAt)
		}
		return out[i].Handle < out[j].Handle
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
