package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps definitions in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	defs map[string]TaskDefinition

	// failErr, when set, is returned by List. Tests use it to simulate an
	// unavailable store.
	failErr error
}

func NewMemory() *MemoryStore {
	return &MemoryStore{defs: map[string]TaskDefinition{}}
}

// FailList makes subsequent List calls fail with err until cleared with nil.
func (m *MemoryStore) FailList(err error) {
	m.mu.Lock()
	m.failErr = err
	m.mu.Unlock()
}

func (m *MemoryStore) List(ctx context.Context) ([]TaskDefinition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failErr != nil {
		return nil, m.failErr
	}
	out := make([]TaskDefinition, 0, len(m.defs))
	for _, d := range m.defs {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (TaskDefinition, error) {
	if err := ctx.Err(); err != nil {
		return TaskDefinition{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.defs[id]
	if !ok {
		return TaskDefinition{}, notFound("storage.get", id)
	}
	return d.Clone(), nil
}

func (m *MemoryStore) Put(ctx context.Context, def TaskDefinition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := m.put(def)
	return err
}

// put applies def and returns the stored row.
func (m *MemoryStore) put(def TaskDefinition) (TaskDefinition, error) {
	def = def.Clone()
	def.Normalize()
	if err := def.Validate(); err != nil {
		return TaskDefinition{}, err
	}
	now := Timestamp(time.Now())
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.defs[def.ID]; ok {
		def.LastRun, def.NextRun = old.LastRun, old.NextRun
		def.CreatedAt = old.CreatedAt
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	if def.UpdatedAt.IsZero() {
		def.UpdatedAt = now
	}
	m.defs[def.ID] = def
	return def.Clone(), nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.defs[id]; !ok {
		return false, nil
	}
	delete(m.defs, id)
	return true, nil
}

func (m *MemoryStore) CompareAndSwapRun(ctx context.Context, id string, expected *time.Time, marks RunMarks) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, ok, err := m.cas(id, expected, marks)
	return ok, err
}

func (m *MemoryStore) cas(id string, expected *time.Time, marks RunMarks) (TaskDefinition, bool, error) {
	marks = RunMarks{LastRun: normPtr(marks.LastRun), NextRun: normPtr(marks.NextRun)}
	if err := validRun("storage.cas", id, marks); err != nil {
		return TaskDefinition{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.defs[id]
	if !ok || !sameRun(d.LastRun, normPtr(expected)) {
		return TaskDefinition{}, false, nil
	}
	d.LastRun, d.NextRun = marks.LastRun, marks.NextRun
	m.defs[id] = d
	return d.Clone(), true, nil
}

// replace installs rows as-is, bypassing bookkeeping preservation.
func (m *MemoryStore) replace(defs []TaskDefinition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defs = make(map[string]TaskDefinition, len(defs))
	for _, d := range defs {
		m.defs[d.ID] = d.Clone()
	}
}

func (m *MemoryStore) Close() error { return nil }
