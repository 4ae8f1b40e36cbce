package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"plugsched/internal/apperr"
	logx "plugsched/pkg/logx"
)

// fileStore is a dependency-free backend on top of MemoryStore.
//
// Files:
//   - <prefix>.tasks.snapshot.json (periodic snapshot)
//   - <prefix>.tasks.journal.jsonl (append-only journal)
//
// Every mutation appends the resulting row to the journal; the journal is
// compacted into the snapshot every compactEvery writes and on Close.
type fileStore struct {
	log logx.Logger
	mem *MemoryStore

	mu           sync.Mutex
	snapshotPath string
	journal      *os.File
	writes       int
	compactEvery int
}

type journalRecord struct {
	Op  string          `json:"op"`
	ID  string          `json:"id,omitempty"`
	Def *TaskDefinition `json:"def,omitempty"`
}

const (
	opPut    = "put"
	opDelete = "delete"
)

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".tasks.snapshot.json"
	journalPath := prefix + ".tasks.journal.jsonl"

	rows := map[string]TaskDefinition{}
	if err := loadSnapshot(snapPath, rows); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	skipped, err := replayJournal(journalPath, rows)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if skipped > 0 {
		log.Warn("skipped corrupt journal records", logx.Int("count", skipped), logx.String("path", journalPath))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	mem := NewMemory()
	defs := make([]TaskDefinition, 0, len(rows))
	for _, d := range rows {
		defs = append(defs, d)
	}
	mem.replace(defs)

	return &fileStore{
		log:          log,
		mem:          mem,
		snapshotPath: snapPath,
		journal:      jf,
		compactEvery: 500,
	}, nil
}

func (s *fileStore) List(ctx context.Context) ([]TaskDefinition, error) { return s.mem.List(ctx) }

func (s *fileStore) Get(ctx context.Context, id string) (TaskDefinition, error) {
	return s.mem.Get(ctx, id)
}

func (s *fileStore) Put(ctx context.Context, def TaskDefinition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, err := s.mem.put(def)
	if err != nil {
		return err
	}
	return s.appendLocked(journalRecord{Op: opPut, Def: &row})
}

func (s *fileStore) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok, err := s.mem.Delete(ctx, id)
	if err != nil || !ok {
		return ok, err
	}
	return true, s.appendLocked(journalRecord{Op: opDelete, ID: id})
}

func (s *fileStore) CompareAndSwapRun(ctx context.Context, id string, expected *time.Time, marks RunMarks) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok, err := s.mem.cas(id, expected, marks)
	if err != nil || !ok {
		return ok, err
	}
	return true, s.appendLocked(journalRecord{Op: opPut, Def: &row})
}

func (s *fileStore) appendLocked(rec journalRecord) error {
	if s.journal == nil {
		return apperr.Newf(apperr.Persistence, "storage.file", "journal closed")
	}
	if err := json.NewEncoder(s.journal).Encode(rec); err != nil {
		return apperr.New(apperr.Persistence, "storage.file", err)
	}
	s.writes++
	if s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	defs, err := s.mem.List(context.Background())
	if err != nil {
		return err
	}
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(defs); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}

func loadSnapshot(path string, out map[string]TaskDefinition) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var defs []TaskDefinition
	if err := json.NewDecoder(f).Decode(&defs); err != nil {
		return err
	}
	for _, d := range defs {
		out[d.ID] = d
	}
	return nil
}

func replayJournal(path string, out map[string]TaskDefinition) (skipped int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			skipped++
			continue
		}
		switch r.Op {
		case opPut:
			if r.Def != nil && r.Def.ID != "" {
				out[r.Def.ID] = *r.Def
			}
		case opDelete:
			delete(out, r.ID)
		default:
			skipped++
		}
	}
	return skipped, sc.Err()
}
