package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"plugsched/internal/apperr"
	logx "plugsched/pkg/logx"
)

// sqlStore implements Store over database/sql. Timestamps are stored as unix
// microseconds so CAS comparisons are exact on every engine.
type sqlStore struct {
	db      *sql.DB
	log     logx.Logger
	dialect string // "sqlite" or "postgres"
}

const taskColumns = `id, name, plugin_name, parameters, schedule_type, schedule_config, enabled, priority, max_retries, timeout, last_run, next_run, created_at, updated_at`

func (s *sqlStore) q(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	return rebindDollar(query)
}

// rebindDollar rewrites ? placeholders to $1, $2, ...
func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) List(ctx context.Context) ([]TaskDefinition, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+taskColumns+` FROM task_definitions ORDER BY id`))
	if err != nil {
		return nil, apperr.New(apperr.Persistence, "storage.list", err)
	}
	defer rows.Close()

	var out []TaskDefinition
	for rows.Next() {
		d, err := scanTask(rows)
		if err != nil {
			return nil, apperr.New(apperr.Persistence, "storage.list", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.New(apperr.Persistence, "storage.list", err)
	}
	return out, nil
}

func (s *sqlStore) Get(ctx context.Context, id string) (TaskDefinition, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+taskColumns+` FROM task_definitions WHERE id = ?`), id)
	d, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return TaskDefinition{}, notFound("storage.get", id)
	}
	if err != nil {
		return TaskDefinition{}, apperr.New(apperr.Persistence, "storage.get", err)
	}
	return d, nil
}

func (s *sqlStore) Put(ctx context.Context, def TaskDefinition) error {
	def = def.Clone()
	def.Normalize()
	if err := def.Validate(); err != nil {
		return err
	}
	params, err := json.Marshal(def.Parameters)
	if err != nil {
		return apperr.New(apperr.Configuration, "storage.put", err)
	}
	sched, err := json.Marshal(def.ScheduleConfig)
	if err != nil {
		return apperr.New(apperr.Configuration, "storage.put", err)
	}
	now := Timestamp(time.Now())
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	if def.UpdatedAt.IsZero() {
		def.UpdatedAt = now
	}

	// Existing rows keep created_at and their run bookkeeping.
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO task_definitions(`+taskColumns+`)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			plugin_name = excluded.plugin_name,
			parameters = excluded.parameters,
			schedule_type = excluded.schedule_type,
			schedule_config = excluded.schedule_config,
			enabled = excluded.enabled,
			priority = excluded.priority,
			max_retries = excluded.max_retries,
			timeout = excluded.timeout,
			updated_at = excluded.updated_at`),
		def.ID, def.Name, def.PluginName, string(params), string(def.ScheduleType), string(sched),
		def.Enabled, def.Priority, def.MaxRetries, def.Timeout,
		micros(def.LastRun), micros(def.NextRun), def.CreatedAt.UnixMicro(), def.UpdatedAt.UnixMicro(),
	)
	if err != nil {
		return apperr.New(apperr.Persistence, "storage.put", err)
	}
	return nil
}

func (s *sqlStore) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM task_definitions WHERE id = ?`), id)
	if err != nil {
		return false, apperr.New(apperr.Persistence, "storage.delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperr.New(apperr.Persistence, "storage.delete", err)
	}
	return n > 0, nil
}

func (s *sqlStore) CompareAndSwapRun(ctx context.Context, id string, expected *time.Time, marks RunMarks) (bool, error) {
	marks = RunMarks{LastRun: normPtr(marks.LastRun), NextRun: normPtr(marks.NextRun)}
	if err := validRun("storage.cas", id, marks); err != nil {
		return false, err
	}
	var (
		res sql.Result
		err error
	)
	if exp := normPtr(expected); exp == nil {
		res, err = s.db.ExecContext(ctx, s.q(`UPDATE task_definitions SET last_run = ?, next_run = ? WHERE id = ? AND last_run IS NULL`),
			micros(marks.LastRun), micros(marks.NextRun), id)
	} else {
		res, err = s.db.ExecContext(ctx, s.q(`UPDATE task_definitions SET last_run = ?, next_run = ? WHERE id = ? AND last_run = ?`),
			micros(marks.LastRun), micros(marks.NextRun), id, exp.UnixMicro())
	}
	if err != nil {
		return false, apperr.New(apperr.Persistence, "storage.cas", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperr.New(apperr.Persistence, "storage.cas", err)
	}
	return n == 1, nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (TaskDefinition, error) {
	var (
		d                TaskDefinition
		params, sched    string
		kind             string
		lastRun, nextRun sql.NullInt64
		created, updated int64
	)
	if err := r.Scan(&d.ID, &d.Name, &d.PluginName, &params, &kind, &sched,
		&d.Enabled, &d.Priority, &d.MaxRetries, &d.Timeout,
		&lastRun, &nextRun, &created, &updated); err != nil {
		return TaskDefinition{}, err
	}
	d.ScheduleType = ScheduleKind(kind)
	if err := json.Unmarshal([]byte(params), &d.Parameters); err != nil {
		return TaskDefinition{}, err
	}
	if err := json.Unmarshal([]byte(sched), &d.ScheduleConfig); err != nil {
		return TaskDefinition{}, err
	}
	d.LastRun = fromMicros(lastRun)
	d.NextRun = fromMicros(nextRun)
	d.CreatedAt = time.UnixMicro(created).UTC()
	d.UpdatedAt = time.UnixMicro(updated).UTC()
	return d, nil
}

func micros(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMicro()
}

func fromMicros(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMicro(v.Int64).UTC()
	return &t
}
