package control

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists process control records in their own SQLite database, kept
// separate from the order stack so a stuck order write can never block a
// state transition.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	path   string
	ownsDB bool
}

func NewStore(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("process store path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)
	if err := ensureProcessSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, path: path, ownsDB: true}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	if !s.ownsDB {
		s.db = nil
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func ensureProcessSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS process_states (
			name TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			execution_count INTEGER NOT NULL DEFAULT 0,
			count_date TEXT,
			max_executions INTEGER NOT NULL DEFAULT 0,
			daily INTEGER NOT NULL DEFAULT 0,
			dependencies TEXT,
			started_at INTEGER,
			ended_at INTEGER,
			last_run_at INTEGER,
			last_finished_at INTEGER,
			stop_reason TEXT,
			error_history TEXT,
			updated_at INTEGER NOT NULL
		);
		`,
		`CREATE INDEX IF NOT EXISTS idx_process_states_state ON process_states(state);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Save upserts the whole record in one statement.
func (s *Store) Save(ctx context.Context, p *ProcessState) error {
	if p == nil || strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("process record requires a name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return fmt.Errorf("process store is closed")
	}
	deps, err := json.Marshal(p.Dependencies)
	if err != nil {
		return err
	}
	history, err := json.Marshal(p.ErrorHistory)
	if err != nil {
		return err
	}
	p.UpdatedAt = time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO process_states (
			name, state, execution_count, count_date, max_executions, daily,
			dependencies, started_at, ended_at, last_run_at, last_finished_at,
			stop_reason, error_history, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			state = excluded.state,
			execution_count = excluded.execution_count,
			count_date = excluded.count_date,
			max_executions = excluded.max_executions,
			daily = excluded.daily,
			dependencies = excluded.dependencies,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at,
			last_run_at = excluded.last_run_at,
			last_finished_at = excluded.last_finished_at,
			stop_reason = excluded.stop_reason,
			error_history = excluded.error_history,
			updated_at = excluded.updated_at`,
		p.Name, string(p.State), p.ExecutionCount, p.CountDate, p.MaxExecutions,
		boolToInt(p.Daily), string(deps), unixOrZero(p.StartedAt), unixOrZero(p.EndedAt),
		unixOrZero(p.LastRunAt), unixOrZero(p.LastFinishedAt), p.StopReason,
		string(history), p.UpdatedAt.UnixMilli())
	return err
}

func (s *Store) Get(ctx context.Context, name string) (*ProcessState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, fmt.Errorf("process store is closed")
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT name, state, execution_count, count_date, max_executions, daily,
		       dependencies, started_at, ended_at, last_run_at, last_finished_at,
		       stop_reason, error_history, updated_at
		FROM process_states WHERE name = ?`, strings.TrimSpace(name))
	p, err := scanProcessState(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return p, err
}

func (s *Store) List(ctx context.Context) ([]*ProcessState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, fmt.Errorf("process store is closed")
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, state, execution_count, count_date, max_executions, daily,
		       dependencies, started_at, ended_at, last_run_at, last_finished_at,
		       stop_reason, error_history, updated_at
		FROM process_states ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*ProcessState
	for rows.Next() {
		p, err := scanProcessState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProcessState(r rowScanner) (*ProcessState, error) {
	var (
		p         ProcessState
		state     string
		countDate sql.NullString
		daily     int
		deps      sql.NullString
		started   sql.NullInt64
		ended     sql.NullInt64
		lastRun   sql.NullInt64
		lastFin   sql.NullInt64
		stop      sql.NullString
		history   sql.NullString
		updated   int64
	)
	err := r.Scan(&p.Name, &state, &p.ExecutionCount, &countDate, &p.MaxExecutions,
		&daily, &deps, &started, &ended, &lastRun, &lastFin, &stop, &history, &updated)
	if err != nil {
		return nil, err
	}
	p.State = State(state)
	p.CountDate = countDate.String
	p.Daily = daily != 0
	if deps.Valid && deps.String != "" {
		_ = json.Unmarshal([]byte(deps.String), &p.Dependencies)
	}
	p.StartedAt = timeOrZero(started.Int64)
	p.EndedAt = timeOrZero(ended.Int64)
	p.LastRunAt = timeOrZero(lastRun.Int64)
	p.LastFinishedAt = timeOrZero(lastFin.Int64)
	p.StopReason = stop.String
	if history.Valid && history.String != "" {
		_ = json.Unmarshal([]byte(history.String), &p.ErrorHistory)
	}
	p.UpdatedAt = timeOrZero(updated)
	return &p, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func timeOrZero(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}
