package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/patternprobe/patternprobe/internal/scenario"
)

// SQLiteStore implements Store using an embedded SQLite database.
// It uses modernc.org/sqlite which is pure Go (no CGO).
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex // serializes writes (SQLite is single-writer)
}

// NewSQLiteStore opens or creates the history database at dataDir/probe.db
// and runs schema migrations.
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	dbPath := filepath.Join(dataDir, "probe.db")
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}

	// Single connection for writes to avoid SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating sqlite: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			scenario TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			finished_at DATETIME NOT NULL,
			passed INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS steps (
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (run_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}
	return nil
}

// RecordRun persists a run and its step outcomes in one transaction.
func (s *SQLiteStore) RecordRun(ctx context.Context, run Run, outcomes []scenario.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		"INSERT INTO runs (id, scenario, started_at, finished_at, passed) VALUES (?, ?, ?, ?, ?)",
		run.ID, run.Scenario, run.StartedAt.UTC(), run.FinishedAt.UTC(), run.Passed,
	)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}

	for i, out := range outcomes {
		detail := out.Detail
		if out.Err != nil {
			detail = out.Err.Error()
		}
		_, err = tx.Exec(
			"INSERT INTO steps (run_id, seq, name, status, detail, duration_ms) VALUES (?, ?, ?, ?, ?, ?)",
			run.ID, i, out.Step, string(out.Status), detail, out.Duration.Milliseconds(),
		)
		if err != nil {
			return fmt.Errorf("inserting step %d: %w", i, err)
		}
	}

	return tx.Commit()
}

// RecentRuns returns up to limit runs, newest first.
func (s *SQLiteStore) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, scenario, started_at, finished_at, passed FROM runs ORDER BY started_at DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Scenario, &r.StartedAt, &r.FinishedAt, &r.Passed); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// RunSteps returns the step outcomes of a run in execution order.
func (s *SQLiteStore) RunSteps(ctx context.Context, runID string) ([]StepResult, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT run_id, seq, name, status, detail, duration_ms FROM steps WHERE run_id = ? ORDER BY seq",
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []StepResult
	for rows.Next() {
		var st StepResult
		var status string
		if err := rows.Scan(&st.RunID, &st.Seq, &st.Name, &status, &st.Detail, &st.DurationMs); err != nil {
			return nil, err
		}
		st.Status = scenario.Status(status)
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
