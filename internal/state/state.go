// Package state persists run history to a local SQLite database. It
// records outcomes only; it is not a resume checkpoint.
package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Run statuses.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Run is one recorded migration run.
type Run struct {
	ID          string
	SourceTable string
	TargetTable string
	Kind        string
	Mode        string
	Status      string
	Stage       string
	Rows        int64
	Batches     int64
	Error       string
	StartedAt   time.Time
	FinishedAt  *time.Time
}

// Store is a SQLite-backed run history.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	source_table TEXT NOT NULL,
	target_table TEXT NOT NULL,
	kind         TEXT NOT NULL,
	mode         TEXT NOT NULL,
	status       TEXT NOT NULL,
	stage        TEXT NOT NULL DEFAULT '',
	rows         INTEGER NOT NULL DEFAULT 0,
	batches      INTEGER NOT NULL DEFAULT 0,
	error        TEXT NOT NULL DEFAULT '',
	started_at   TIMESTAMP NOT NULL,
	finished_at  TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
`

// Open creates or opens the history database at path, creating parent
// directories as needed.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating state directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening state database: %w", err)
	}
	// The store is touched from one goroutine at a time, but a single
	// connection avoids SQLITE_BUSY surprises either way.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state schema: %w", err)
	}
	return &Store{db: db}, nil
}

// CreateRun records the start of a run and returns its ID.
func (s *Store) CreateRun(sourceTable, targetTable, kind, mode string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.Exec(
		`INSERT INTO runs (id, source_table, target_table, kind, mode, status, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, sourceTable, targetTable, kind, mode, StatusRunning, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("recording run start: %w", err)
	}
	return id, nil
}

// CompleteRun records the outcome of a run.
func (s *Store) CompleteRun(id, status, stage string, rows, batches int64, errMsg string) error {
	_, err := s.db.Exec(
		`UPDATE runs SET status = ?, stage = ?, rows = ?, batches = ?, error = ?, finished_at = ?
		 WHERE id = ?`,
		status, stage, rows, batches, errMsg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("recording run outcome: %w", err)
	}
	return nil
}

// GetAllRuns returns runs newest first, up to limit (0 means all).
func (s *Store) GetAllRuns(limit int) ([]Run, error) {
	query := `SELECT id, source_table, target_table, kind, mode, status, stage, rows, batches, error, started_at, finished_at
		FROM runs ORDER BY started_at DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetLastRun returns the most recently started run, or nil when the
// history is empty.
func (s *Store) GetLastRun() (*Run, error) {
	runs, err := s.GetAllRuns(1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

// GetRunByID returns one run, or nil when absent.
func (s *Store) GetRunByID(id string) (*Run, error) {
	row := s.db.QueryRow(
		`SELECT id, source_table, target_table, kind, mode, status, stage, rows, batches, error, started_at, finished_at
		 FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(sc rowScanner) (Run, error) {
	var r Run
	var finished sql.NullTime
	err := sc.Scan(&r.ID, &r.SourceTable, &r.TargetTable, &r.Kind, &r.Mode,
		&r.Status, &r.Stage, &r.Rows, &r.Batches, &r.Error, &r.StartedAt, &finished)
	if err != nil {
		return Run{}, err
	}
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	}
	return r, nil
}
