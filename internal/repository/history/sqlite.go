package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	// Register the pure-Go SQLite driver.
	_ "modernc.org/sqlite"
)

// DefaultFilename is the database file name placed directly under the base directory.
const DefaultFilename = "install-history.db"

// dirMode is used when creating the database directory.
const dirMode os.FileMode = 0o755

var errNilDB = errors.New("db is nil")

// Run is one recorded installation attempt.
type Run struct {
	ID          string
	StartedAt   time.Time
	FinishedAt  time.Time
	Phase       string
	FailedPhase string
	VerifyOnly  bool
	Resources   []string
	Error       string
}

// Succeeded reports whether the run finished in Done.
func (r Run) Succeeded() bool {
	return r.Error == "" && r.FailedPhase == ""
}

// Store persists runs in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	path = filepath.Clean(path)

	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}

	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	store, err := NewStore(ctx, db)
	if err != nil {
		_ = db.Close()

		return nil, err
	}

	return store, nil
}

// NewStore wraps an existing database and ensures the schema.
func NewStore(ctx context.Context, db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errNilDB
	}

	if err := ensureSchema(ctx, db); err != nil {
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}

	return s.db.Close()
}

// RecordRun stores a run, replacing any row with the same ID.
func (s *Store) RecordRun(ctx context.Context, run Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO install_runs (
			run_id, started_at, finished_at, phase, failed_phase, verify_only, resources, error_text
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		run.StartedAt.UTC().Format(time.RFC3339Nano),
		run.FinishedAt.UTC().Format(time.RFC3339Nano),
		run.Phase,
		run.FailedPhase,
		run.VerifyOnly,
		strings.Join(run.Resources, ","),
		run.Error,
	)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}

	return nil
}

// List returns the most recent runs first. A non-positive limit returns all runs.
func (s *Store) List(ctx context.Context, limit int) ([]Run, error) {
	query := `
		SELECT run_id, started_at, finished_at, phase, failed_phase, verify_only, resources, error_text
		FROM install_runs
		ORDER BY started_at DESC, rowid DESC
	`

	var args []any
	if limit > 0 {
		query += " LIMIT ?"

		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var runs []Run

	for rows.Next() {
		var (
			run               Run
			started, finished string
			resources         string
		)

		if err = rows.Scan(
			&run.ID,
			&started,
			&finished,
			&run.Phase,
			&run.FailedPhase,
			&run.VerifyOnly,
			&resources,
			&run.Error,
		); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}

		run.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		run.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)

		if resources != "" {
			run.Resources = strings.Split(resources, ",")
		}

		runs = append(runs, run)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}

	return runs, nil
}

func ensureSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS install_runs (
			run_id       TEXT PRIMARY KEY,
			started_at   TEXT NOT NULL,
			finished_at  TEXT NOT NULL,
			phase        TEXT NOT NULL,
			failed_phase TEXT NOT NULL DEFAULT '',
			verify_only  BOOLEAN NOT NULL DEFAULT 0,
			resources    TEXT NOT NULL DEFAULT '',
			error_text   TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS install_runs_started_at ON install_runs (started_at);
	`)
	if err != nil {
		return fmt.Errorf("create history schema: %w", err)
	}

	return nil
}
