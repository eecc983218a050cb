// Package journal keeps a history of install runs in a SQLite database.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Install modes.
const (
	ModeSingle   = "single"
	ModeTwoPhase = "two-phase"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// ErrNotFound is returned when a run id is unknown.
var ErrNotFound = errors.New("install run not found")

// Run is one recorded install attempt.
type Run struct {
	ID         string     `json:"id"`
	Version    string     `json:"version"`
	Mode       string     `json:"mode"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Files      int        `json:"files"`
	BackupDir  string     `json:"backup_dir,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Outcome is what Finish records for a run.
type Outcome struct {
	Files     int
	BackupDir string
	Err       error
}

// Journal is a SQLite-backed install history.
type Journal struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the journal database at path.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	db.SetMaxOpenConns(1)

	j := &Journal{db: db, now: time.Now}
	if err := j.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS install_runs (
		id TEXT PRIMARY KEY,
		version TEXT NOT NULL,
		mode TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT,
		files INTEGER NOT NULL DEFAULT 0,
		backup_dir TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_install_runs_started ON install_runs(started_at);
	CREATE INDEX IF NOT EXISTS idx_install_runs_version ON install_runs(version);
	`
	if _, err := j.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize journal schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Begin records a new running install and returns its id.
func (j *Journal) Begin(ctx context.Context, version, mode string) (string, error) {
	id := uuid.NewString()
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO install_runs (id, version, mode, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, version, mode, StatusRunning, formatTime(j.now()))
	if err != nil {
		return "", fmt.Errorf("failed to record install start: %w", err)
	}
	return id, nil
}

// Finish closes run id with its outcome.
func (j *Journal) Finish(ctx context.Context, id string, out Outcome) error {
	status := StatusSucceeded
	var msg string
	if out.Err != nil {
		status = StatusFailed
		msg = out.Err.Error()
	}

	res, err := j.db.ExecContext(ctx,
		`UPDATE install_runs SET status = ?, finished_at = ?, files = ?, backup_dir = ?, error = ? WHERE id = ?`,
		status, formatTime(j.now()), out.Files, out.BackupDir, msg, id)
	if err != nil {
		return fmt.Errorf("failed to record install outcome: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Get returns a single run.
func (j *Journal) Get(ctx context.Context, id string) (*Run, error) {
	row := j.db.QueryRowContext(ctx, selectRuns+` WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return run, err
}

// List returns up to limit runs, newest first. A limit of zero or less
// returns every run.
func (j *Journal) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := j.db.QueryContext(ctx, selectRuns+` ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query install runs: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

const selectRuns = `SELECT id, version, mode, status, started_at, finished_at, files, backup_dir, error FROM install_runs`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var (
		run      Run
		started  string
		finished sql.NullString
	)
	if err := s.Scan(&run.ID, &run.Version, &run.Mode, &run.Status, &started, &finished,
		&run.Files, &run.BackupDir, &run.Error); err != nil {
		return nil, err
	}

	t, err := time.Parse(timeLayout, started)
	if err != nil {
		return nil, fmt.Errorf("parsing started_at of run %s: %w", run.ID, err)
	}
	run.StartedAt = t

	if finished.Valid {
		ft, err := time.Parse(timeLayout, finished.String)
		if err != nil {
			return nil, fmt.Errorf("parsing finished_at of run %s: %w", run.ID, err)
		}
		run.FinishedAt = &ft
	}
	return &run, nil
}

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
