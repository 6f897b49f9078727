package core

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/3cpo-dev/sitepub/pkg/api"
)

// Store is a SQLite-backed ledger of publish runs.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

func NewStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; sqlite serialises anyway.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) BeginRun(ctx context.Context, runID, commit string, started time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, commit_sha, status, started_at) VALUES (?, ?, ?, ?)`,
		runID, commit, string(api.RunRunning), formatTime(started))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *Store) RecordStep(ctx context.Context, runID string, r StepResult) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO steps (run_id, seq, name, status, started_at, duration_ms, error) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, r.Seq, r.Name, string(r.Status), formatTime(r.Started), r.Duration.Milliseconds(), r.Err)
	if err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	return nil
}

func (s *Store) RecordArtifact(ctx context.Context, runID string, rc api.ArtifactReceipt) error {
	m := rc.Manifest
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (run_id, name, version, sha256, size, files, sink, location, published_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, m.Name, m.Version, m.Checksum, m.Size, m.Files, rc.Sink, rc.Location, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

func (s *Store) FinishRun(ctx context.Context, runID string, status api.RunStatus, failedStep, errMsg string, finished time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, failed_step = ?, error = ?, finished_at = ? WHERE id = ?`,
		string(status), failedStep, errMsg, formatTime(finished), runID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update run: %s not found", runID)
	}
	return nil
}

// RunRecord is one row of the ledger, with the artifact location when published.
type RunRecord struct {
	ID         string
	Commit     string
	Status     api.RunStatus
	FailedStep string
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
	Location   string
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.commit_sha, r.status, r.failed_step, r.error, r.started_at, r.finished_at,
		       COALESCE((SELECT a.location FROM artifacts a WHERE a.run_id = r.id LIMIT 1), '')
		FROM runs r ORDER BY r.started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()
	var out []RunRecord
	for rows.Next() {
		var rec RunRecord
		var status, started, finished string
		if err := rows.Scan(&rec.ID, &rec.Commit, &status, &rec.FailedStep, &rec.Error, &started, &finished, &rec.Location); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		rec.Status = api.RunStatus(status)
		rec.StartedAt = parseTime(started)
		rec.FinishedAt = parseTime(finished)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RunSteps returns the recorded steps of a run in execution order.
func (s *Store) RunSteps(ctx context.Context, runID string) ([]StepResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, name, status, started_at, duration_ms, error FROM steps WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()
	var out []StepResult
	for rows.Next() {
		var r StepResult
		var status, started string
		var ms int64
		if err := rows.Scan(&r.Seq, &r.Name, &status, &started, &ms, &r.Err); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		r.Status = api.StepStatus(status)
		r.Started = parseTime(started)
		r.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}

// Fixed width so that text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}
