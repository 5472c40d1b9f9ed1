package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists run history so an operator can inspect past pipeline
// runs and retrieve phase logs after the fact.
type Store struct {
	db *sql.DB
}

// RunRecord is one finished pipeline run.
type RunRecord struct {
	ID         string
	Build      string
	Status     string
	StartedAt  time.Time
	FinishedAt time.Time
	Finalized  bool
}

// PhaseRecord is one phase result within a run.
type PhaseRecord struct {
	RunID        string
	Seq          int
	Phase        string
	Status       string
	LogRef       string
	CoveragePath string
	Duration     time.Duration
	Error        string
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	build TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	finished_at INTEGER NOT NULL,
	finalized INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS phase_results (
	run_id TEXT NOT NULL REFERENCES runs(id),
	seq INTEGER NOT NULL,
	phase TEXT NOT NULL,
	status TEXT NOT NULL,
	log_ref TEXT NOT NULL DEFAULT '',
	coverage_path TEXT NOT NULL DEFAULT '',
	duration_ms INTEGER NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (run_id, seq)
);
`

// Open creates or opens the history database under dataDir.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dataDir, "history.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// RecordRun writes the run and its phase results in one transaction.
func (s *Store) RecordRun(run RunRecord, phases []PhaseRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO runs (id, build, status, started_at, finished_at, finalized) VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.Build, run.Status, run.StartedAt.Unix(), run.FinishedAt.Unix(), boolToInt(run.Finalized),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", run.ID, err)
	}

	for _, p := range phases {
		_, err = tx.Exec(
			`INSERT INTO phase_results (run_id, seq, phase, status, log_ref, coverage_path, duration_ms, error)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, p.Seq, p.Phase, p.Status, p.LogRef, p.CoveragePath, p.Duration.Milliseconds(), p.Error,
		)
		if err != nil {
			return fmt.Errorf("failed to insert phase result %s/%s: %w", run.ID, p.Phase, err)
		}
	}

	return tx.Commit()
}

// RecentRuns returns the most recent runs, newest first.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, build, status, started_at, finished_at, finalized FROM runs ORDER BY started_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var r RunRecord
		var started, finished int64
		var finalized int
		if err := rows.Scan(&r.ID, &r.Build, &r.Status, &started, &finished, &finalized); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.StartedAt = time.Unix(started, 0)
		r.FinishedAt = time.Unix(finished, 0)
		r.Finalized = finalized != 0
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// PhaseResults returns the phase results of one run in execution order.
func (s *Store) PhaseResults(runID string) ([]PhaseRecord, error) {
	rows, err := s.db.Query(
		`SELECT run_id, seq, phase, status, log_ref, coverage_path, duration_ms, error
		 FROM phase_results WHERE run_id = ? ORDER BY seq`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query phase results: %w", err)
	}
	defer rows.Close()

	var phases []PhaseRecord
	for rows.Next() {
		var p PhaseRecord
		var durationMS int64
		if err := rows.Scan(&p.RunID, &p.Seq, &p.Phase, &p.Status, &p.LogRef, &p.CoveragePath, &durationMS, &p.Error); err != nil {
			return nil, fmt.Errorf("failed to scan phase result: %w", err)
		}
		p.Duration = time.Duration(durationMS) * time.Millisecond
		phases = append(phases, p)
	}
	return phases, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
