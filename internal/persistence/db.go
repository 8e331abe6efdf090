// Package persistence provides the SQLite results store. Each measurement
// cadence appends one row of reduced estimates; finalize writes the summary
// statistics. Rank 0 owns the store; other ranks run without one.
package persistence

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Store wraps a SQLite connection for simulation output.
type Store struct {
	conn *sqlx.DB
}

// Open opens or creates a results database at the given path.
func Open(path string) (*Store, error) {
	conn, err := sqlx.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &Store{conn: conn}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at TEXT NOT NULL,
		nprocs INTEGER NOT NULL,
		config_json TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS measurements (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		step INTEGER NOT NULL,
		name TEXT NOT NULL,
		value REAL NOT NULL,
		total_weight REAL NOT NULL,
		walkers INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS summaries (
		run_id TEXT NOT NULL,
		name TEXT NOT NULL,
		mean REAL NOT NULL,
		std_err REAL NOT NULL,
		samples INTEGER NOT NULL,
		PRIMARY KEY (run_id, name)
	);

	CREATE INDEX IF NOT EXISTS idx_measurements_run_step ON measurements(run_id, step);
	`
	_, err := s.conn.Exec(schema)
	return err
}

// RecordRun registers a run before its first step.
func (s *Store) RecordRun(runID string, nprocs int, configJSON string) error {
	_, err := s.conn.Exec(
		`INSERT INTO runs (id, started_at, nprocs, config_json) VALUES (?, ?, ?, ?)`,
		runID, time.Now().UTC().Format(time.RFC3339), nprocs, configJSON)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

// RecordMeasurement appends one reduced observable value at a step.
func (s *Store) RecordMeasurement(runID string, step int, name string, value, totalWeight float64, walkers int) error {
	_, err := s.conn.Exec(
		`INSERT INTO measurements (run_id, step, name, value, total_weight, walkers) VALUES (?, ?, ?, ?, ?, ?)`,
		runID, step, name, value, totalWeight, walkers)
	if err != nil {
		return fmt.Errorf("record measurement: %w", err)
	}
	return nil
}

// RecordSummary upserts the final statistics for one observable.
func (s *Store) RecordSummary(runID, name string, mean, stdErr float64, samples int) error {
	_, err := s.conn.Exec(
		`INSERT OR REPLACE INTO summaries (run_id, name, mean, std_err, samples) VALUES (?, ?, ?, ?, ?)`,
		runID, name, mean, stdErr, samples)
	if err != nil {
		return fmt.Errorf("record summary: %w", err)
	}
	return nil
}
