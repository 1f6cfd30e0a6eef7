// Package database stores per-epoch training scalars in Postgres so runs can
// be compared after the fact. The store is optional: the trainer falls back
// to log-only reporting when no DSN is configured.
package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/lib/pq"
)

// Store is a Postgres-backed metrics sink.
type Store struct {
	*sql.DB
}

// New opens a connection and ensures the metrics table exists. The initial
// ping retries with exponential backoff since the database may still be
// coming up when training starts.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	ping := func() error { return db.Ping() }
	backoffStrategy := backoff.NewExponentialBackOff()
	backoffStrategy.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(ping, backoffStrategy); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}

	return &Store{db}, nil
}

// createTables creates the necessary tables if they don't exist
func createTables(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS training_metrics (
			run_id TEXT NOT NULL,
			epoch INT NOT NULL,
			name TEXT NOT NULL,
			value DOUBLE PRECISION NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			PRIMARY KEY (run_id, epoch, name)
		)
	`)
	return err
}

// RecordScalar upserts one scalar for a run and epoch.
func (s *Store) RecordScalar(runID string, epoch int, name string, value float64) error {
	_, err := s.Exec(`
		INSERT INTO training_metrics (run_id, epoch, name, value)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (run_id, epoch, name)
		DO UPDATE SET value = EXCLUDED.value, created_at = NOW()
	`, runID, epoch, name, value)
	return err
}

// BestDevEM returns the highest recorded dev exact-match for a run, or false
// when the run has none yet.
func (s *Store) BestDevEM(runID string) (float64, bool, error) {
	var best sql.NullFloat64
	err := s.QueryRow(`
		SELECT MAX(value)
		FROM training_metrics
		WHERE run_id = $1 AND name = 'dev_em'
	`, runID).Scan(&best)
	if err != nil {
		return 0, false, err
	}
	if !best.Valid {
		return 0, false, nil
	}
	return best.Float64, true, nil
}
