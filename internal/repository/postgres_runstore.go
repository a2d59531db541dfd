package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"analytics-agent/backend/pkg/models"
)

// Schema creates the run ledger table.
const Schema = `CREATE TABLE IF NOT EXISTS agent_runs (
	run_id            TEXT PRIMARY KEY,
	conversation_id   TEXT NOT NULL,
	query_kind        TEXT NOT NULL DEFAULT '',
	iterations        INT NOT NULL DEFAULT 0,
	validation_status TEXT NOT NULL DEFAULT '',
	duration_ms       BIGINT NOT NULL DEFAULT 0,
	success           BOOLEAN NOT NULL,
	error_type        TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS agent_runs_created_at_idx ON agent_runs (created_at DESC);`

const runColumns = "run_id, conversation_id, query_kind, iterations, validation_status, duration_ms, success, error_type, created_at"

// PostgresRunStore is a PostgreSQL implementation of the RunStore interface.
type PostgresRunStore struct {
	db *pgxpool.Pool
}

// NewPostgresRunStore creates a new PostgresRunStore.
func NewPostgresRunStore(db *pgxpool.Pool) *PostgresRunStore {
	return &PostgresRunStore{db: db}
}

// Migrate creates the ledger table if it does not exist.
func (s *PostgresRunStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to migrate run ledger: %w", err)
	}
	return nil
}

// Save saves a run to the store.
func (s *PostgresRunStore) Save(ctx context.Context, run *models.RunRecord) error {
	_, err := s.db.Exec(ctx,
		"INSERT INTO agent_runs ("+runColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)",
		run.RunID, run.ConversationID, run.QueryKind, run.Iterations, run.ValidationStatus,
		run.DurationMS, run.Success, run.ErrorType, run.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.RunID, err)
	}
	return nil
}

// Get retrieves a run by its ID.
func (s *PostgresRunStore) Get(ctx context.Context, runID string) (*models.RunRecord, error) {
	row := s.db.QueryRow(ctx, "SELECT "+runColumns+" FROM agent_runs WHERE run_id = $1", runID)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", runID, err)
	}
	return run, nil
}

// List returns the most recent runs.
func (s *PostgresRunStore) List(ctx context.Context, limit int) ([]*models.RunRecord, error) {
	rows, err := s.db.Query(ctx, "SELECT "+runColumns+" FROM agent_runs ORDER BY created_at DESC LIMIT $1", ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*models.RunRecord{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanRun(row pgx.Row) (*models.RunRecord, error) {
	var run models.RunRecord
	err := row.Scan(&run.RunID, &run.ConversationID, &run.QueryKind, &run.Iterations,
		&run.ValidationStatus, &run.DurationMS, &run.Success, &run.ErrorType, &run.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &run, nil
}
