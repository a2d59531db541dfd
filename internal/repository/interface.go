package repository

import (
	"context"
	"errors"

	"analytics-agent/backend/pkg/models"
)

// ErrNotFound is returned when a run is not in the ledger.
var ErrNotFound = errors.New("run not found")

// DefaultListLimit and MaxListLimit bound List.
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// RunStore is the run ledger.
type RunStore interface {
	// Save records a finished run.
	Save(ctx context.Context, run *models.RunRecord) error
	// Get retrieves a run by its ID.
	Get(ctx context.Context, runID string) (*models.RunRecord, error)
	// List returns the most recent runs, newest first.
	List(ctx context.Context, limit int) ([]*models.RunRecord, error)
}

// NopStore is the ledger used when no database is configured. It records
// nothing.
type NopStore struct{}

func (NopStore) Save(context.Context, *models.RunRecord) error { return nil }

func (NopStore) Get(context.Context, string) (*models.RunRecord, error) {
	return nil, ErrNotFound
}

func (NopStore) List(context.Context, int) ([]*models.RunRecord, error) {
	return []*models.RunRecord{}, nil
}

// ClampLimit maps a requested page size into [1, MaxListLimit].
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	}
	return limit
}
