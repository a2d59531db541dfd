package services

import (
	"context"

	"analytics-agent/backend/internal/workflow"
)

// Runner drives workflow runs. *workflow.Orchestrator is the production
// implementation.
type Runner interface {
	// Run drives one run to completion.
	Run(ctx context.Context, message string) (workflow.State, error)
	// Stream drives one run and delivers its events in order.
	Stream(ctx context.Context, message string) <-chan workflow.Event
}
