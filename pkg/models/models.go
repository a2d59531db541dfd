// Package models defines the request, response and run ledger models shared
// by the api, services and repository packages.
package models

import (
	"time"
)

// MaxMessageLength bounds a chat message, in characters.
const MaxMessageLength = 10000

// ChatRequest is a user question sent to the chat endpoints.
type ChatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// ChatResponse is the result of a synchronous chat run.
type ChatResponse struct {
	Success          bool   `json:"success"`
	RunID            string `json:"run_id"`
	ConversationID   string `json:"conversation_id"`
	Response         string `json:"response"`
	QueryKind        string `json:"query_kind"`
	Iterations       int    `json:"iterations"`
	ValidationStatus string `json:"validation_status"`
}

// ErrorResponse is returned by the chat endpoints when a run fails. Detail
// is only populated outside production.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Detail  string `json:"detail,omitempty"`
}

// RunRecord is the ledger entry of one workflow run. It carries run
// metadata only, never conversation text.
type RunRecord struct {
	RunID            string    `json:"run_id" db:"run_id"`
	ConversationID   string    `json:"conversation_id" db:"conversation_id"`
	QueryKind        string    `json:"query_kind" db:"query_kind"`
	Iterations       int       `json:"iterations" db:"iterations"`
	ValidationStatus string    `json:"validation_status" db:"validation_status"`
	DurationMS       int64     `json:"duration_ms" db:"duration_ms"`
	Success          bool      `json:"success" db:"success"`
	ErrorType        string    `json:"error_type,omitempty" db:"error_type"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}

// HealthStatus is the body of the health endpoint.
type HealthStatus struct {
	Status      string    `json:"status"`
	Version     string    `json:"version"`
	Environment string    `json:"environment"`
	Model       string    `json:"model"`
	Timestamp   time.Time `json:"timestamp"`
}

// PublicConfig is the non-sensitive configuration exposed to clients.
type PublicConfig struct {
	MaxIterations     int    `json:"max_revision_iterations"`
	MaxRows           int    `json:"max_csv_rows"`
	HeartbeatInterval int    `json:"sse_heartbeat_interval"`
	Environment       string `json:"environment"`
}
