// Package store keeps an audit trail of finished sandbox tasks.
package store

import (
	"context"
	"time"
)

// DefaultListLimit caps ListBySession when no limit is given.
const DefaultListLimit = 50

// TaskRecord is the audit entry for one finished task.
type TaskRecord struct {
	TaskID       string    `json:"task_id"`
	SessionID    string    `json:"session_id"`
	OwnerID      string    `json:"owner_id,omitempty"`
	ContainerID  string    `json:"container_id,omitempty"`
	ToolMode     string    `json:"tool_mode,omitempty"`
	Status       string    `json:"status"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	Summary      string    `json:"summary,omitempty"`
	InputTokens  int       `json:"input_tokens,omitempty"`
	OutputTokens int       `json:"output_tokens,omitempty"`
	CostUSD      float64   `json:"cost_usd,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at"`
}

// Store persists task records.
type Store interface {
	// Record inserts or replaces rec.
	Record(ctx context.Context, rec TaskRecord) error
	Get(ctx context.Context, taskID string) (TaskRecord, bool, error)
	// ListBySession returns the session's records, newest first.
	ListBySession(ctx context.Context, sessionID string, limit int) ([]TaskRecord, error)
	Close() error
}
