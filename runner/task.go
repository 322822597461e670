// Package runner executes one coding task at a time inside a sandbox
// container and publishes its progress as a sequenced event stream.
//
// A Runner moves idle → running → {completed, cancelled, failed} → idle.
// Only the runner emits terminal events; the agent reports its outcome
// through Execution.Wait and the runner turns that into exactly one
// result or error event.
package runner

import (
	"context"
	"errors"
	"time"

	"github.com/zhubert/plural-sandbox/event"
)

var (
	// ErrBusy is returned by Execute while a task is running.
	ErrBusy = errors.New("a task is already running")

	// ErrTaskNotFound is returned for task IDs the runner does not know.
	ErrTaskNotFound = errors.New("task not found")

	// ErrInvalidRequest is returned for malformed execute requests.
	ErrInvalidRequest = errors.New("invalid task request")

	// ErrTerminalEmit is returned when an agent tries to emit a terminal event.
	ErrTerminalEmit = errors.New("agents may not emit terminal events")
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// Request is the input to Execute.
type Request struct {
	Prompt    string `json:"prompt"`
	SessionID string `json:"session_id"`
	ToolMode  string `json:"tool_mode,omitempty"`
}

// Task is a snapshot of one unit of agent work.
type Task struct {
	ID        string    `json:"task_id"`
	SessionID string    `json:"session_id"`
	Prompt    string    `json:"-"`
	ToolMode  string    `json:"tool_mode,omitempty"`
	Status    Status    `json:"status"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitzero"`
}

// Outcome is what an agent reports when it finishes normally.
type Outcome struct {
	Summary string
	Success bool
	Usage   *event.Usage
}

// Emit publishes a non-terminal event for the running task.
type Emit func(typ event.Type, payload any) error

// Execution is a started agent run.
type Execution interface {
	// Wait blocks until the agent exits.
	Wait() (Outcome, error)

	// Interrupt asks the agent to stop cooperatively.
	Interrupt() error
}

// Agent starts executions. The context passed to Start is cancelled when
// the runner hard-stops the task, so implementations must tie the agent's
// lifetime to it.
type Agent interface {
	Start(ctx context.Context, task Task, emit Emit) (Execution, error)
}

// Health is the runner's view of its own state.
type Health struct {
	Status            string `json:"status"`
	State             string `json:"state"`
	CurrentTaskStatus Status `json:"current_task_status,omitempty"`
	TaskID            string `json:"task_id,omitempty"`
}
