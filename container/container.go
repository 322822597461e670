// Package container owns the sandbox containers on the host: it creates one
// container per session, waits for its Task API to report healthy, tracks it
// in a Registry and tears it down again.
//
// Every container the package creates carries the owner label, and the
// package never lists, inspects or removes a container without it.
package container

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Labels set on every managed container.
const (
	LabelOwner   = "dev.plural-sandbox.owner"
	LabelSession = "dev.plural-sandbox.session"
)

// MountPath is where the session workspace appears inside the container.
const MountPath = "/workspace"

var (
	// ErrNotFound means the session has no container record.
	ErrNotFound = errors.New("no container for session")

	// ErrWorkspaceInUse means another session's container already mounts
	// the workspace.
	ErrWorkspaceInUse = errors.New("workspace is mounted by another session")
)

// Health is the health of a container record.
type Health string

const (
	HealthProvisioning Health = "provisioning"
	HealthHealthy      Health = "healthy"
	HealthError        Health = "error"
)

// Record is the registry entry for a session's container.
type Record struct {
	SessionID     string    `json:"session_id"`
	ContainerID   string    `json:"container_id,omitempty"`
	Name          string    `json:"name"`
	Image         string    `json:"image"`
	Owner         string    `json:"owner"`
	WorkspacePath string    `json:"workspace_path"`
	MountPath     string    `json:"mount_path"`
	Address       string    `json:"address,omitempty"`
	Health        Health    `json:"health"`
	Failures      int       `json:"consecutive_failures"`
	CreatedAt     time.Time `json:"created_at"`
}

// HealthStatus is the result of one health check.
type HealthStatus struct {
	Health              Health    `json:"health"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	CheckedAt           time.Time `json:"checked_at"`
}

// Healthy reports whether the last probe passed.
func (h HealthStatus) Healthy() bool {
	return h.Health == HealthHealthy && h.LastError == ""
}

// ProvisioningError reports a session whose container never became healthy.
type ProvisioningError struct {
	SessionID string
	Attempts  int
	Logs      string // tail of the last attempt's container log
	Err       error
}

func (e *ProvisioningError) Error() string {
	msg := fmt.Sprintf("provision container for session %s: %d attempt(s): %v", e.SessionID, e.Attempts, e.Err)
	if logs := strings.TrimSpace(e.Logs); logs != "" {
		msg += "\ncontainer log tail:\n" + logs
	}
	return msg
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// Spec describes a container to create.
type Spec struct {
	Name          string
	Image         string
	Labels        map[string]string
	WorkspacePath string
	MountPath     string
	Env           map[string]string
	CPUs          string
	Memory        string
	PidsLimit     int
	Network       string // attach to this network instead of publishing Port
	Port          int    // Task API port inside the container
}

// Summary is a container as listed by the runtime.
type Summary struct {
	ID        string
	Name      string
	SessionID string
}

// Runtime creates and destroys containers.
type Runtime interface {
	// Create starts a detached container and returns its id.
	Create(ctx context.Context, spec Spec) (string, error)
	// Address returns host:port for the container's Task API.
	Address(ctx context.Context, id string, spec Spec) (string, error)
	// Stop stops a container, killing it after timeout.
	Stop(ctx context.Context, id string, timeout time.Duration) error
	// Remove force-removes a container. Removing a missing container
	// returns nil.
	Remove(ctx context.Context, id string) error
	// List returns the containers carrying all of labels.
	List(ctx context.Context, labels map[string]string) ([]Summary, error)
	// Logs returns the last tail lines of the container's output.
	Logs(ctx context.Context, id string, tail int) (string, error)
}

// Prober checks a container's Task API.
type Prober interface {
	Probe(ctx context.Context, address string) error
}

// WorkspaceResolver maps a session to the host directory holding its
// workspace.
type WorkspaceResolver interface {
	Workspace(ctx context.Context, sessionID string) (string, error)
}

// CredentialSource issues the Git hosting token injected into a session's
// container. An empty token means none.
type CredentialSource interface {
	RepoToken(ctx context.Context, sessionID string) (string, error)
}
