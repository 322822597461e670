package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zhubert/plural-sandbox/container"
	pexec "github.com/zhubert/plural-sandbox/exec"
)

// DirWorkspaces gives each session the directory <Root>/<session-id>.
type DirWorkspaces struct {
	Root string
	// InitGit runs `git init` in new workspaces when set.
	InitGit bool
	Exec    pexec.CommandExecutor
}

var _ container.WorkspaceResolver = (*DirWorkspaces)(nil)

// Workspace returns the session's workspace, creating it if needed.
func (d *DirWorkspaces) Workspace(ctx context.Context, sessionID string) (string, error) {
	if err := ValidateID(sessionID); err != nil {
		return "", err
	}
	root, err := filepath.Abs(d.Root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	dir := filepath.Join(root, sessionID)

	_, statErr := os.Stat(dir)
	fresh := os.IsNotExist(statErr)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}

	if fresh && d.InitGit && d.Exec != nil {
		if _, err := d.Exec.Output(ctx, dir, "git", "init", "--quiet"); err != nil {
			return "", fmt.Errorf("initialize workspace repository: %w", err)
		}
	}
	return dir, nil
}

// EnvCredentials returns the repository token held in an environment
// variable for every session.
type EnvCredentials struct {
	Var    string
	Getenv func(string) string
}

var _ container.CredentialSource = (*EnvCredentials)(nil)

// RepoToken returns the token, or "" when the variable is unset.
func (e *EnvCredentials) RepoToken(context.Context, string) (string, error) {
	if e.Var == "" {
		return "", nil
	}
	getenv := e.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	return getenv(e.Var), nil
}
