// Package paths resolves the host daemon's data directories.
//
// The daemon follows the XDG Base Directory Specification:
//
//   - Config (XDG_CONFIG_HOME): sandboxd.yaml
//   - Data (XDG_DATA_HOME): workspaces/, audit.db
//   - State (XDG_STATE_HOME): logs/, env files handed to docker run
//
// Resolution order:
//  1. If PLURAL_SANDBOX_HOME is set → flat layout with every path under it
//  2. Otherwise XDG vars, each defaulting to its standard location under $HOME
package paths

import (
	"os"
	"path/filepath"
	"sync"
)

// HomeEnv overrides the XDG layout with a single flat directory.
const HomeEnv = "PLURAL_SANDBOX_HOME"

const appDir = "plural-sandbox"

var (
	mu       sync.Mutex
	resolved *resolvedPaths
)

type resolvedPaths struct {
	configDir string
	dataDir   string
	stateDir  string
	flat      bool
}

// resolve computes the path layout once and caches it.
func resolve() (*resolvedPaths, error) {
	mu.Lock()
	defer mu.Unlock()

	if resolved != nil {
		return resolved, nil
	}

	if root := os.Getenv(HomeEnv); root != "" {
		resolved = &resolvedPaths{
			configDir: root,
			dataDir:   root,
			stateDir:  root,
			flat:      true,
		}
		return resolved, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	xdgConfig := os.Getenv("XDG_CONFIG_HOME")
	if xdgConfig == "" {
		xdgConfig = filepath.Join(home, ".config")
	}
	xdgData := os.Getenv("XDG_DATA_HOME")
	if xdgData == "" {
		xdgData = filepath.Join(home, ".local", "share")
	}
	xdgState := os.Getenv("XDG_STATE_HOME")
	if xdgState == "" {
		xdgState = filepath.Join(home, ".local", "state")
	}

	resolved = &resolvedPaths{
		configDir: filepath.Join(xdgConfig, appDir),
		dataDir:   filepath.Join(xdgData, appDir),
		stateDir:  filepath.Join(xdgState, appDir),
	}
	return resolved, nil
}

// ConfigDir returns the directory for configuration files.
func ConfigDir() (string, error) {
	r, err := resolve()
	if err != nil {
		return "", err
	}
	return r.configDir, nil
}

// DataDir returns the directory for persistent data files.
func DataDir() (string, error) {
	r, err := resolve()
	if err != nil {
		return "", err
	}
	return r.dataDir, nil
}

// StateDir returns the directory for runtime state and logs.
func StateDir() (string, error) {
	r, err := resolve()
	if err != nil {
		return "", err
	}
	return r.stateDir, nil
}

// ConfigFilePath returns the full path to sandboxd.yaml.
func ConfigFilePath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "sandboxd.yaml"), nil
}

// WorkspacesDir returns the root under which session workspaces live.
func WorkspacesDir() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "workspaces"), nil
}

// AuditDBPath returns the path of the task audit database.
func AuditDBPath() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "audit.db"), nil
}

// LogsDir returns the directory for log files.
func LogsDir() (string, error) {
	dir, err := StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "logs"), nil
}

// EnvFilesDir returns the directory for short-lived docker --env-file files.
func EnvFilesDir() (string, error) {
	dir, err := StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "env"), nil
}

// IsFlatLayout returns true if every path lives under PLURAL_SANDBOX_HOME.
func IsFlatLayout() bool {
	r, err := resolve()
	if err != nil {
		return false
	}
	return r.flat
}

// Reset clears the cached path resolution. This is intended for testing only.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resolved = nil
}
