package paths

import (
	"path/filepath"
	"testing"
)

// setupTestHome creates a temp directory, sets HOME to it, and resets the path cache.
func setupTestHome(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	t.Setenv(HomeEnv, "")
	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("XDG_DATA_HOME", "")
	t.Setenv("XDG_STATE_HOME", "")
	Reset()
	t.Cleanup(Reset)
	return tmpDir
}

func TestDefaultXDGLayout(t *testing.T) {
	home := setupTestHome(t)

	tests := []struct {
		name string
		fn   func() (string, error)
		want string
	}{
		{"ConfigDir", ConfigDir, filepath.Join(home, ".config", "plural-sandbox")},
		{"DataDir", DataDir, filepath.Join(home, ".local", "share", "plural-sandbox")},
		{"StateDir", StateDir, filepath.Join(home, ".local", "state", "plural-sandbox")},
		{"ConfigFilePath", ConfigFilePath, filepath.Join(home, ".config", "plural-sandbox", "sandboxd.yaml")},
		{"AuditDBPath", AuditDBPath, filepath.Join(home, ".local", "share", "plural-sandbox", "audit.db")},
		{"LogsDir", LogsDir, filepath.Join(home, ".local", "state", "plural-sandbox", "logs")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.fn()
			if err != nil {
				t.Fatalf("%s: %v", tt.name, err)
			}
			if got != tt.want {
				t.Errorf("%s = %q, want %q", tt.name, got, tt.want)
			}
		})
	}

	if IsFlatLayout() {
		t.Error("IsFlatLayout should be false without PLURAL_SANDBOX_HOME")
	}
}

func TestXDGOverrides(t *testing.T) {
	setupTestHome(t)
	xdg := t.TempDir()
	t.Setenv("XDG_STATE_HOME", filepath.Join(xdg, "state"))
	Reset()

	got, err := StateDir()
	if err != nil {
		t.Fatalf("StateDir: %v", err)
	}
	if want := filepath.Join(xdg, "state", "plural-sandbox"); got != want {
		t.Errorf("StateDir = %q, want %q", got, want)
	}
}

func TestFlatLayout(t *testing.T) {
	setupTestHome(t)
	root := t.TempDir()
	t.Setenv(HomeEnv, root)
	Reset()

	for _, fn := range []func() (string, error){ConfigDir, DataDir, StateDir} {
		got, err := fn()
		if err != nil {
			t.Fatal(err)
		}
		if got != root {
			t.Errorf("got %q, want %q", got, root)
		}
	}
	if !IsFlatLayout() {
		t.Error("IsFlatLayout should be true")
	}

	ws, _ := WorkspacesDir()
	if ws != filepath.Join(root, "workspaces") {
		t.Errorf("WorkspacesDir = %q", ws)
	}
	env, _ := EnvFilesDir()
	if env != filepath.Join(root, "env") {
		t.Errorf("EnvFilesDir = %q", env)
	}
}
