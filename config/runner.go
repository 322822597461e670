package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/zhubert/plural-sandbox/claude"
	"github.com/zhubert/plural-sandbox/container"
	"github.com/zhubert/plural-sandbox/event"
	"github.com/zhubert/plural-sandbox/runner"
)

// Environment read by the in-container runner.
const (
	EnvSessionID     = "SANDBOX_SESSION_ID"
	EnvWorkspace     = "SANDBOX_WORKSPACE"
	EnvPort          = "SANDBOX_PORT"
	EnvModelEndpoint = "SANDBOX_MODEL_ENDPOINT"
	EnvModelAPIKey   = "SANDBOX_MODEL_API_KEY"
	EnvModel         = "SANDBOX_MODEL"
	EnvToolMode      = "SANDBOX_TOOL_MODE"
	EnvAllowedTools  = "SANDBOX_ALLOWED_TOOLS"
	EnvBacklog       = "SANDBOX_BACKLOG"
	EnvCancelGrace   = "SANDBOX_CANCEL_GRACE"
	EnvClaudeBinary  = "SANDBOX_CLAUDE_BIN"
	EnvDebug         = "SANDBOX_DEBUG"
)

// Runner is the in-container runner configuration.
type Runner struct {
	SessionID     string
	Workspace     string
	Port          int
	ModelEndpoint string
	ModelAPIKey   string
	Model         string
	ToolMode      string
	AllowedTools  []string
	Backlog       int
	CancelGrace   time.Duration
	ClaudeBinary  string
	Debug         bool
}

// LoadRunner reads the runner configuration from the environment.
func LoadRunner(getenv func(string) string) (*Runner, error) {
	r := &Runner{
		SessionID:     getenv(EnvSessionID),
		Workspace:     orDefault(getenv(EnvWorkspace), container.MountPath),
		Port:          container.DefaultPort,
		ModelEndpoint: getenv(EnvModelEndpoint),
		ModelAPIKey:   getenv(EnvModelAPIKey),
		Model:         getenv(EnvModel),
		ToolMode:      orDefault(getenv(EnvToolMode), claude.PermissionModeAcceptEdits),
		Backlog:       event.DefaultBacklog,
		CancelGrace:   runner.DefaultCancelGrace,
		ClaudeBinary:  orDefault(getenv(EnvClaudeBinary), claude.DefaultBinary),
	}

	if v := getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port < 1 || port > 65535 {
			return nil, fmt.Errorf("%s: invalid port %q", EnvPort, v)
		}
		r.Port = port
	}
	if v := getenv(EnvBacklog); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("%s: must be a positive integer, got %q", EnvBacklog, v)
		}
		r.Backlog = n
	}
	if v := getenv(EnvCancelGrace); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("%s: invalid duration %q", EnvCancelGrace, v)
		}
		r.CancelGrace = d
	}
	if v := getenv(EnvAllowedTools); v != "" {
		r.AllowedTools = claude.ParseToolList(v)
	}
	if v := getenv(EnvDebug); v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid boolean %q", EnvDebug, v)
		}
		r.Debug = debug
	}
	if err := claude.ValidatePermissionMode(r.ToolMode); err != nil {
		return nil, fmt.Errorf("%s: %w", EnvToolMode, err)
	}
	return r, nil
}

// Driver converts the configuration for claude.NewDriver. The model
// endpoint and key are passed to the CLI as ANTHROPIC_BASE_URL and
// ANTHROPIC_API_KEY.
func (r *Runner) Driver() claude.Config {
	var env []string
	if r.ModelEndpoint != "" {
		env = append(env, "ANTHROPIC_BASE_URL="+r.ModelEndpoint)
	}
	if r.ModelAPIKey != "" {
		env = append(env, "ANTHROPIC_API_KEY="+r.ModelAPIKey)
	}
	return claude.Config{
		Binary:         r.ClaudeBinary,
		WorkDir:        r.Workspace,
		Model:          r.Model,
		PermissionMode: r.ToolMode,
		AllowedTools:   r.AllowedTools,
		Env:            env,
	}
}

// TaskRunner converts the configuration for runner.New.
func (r *Runner) TaskRunner() runner.Config {
	return runner.Config{Backlog: r.Backlog, CancelGrace: r.CancelGrace}
}

// Addr is the Task API listen address.
func (r *Runner) Addr() string {
	return ":" + strconv.Itoa(r.Port)
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
