// Package config loads the settings of the two binaries: the host daemon
// reads a YAML file, the in-container runner reads its environment.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zhubert/plural-sandbox/claude"
	"github.com/zhubert/plural-sandbox/container"
	"github.com/zhubert/plural-sandbox/runner"
	"github.com/zhubert/plural-sandbox/sandbox"
	"github.com/zhubert/plural-sandbox/stream"
)

// Host defaults
const (
	DefaultListen        = "127.0.0.1:7070"
	DefaultOwner         = "default"
	DefaultImage         = "ghcr.io/zhubert/plural-sandbox-runner:latest"
	DefaultAPIKeyEnv     = "ANTHROPIC_API_KEY"
	DefaultCredentialEnv = "GITHUB_TOKEN"
	DefaultIdleTimeout   = 30 * time.Minute

	// MemoryStore selects the in-memory audit store.
	MemoryStore = "memory"
)

// Host is the sandbox daemon configuration.
type Host struct {
	Listen string `yaml:"listen"`
	// Owner is the value of the owner label on every container this daemon
	// manages. Daemons sharing a Docker host need distinct owners.
	Owner     string `yaml:"owner"`
	Image     string `yaml:"image"`
	PullImage bool   `yaml:"pull_image,omitempty"`

	WorkspacesDir string `yaml:"workspaces_dir,omitempty"`
	// AuditDB is the SQLite audit path, or "memory".
	AuditDB string `yaml:"audit_db,omitempty"`
	LogFile string `yaml:"log_file,omitempty"`
	Debug   bool   `yaml:"debug,omitempty"`

	Auth      AuthConfig      `yaml:"auth"`
	Container ContainerConfig `yaml:"container"`
	Runner    RunnerConfig    `yaml:"runner"`
	Timeouts  TimeoutConfig   `yaml:"timeouts"`
}

// AuthConfig controls caller authentication.
type AuthConfig struct {
	Required bool `yaml:"required,omitempty"`
	// Tokens maps bearer tokens to user ids.
	Tokens map[string]string `yaml:"tokens,omitempty"`
}

// ContainerConfig holds per-container resources and health checking.
type ContainerConfig struct {
	Network           string   `yaml:"network,omitempty"`
	Port              int      `yaml:"port,omitempty"`
	CPUs              string   `yaml:"cpus,omitempty"`
	Memory            string   `yaml:"memory,omitempty"`
	PidsLimit         int      `yaml:"pids_limit,omitempty"`
	HealthRetries     int      `yaml:"health_retries,omitempty"`
	HealthInterval    Duration `yaml:"health_interval,omitempty"`
	ProbeTimeout      Duration `yaml:"probe_timeout,omitempty"`
	FailureThreshold  int      `yaml:"failure_threshold,omitempty"`
	ProvisionAttempts int      `yaml:"provision_attempts,omitempty"`
	StopTimeout       Duration `yaml:"stop_timeout,omitempty"`
	LogTail           int      `yaml:"log_tail,omitempty"`
	InitGit           bool     `yaml:"init_git,omitempty"`
}

// RunnerConfig is handed to the agent runner inside each container.
type RunnerConfig struct {
	ModelEndpoint string `yaml:"model_endpoint,omitempty"`
	// ModelAPIKey is normally left empty and read from ModelAPIKeyEnv.
	ModelAPIKey    string            `yaml:"model_api_key,omitempty"`
	ModelAPIKeyEnv string            `yaml:"model_api_key_env,omitempty"`
	Model          string            `yaml:"model,omitempty"`
	Locale         string            `yaml:"locale,omitempty"`
	Timezone       string            `yaml:"timezone,omitempty"`
	ToolMode       string            `yaml:"tool_mode,omitempty"`
	AllowedTools   []string          `yaml:"allowed_tools,omitempty"`
	Backlog        int               `yaml:"backlog,omitempty"`
	CancelGrace    Duration          `yaml:"cancel_grace,omitempty"`
	CredentialEnv  string            `yaml:"credential_env,omitempty"`
	ExtraEnv       map[string]string `yaml:"extra_env,omitempty"`
}

// TimeoutConfig holds the host-side timeouts.
type TimeoutConfig struct {
	Cancel        Duration `yaml:"cancel,omitempty"`
	Request       Duration `yaml:"request,omitempty"`
	IdleSession   Duration `yaml:"idle_session,omitempty"`
	SweepInterval Duration `yaml:"sweep_interval,omitempty"`
	Heartbeat     Duration `yaml:"heartbeat,omitempty"`
}

// DefaultHost returns the configuration used when no file exists.
func DefaultHost() *Host {
	h := &Host{}
	h.applyDefaults()
	return h
}

// LoadHost reads, defaults and validates the daemon configuration at path.
// A missing file yields the defaults.
func LoadHost(path string) (*Host, error) {
	h := &Host{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, h); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	h.applyDefaults()
	if errs := h.Validate(); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, fmt.Errorf("invalid config %s: %s", path, strings.Join(msgs, "; "))
	}
	return h, nil
}

func (h *Host) applyDefaults() {
	if h.Listen == "" {
		h.Listen = DefaultListen
	}
	if h.Owner == "" {
		h.Owner = DefaultOwner
	}
	if h.Image == "" {
		h.Image = DefaultImage
	}

	c := &h.Container
	if c.Port == 0 {
		c.Port = container.DefaultPort
	}
	if c.CPUs == "" {
		c.CPUs = container.DefaultCPUs
	}
	if c.Memory == "" {
		c.Memory = container.DefaultMemory
	}
	if c.PidsLimit == 0 {
		c.PidsLimit = container.DefaultPidsLimit
	}
	if c.HealthRetries == 0 {
		c.HealthRetries = container.DefaultHealthRetries
	}
	c.HealthInterval = c.HealthInterval.orDefault(container.DefaultHealthInterval)
	c.ProbeTimeout = c.ProbeTimeout.orDefault(container.DefaultProbeTimeout)
	if c.FailureThreshold == 0 {
		c.FailureThreshold = container.DefaultFailureThreshold
	}
	if c.ProvisionAttempts == 0 {
		c.ProvisionAttempts = container.DefaultProvisionAttempts
	}
	c.StopTimeout = c.StopTimeout.orDefault(container.DefaultStopTimeout)
	if c.LogTail == 0 {
		c.LogTail = container.DefaultLogTail
	}

	r := &h.Runner
	if r.ModelAPIKeyEnv == "" {
		r.ModelAPIKeyEnv = DefaultAPIKeyEnv
	}
	if r.ToolMode == "" {
		r.ToolMode = claude.PermissionModeAcceptEdits
	}
	if r.CredentialEnv == "" {
		r.CredentialEnv = DefaultCredentialEnv
	}
	r.CancelGrace = r.CancelGrace.orDefault(runner.DefaultCancelGrace)

	t := &h.Timeouts
	t.Cancel = t.Cancel.orDefault(sandbox.DefaultCancelTimeout)
	t.Request = t.Request.orDefault(sandbox.DefaultRequestTimeout)
	t.IdleSession = t.IdleSession.orDefault(DefaultIdleTimeout)
	t.Heartbeat = t.Heartbeat.orDefault(stream.DefaultHeartbeatInterval)
}

// ValidationError describes a single validation problem.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks a defaulted Host and returns all problems found.
func (h *Host) Validate() []ValidationError {
	var errs []ValidationError
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if _, _, err := net.SplitHostPort(h.Listen); err != nil {
		add("listen", "must be host:port: %v", err)
	}
	if strings.ContainsAny(h.Owner, "=, \t\n") {
		add("owner", "must not contain '=', ',' or whitespace")
	}
	if h.Auth.Required && len(h.Auth.Tokens) == 0 {
		add("auth.tokens", "at least one token is required when auth is required")
	}
	for token, user := range h.Auth.Tokens {
		if token == "" || user == "" {
			add("auth.tokens", "tokens and user ids must be non-empty")
			break
		}
	}

	c := h.Container
	if c.Port < 1 || c.Port > 65535 {
		add("container.port", "must be between 1 and 65535, got %d", c.Port)
	}
	if c.PidsLimit < 0 {
		add("container.pids_limit", "must not be negative")
	}
	if c.HealthRetries < 1 {
		add("container.health_retries", "must be at least 1")
	}
	if c.FailureThreshold < 1 {
		add("container.failure_threshold", "must be at least 1")
	}
	if c.ProvisionAttempts < 1 {
		add("container.provision_attempts", "must be at least 1")
	}

	if err := claude.ValidatePermissionMode(h.Runner.ToolMode); err != nil {
		add("runner.tool_mode", "%v", err)
	}
	if h.Runner.Backlog < 0 {
		add("runner.backlog", "must not be negative")
	}
	for k := range h.Runner.ExtraEnv {
		if k == "" || strings.ContainsAny(k, "= \t\n") {
			add("runner.extra_env", "invalid variable name %q", k)
		}
	}

	if h.Timeouts.Cancel.Duration <= h.Runner.CancelGrace.Duration {
		add("timeouts.cancel", "must exceed runner.cancel_grace (%s), got %s", h.Runner.CancelGrace, h.Timeouts.Cancel)
	}
	if h.Timeouts.SweepInterval.Duration < 0 {
		add("timeouts.sweep_interval", "must not be negative")
	}
	return errs
}

// APIKey returns the model API key, reading it from the environment
// variable named by ModelAPIKeyEnv when it is not set inline.
func (r RunnerConfig) APIKey(getenv func(string) string) string {
	if r.ModelAPIKey != "" {
		return r.ModelAPIKey
	}
	return getenv(r.ModelAPIKeyEnv)
}

// ContainerManager converts the configuration for container.NewManager.
func (h *Host) ContainerManager(getenv func(string) string) container.Config {
	env := map[string]string{
		EnvCancelGrace: h.Runner.CancelGrace.String(),
	}
	if h.Runner.Backlog > 0 {
		env[EnvBacklog] = fmt.Sprint(h.Runner.Backlog)
	}
	if h.Debug {
		env[EnvDebug] = "1"
	}
	for k, v := range h.Runner.ExtraEnv {
		env[k] = v
	}

	c := h.Container
	return container.Config{
		Image:             h.Image,
		Owner:             h.Owner,
		Port:              c.Port,
		Network:           c.Network,
		CPUs:              c.CPUs,
		Memory:            c.Memory,
		PidsLimit:         c.PidsLimit,
		HealthRetries:     c.HealthRetries,
		HealthInterval:    c.HealthInterval.Duration,
		ProbeTimeout:      c.ProbeTimeout.Duration,
		FailureThreshold:  c.FailureThreshold,
		ProvisionAttempts: c.ProvisionAttempts,
		StopTimeout:       c.StopTimeout.Duration,
		LogTail:           c.LogTail,
		ModelEndpoint:     h.Runner.ModelEndpoint,
		ModelAPIKey:       h.Runner.APIKey(getenv),
		Model:             h.Runner.Model,
		Locale:            h.Runner.Locale,
		Timezone:          h.Runner.Timezone,
		ToolMode:          h.Runner.ToolMode,
		AllowedTools:      strings.Join(h.Runner.AllowedTools, ","),
		ExtraEnv:          env,
	}
}

// Executor converts the configuration for sandbox.NewDockerExecutor.
func (h *Host) Executor() sandbox.Config {
	return sandbox.Config{
		CancelTimeout:  h.Timeouts.Cancel.Duration,
		RequestTimeout: h.Timeouts.Request.Duration,
		Relay:          stream.Config{HeartbeatInterval: h.Timeouts.Heartbeat.Duration},
	}
}
