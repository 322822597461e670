package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Manager defaults
const (
	DefaultNamePrefix        = "plural-sandbox-"
	DefaultPort              = 8080
	DefaultCPUs              = "2"
	DefaultMemory            = "4g"
	DefaultPidsLimit         = 512
	DefaultHealthRetries     = 30
	DefaultHealthInterval    = time.Second
	DefaultProbeTimeout      = 2 * time.Second
	DefaultFailureThreshold  = 3
	DefaultProvisionAttempts = 2
	DefaultStopTimeout       = 10 * time.Second
	DefaultLogTail           = 50

	// cleanupTimeout bounds teardown work that must outlive the caller's
	// context.
	cleanupTimeout = 30 * time.Second
)

// Config holds the container settings.
type Config struct {
	Image      string
	Owner      string // value of the owner label
	NamePrefix string
	Port       int
	Network    string

	CPUs      string
	Memory    string
	PidsLimit int

	HealthRetries     int
	HealthInterval    time.Duration
	ProbeTimeout      time.Duration
	FailureThreshold  int
	ProvisionAttempts int
	StopTimeout       time.Duration
	LogTail           int

	// Runner environment.
	ModelEndpoint string
	ModelAPIKey   string
	Model         string
	Locale        string
	Timezone      string
	ToolMode      string
	AllowedTools  string
	ExtraEnv      map[string]string
}

func (c Config) withDefaults() Config {
	if c.NamePrefix == "" {
		c.NamePrefix = DefaultNamePrefix
	}
	if c.Port <= 0 {
		c.Port = DefaultPort
	}
	if c.CPUs == "" {
		c.CPUs = DefaultCPUs
	}
	if c.Memory == "" {
		c.Memory = DefaultMemory
	}
	if c.PidsLimit <= 0 {
		c.PidsLimit = DefaultPidsLimit
	}
	if c.HealthRetries <= 0 {
		c.HealthRetries = DefaultHealthRetries
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = DefaultHealthInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.ProvisionAttempts <= 0 {
		c.ProvisionAttempts = DefaultProvisionAttempts
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.LogTail <= 0 {
		c.LogTail = DefaultLogTail
	}
	return c
}

// Deps are the Manager's collaborators.
type Deps struct {
	Runtime     Runtime
	Prober      Prober
	Workspaces  WorkspaceResolver
	Credentials CredentialSource // optional
	Registry    *Registry
	Log         *slog.Logger
}

// Manager provisions, health-checks and tears down session containers.
// Calls for the same session serialize; different sessions proceed in
// parallel. The registry lock is never held across runtime calls.
type Manager struct {
	cfg      Config
	runtime  Runtime
	prober   Prober
	ws       WorkspaceResolver
	creds    CredentialSource
	registry *Registry
	locks    *keyedMutex
	log      *slog.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewManager creates a manager.
func NewManager(cfg Config, deps Deps) *Manager {
	reg := deps.Registry
	if reg == nil {
		reg = NewRegistry()
	}
	return &Manager{
		cfg:      cfg.withDefaults(),
		runtime:  deps.Runtime,
		prober:   deps.Prober,
		ws:       deps.Workspaces,
		creds:    deps.Credentials,
		registry: reg,
		locks:    newKeyedMutex(),
		log:      deps.Log,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Registry returns the manager's registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Get returns the session's container record.
func (m *Manager) Get(sessionID string) (Record, bool) {
	return m.registry.Get(sessionID)
}

// Ensure returns a healthy container for the session, creating one if
// needed. A healthy record is returned without side effects; a record in
// any other state is removed and replaced.
func (m *Manager) Ensure(ctx context.Context, sessionID string) (Record, error) {
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	log := m.log.With("sessionID", sessionID)

	if rec, ok := m.registry.Get(sessionID); ok {
		if rec.Health == HealthHealthy {
			return rec, nil
		}
		log.Info("replacing unhealthy container", "container", shortID(rec.ContainerID), "health", rec.Health)
		if err := m.removeRecord(ctx, rec); err != nil {
			return Record{}, fmt.Errorf("remove unhealthy container: %w", err)
		}
	}

	workspace, err := m.ws.Workspace(ctx, sessionID)
	if err != nil {
		return Record{}, fmt.Errorf("resolve workspace: %w", err)
	}

	rec := Record{
		SessionID:     sessionID,
		Image:         m.cfg.Image,
		Owner:         m.cfg.Owner,
		WorkspacePath: workspace,
		MountPath:     MountPath,
		Health:        HealthProvisioning,
		CreatedAt:     m.now().UTC(),
	}
	if err := m.registry.Claim(rec); err != nil {
		return Record{}, err
	}

	env, err := m.environment(ctx, sessionID)
	if err != nil {
		m.registry.Delete(sessionID)
		return Record{}, err
	}

	var (
		lastErr  error
		lastLogs string
	)
	for attempt := 1; attempt <= m.cfg.ProvisionAttempts; attempt++ {
		spec := m.spec(sessionID, workspace, env)
		rec.Name = spec.Name

		id, addr, logs, err := m.provision(ctx, spec)
		if err == nil {
			rec.ContainerID = id
			rec.Address = addr
			rec.Health = HealthHealthy
			m.registry.Put(rec)
			log.Info("container ready", "container", shortID(id), "address", addr, "attempt", attempt)
			return rec, nil
		}

		lastErr, lastLogs = err, logs
		log.Warn("container provisioning attempt failed", "attempt", attempt, "error", err)
		if ctx.Err() != nil {
			break
		}
	}

	m.registry.Delete(sessionID)
	return Record{}, &ProvisioningError{
		SessionID: sessionID,
		Attempts:  m.cfg.ProvisionAttempts,
		Logs:      lastLogs,
		Err:       lastErr,
	}
}

// provision runs one create-and-wait attempt. On failure the container is
// removed and its log tail returned.
func (m *Manager) provision(ctx context.Context, spec Spec) (id, addr, logs string, err error) {
	id, err = m.runtime.Create(ctx, spec)
	if err != nil {
		return "", "", "", err
	}

	addr, err = m.runtime.Address(ctx, id, spec)
	if err == nil {
		err = m.waitHealthy(ctx, addr)
	}
	if err == nil {
		return id, addr, "", nil
	}

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if out, lerr := m.runtime.Logs(cctx, id, m.cfg.LogTail); lerr == nil {
		logs = out
	}
	if rerr := m.runtime.Remove(cctx, id); rerr != nil {
		m.log.Error("failed to remove container after failed provisioning", "container", shortID(id), "error", rerr)
	}
	return "", "", logs, err
}

func (m *Manager) waitHealthy(ctx context.Context, addr string) error {
	var err error
	for i := 0; i < m.cfg.HealthRetries; i++ {
		if i > 0 {
			if serr := m.sleep(ctx, m.cfg.HealthInterval); serr != nil {
				return serr
			}
		}
		if err = m.probe(ctx, addr); err == nil {
			return nil
		}
	}
	return fmt.Errorf("health check did not pass after %d probes: %w", m.cfg.HealthRetries, err)
}

func (m *Manager) probe(ctx context.Context, addr string) error {
	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()
	return m.prober.Probe(pctx, addr)
}

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

func (m *Manager) spec(sessionID, workspace string, env map[string]string) Spec {
	name := unsafeName.ReplaceAllString(sessionID, "-")
	if len(name) > 40 {
		name = name[:40]
	}
	// The random suffix keeps a retry from colliding with a container
	// docker has not finished removing.
	name = m.cfg.NamePrefix + name + "-" + uuid.NewString()[:8]

	return Spec{
		Name:  name,
		Image: m.cfg.Image,
		Labels: map[string]string{
			LabelOwner:   m.cfg.Owner,
			LabelSession: sessionID,
		},
		WorkspacePath: workspace,
		MountPath:     MountPath,
		Env:           env,
		CPUs:          m.cfg.CPUs,
		Memory:        m.cfg.Memory,
		PidsLimit:     m.cfg.PidsLimit,
		Network:       m.cfg.Network,
		Port:          m.cfg.Port,
	}
}

// environment builds the runner environment for the session.
func (m *Manager) environment(ctx context.Context, sessionID string) (map[string]string, error) {
	env := make(map[string]string, len(m.cfg.ExtraEnv)+10)
	for k, v := range m.cfg.ExtraEnv {
		env[k] = v
	}
	set := func(k, v string) {
		if v != "" {
			env[k] = v
		}
	}
	set("SANDBOX_SESSION_ID", sessionID)
	set("SANDBOX_WORKSPACE", MountPath)
	set("SANDBOX_PORT", strconv.Itoa(m.cfg.Port))
	set("SANDBOX_MODEL_ENDPOINT", m.cfg.ModelEndpoint)
	set("SANDBOX_MODEL_API_KEY", m.cfg.ModelAPIKey)
	set("SANDBOX_MODEL", m.cfg.Model)
	set("SANDBOX_TOOL_MODE", m.cfg.ToolMode)
	set("SANDBOX_ALLOWED_TOOLS", m.cfg.AllowedTools)
	set("LANG", m.cfg.Locale)
	set("TZ", m.cfg.Timezone)

	if m.creds != nil {
		token, err := m.creds.RepoToken(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("issue repository token: %w", err)
		}
		set("GH_TOKEN", token)
		set("GITHUB_TOKEN", token)
	}
	return env, nil
}

// Health probes the session's container once. After FailureThreshold
// consecutive failures the record is marked error so the next Ensure
// recreates it.
func (m *Manager) Health(ctx context.Context, sessionID string) (HealthStatus, error) {
	rec, ok := m.registry.Get(sessionID)
	if !ok {
		return HealthStatus{}, ErrNotFound
	}
	if rec.Health == HealthProvisioning {
		return HealthStatus{Health: rec.Health, CheckedAt: m.now().UTC()}, nil
	}

	perr := m.probe(ctx, rec.Address)

	rec, ok = m.registry.Update(sessionID, func(r *Record) {
		if r.ContainerID != rec.ContainerID {
			return
		}
		if perr == nil {
			r.Failures = 0
			if r.Health != HealthError {
				r.Health = HealthHealthy
			}
			return
		}
		r.Failures++
		if r.Failures >= m.cfg.FailureThreshold && r.Health != HealthError {
			r.Health = HealthError
			m.log.Warn("container marked unhealthy", "sessionID", sessionID,
				"container", shortID(r.ContainerID), "failures", r.Failures, "error", perr)
		}
	})
	if !ok {
		return HealthStatus{}, ErrNotFound
	}

	status := HealthStatus{
		Health:              rec.Health,
		ConsecutiveFailures: rec.Failures,
		CheckedAt:           m.now().UTC(),
	}
	if perr != nil {
		status.LastError = perr.Error()
	}
	return status, nil
}

// MarkFailed marks the session's container as error so the next Ensure
// replaces it.
func (m *Manager) MarkFailed(sessionID string) {
	if _, ok := m.registry.Update(sessionID, func(r *Record) { r.Health = HealthError }); ok {
		m.log.Warn("container marked failed", "sessionID", sessionID)
	}
}

// Stop stops the session's container gracefully and removes it. It is a
// no-op when the session has no container.
func (m *Manager) Stop(ctx context.Context, sessionID string) error {
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	rec, ok := m.registry.Get(sessionID)
	if !ok {
		return nil
	}
	if rec.ContainerID != "" {
		if err := m.runtime.Stop(ctx, rec.ContainerID, m.cfg.StopTimeout); err != nil {
			m.log.Warn("graceful stop failed, removing", "sessionID", sessionID, "error", err)
		}
	}
	return m.removeRecord(ctx, rec)
}

// Remove force-removes the session's container. It is a no-op when the
// session has no container.
func (m *Manager) Remove(ctx context.Context, sessionID string) error {
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	rec, ok := m.registry.Get(sessionID)
	if !ok {
		return nil
	}
	return m.removeRecord(ctx, rec)
}

// removeRecord removes rec's container and drops the record. The caller
// holds the session lock.
func (m *Manager) removeRecord(ctx context.Context, rec Record) error {
	if rec.ContainerID != "" {
		if err := m.runtime.Remove(ctx, rec.ContainerID); err != nil {
			return err
		}
	}
	m.registry.Delete(rec.SessionID)
	m.log.Info("container removed", "sessionID", rec.SessionID, "container", shortID(rec.ContainerID))
	return nil
}

// ReapOrphans removes labelled containers that no registered session
// references and returns how many were removed.
func (m *Manager) ReapOrphans(ctx context.Context) (int, error) {
	list, err := m.runtime.List(ctx, map[string]string{LabelOwner: m.cfg.Owner})
	if err != nil {
		return 0, err
	}

	known := make(map[string]bool)
	sessions := make(map[string]bool)
	for _, rec := range m.registry.List() {
		known[rec.ContainerID] = true
		sessions[rec.SessionID] = true
	}

	var (
		removed int
		errs    []error
	)
	for _, c := range list {
		// A session that is still provisioning has a record but no
		// container id yet.
		if known[c.ID] || sessions[c.SessionID] {
			continue
		}
		m.log.Info("removing orphaned container", "container", shortID(c.ID), "name", c.Name, "sessionID", c.SessionID)
		if err := m.runtime.Remove(ctx, c.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// Shutdown removes every registered container in parallel.
func (m *Manager) Shutdown(ctx context.Context) error {
	records := m.registry.List()
	errs := make([]error, len(records))

	var wg sync.WaitGroup
	for i, rec := range records {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = m.Remove(ctx, rec.SessionID)
		}()
	}
	wg.Wait()

	m.log.Info("containers shut down", "count", len(records))
	return errors.Join(errs...)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
