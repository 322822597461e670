package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeRuntime struct {
	mu        sync.Mutex
	next      int
	creates   []Spec
	removed   []string
	stopped   []string
	createErr error
	listed    []Summary
	listArgs  map[string]string
}

func (f *fakeRuntime) Create(_ context.Context, spec Spec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.next++
	f.creates = append(f.creates, spec)
	return fmt.Sprintf("container-%d", f.next), nil
}

func (f *fakeRuntime) Address(_ context.Context, id string, _ Spec) (string, error) {
	return "addr-" + id, nil
}

func (f *fakeRuntime) Stop(_ context.Context, id string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeRuntime) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeRuntime) List(_ context.Context, labels map[string]string) ([]Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listArgs = labels
	return f.listed, nil
}

func (f *fakeRuntime) Logs(_ context.Context, _ string, _ int) (string, error) {
	return "runner: address already in use", nil
}

func (f *fakeRuntime) counts() (creates, removes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.creates), len(f.removed)
}

// fakeProber passes unless fail returns an error for the address.
type fakeProber struct {
	mu    sync.Mutex
	fail  func(addr string) error
	calls int
}

func (p *fakeProber) Probe(ctx context.Context, addr string) error {
	p.mu.Lock()
	p.calls++
	fail := p.fail
	p.mu.Unlock()
	if fail != nil {
		return fail(addr)
	}
	return nil
}

func (p *fakeProber) setFail(fn func(string) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = fn
}

// dirWorkspaces maps each session to /ws/<id> unless overridden.
type dirWorkspaces map[string]string

func (d dirWorkspaces) Workspace(_ context.Context, sessionID string) (string, error) {
	if p, ok := d[sessionID]; ok {
		return p, nil
	}
	return "/ws/" + sessionID, nil
}

type staticCreds string

func (s staticCreds) RepoToken(context.Context, string) (string, error) { return string(s), nil }

func newTestManager(t *testing.T, cfg Config, ws dirWorkspaces) (*Manager, *fakeRuntime, *fakeProber) {
	t.Helper()
	rt := &fakeRuntime{}
	pr := &fakeProber{}
	if ws == nil {
		ws = dirWorkspaces{}
	}
	if cfg.Owner == "" {
		cfg.Owner = "test-host"
	}
	if cfg.HealthRetries == 0 {
		cfg.HealthRetries = 3
	}
	m := NewManager(cfg, Deps{
		Runtime:     rt,
		Prober:      pr,
		Workspaces:  ws,
		Credentials: staticCreds("ghp_token"),
		Registry:    NewRegistry(),
		Log:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	m.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return m, rt, pr
}

func TestEnsure_CreatesOnceAndReuses(t *testing.T) {
	m, rt, _ := newTestManager(t, Config{Image: "sandbox:1", Model: "sonnet"}, nil)
	ctx := context.Background()

	rec, err := m.Ensure(ctx, "s1")
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if rec.Health != HealthHealthy || rec.ContainerID != "container-1" || rec.Address != "addr-container-1" {
		t.Errorf("record = %+v", rec)
	}
	if rec.WorkspacePath != "/ws/s1" || rec.MountPath != MountPath {
		t.Errorf("mount = %s -> %s", rec.WorkspacePath, rec.MountPath)
	}

	again, err := m.Ensure(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if again.ContainerID != rec.ContainerID {
		t.Errorf("second Ensure returned a different container")
	}
	if creates, _ := rt.counts(); creates != 1 {
		t.Errorf("creates = %d, want 1", creates)
	}

	spec := rt.creates[0]
	if spec.Labels[LabelOwner] != "test-host" || spec.Labels[LabelSession] != "s1" {
		t.Errorf("labels = %v", spec.Labels)
	}
	if spec.Env["GH_TOKEN"] != "ghp_token" || spec.Env["SANDBOX_MODEL"] != "sonnet" || spec.Env["SANDBOX_SESSION_ID"] != "s1" {
		t.Errorf("env = %v", spec.Env)
	}
	if spec.CPUs != DefaultCPUs || spec.Memory != DefaultMemory || spec.PidsLimit != DefaultPidsLimit {
		t.Errorf("limits = %s %s %d", spec.CPUs, spec.Memory, spec.PidsLimit)
	}
}

func TestEnsure_ConcurrentSameSessionCreatesOne(t *testing.T) {
	m, rt, _ := newTestManager(t, Config{}, nil)

	var wg sync.WaitGroup
	ids := make([]string, 10)
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := m.Ensure(context.Background(), "s1")
			if err != nil {
				t.Errorf("Ensure() error = %v", err)
				return
			}
			ids[i] = rec.ContainerID
		}()
	}
	wg.Wait()

	if creates, _ := rt.counts(); creates != 1 {
		t.Errorf("creates = %d, want 1", creates)
	}
	for _, id := range ids {
		if id != ids[0] {
			t.Errorf("callers saw different containers: %v", ids)
			break
		}
	}
}

func TestEnsure_DifferentSessionsRunInParallel(t *testing.T) {
	m, _, pr := newTestManager(t, Config{HealthRetries: 1, ProbeTimeout: 2 * time.Second}, nil)

	// Each probe waits until both sessions are probing; serialized
	// provisioning would time out.
	var arrived sync.WaitGroup
	arrived.Add(2)
	both := make(chan struct{})
	go func() {
		arrived.Wait()
		close(both)
	}()
	var once sync.Map
	pr.setFail(func(addr string) error {
		if _, loaded := once.LoadOrStore(addr, true); !loaded {
			arrived.Done()
		}
		select {
		case <-both:
			return nil
		case <-time.After(time.Second):
			return errors.New("other session never probed")
		}
	})

	var wg sync.WaitGroup
	for _, sid := range []string{"a", "b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Ensure(context.Background(), sid); err != nil {
				t.Errorf("Ensure(%s) error = %v", sid, err)
			}
		}()
	}
	wg.Wait()
}

func TestEnsure_ProvisioningFailure(t *testing.T) {
	m, rt, pr := newTestManager(t, Config{ProvisionAttempts: 2}, nil)
	pr.setFail(func(string) error { return errors.New("connection refused") })

	_, err := m.Ensure(context.Background(), "s1")
	var perr *ProvisioningError
	if !errors.As(err, &perr) {
		t.Fatalf("Ensure() error = %v, want *ProvisioningError", err)
	}
	if perr.Attempts != 2 || perr.Logs == "" {
		t.Errorf("ProvisioningError = %+v", perr)
	}
	creates, removes := rt.counts()
	if creates != 2 || removes != 2 {
		t.Errorf("creates/removes = %d/%d, want 2/2", creates, removes)
	}
	if m.Registry().Len() != 0 {
		t.Error("failed provisioning should leave no record")
	}
}

func TestEnsure_CreateFailure(t *testing.T) {
	m, rt, _ := newTestManager(t, Config{ProvisionAttempts: 1}, nil)
	rt.createErr = errors.New("image not found")

	_, err := m.Ensure(context.Background(), "s1")
	var perr *ProvisioningError
	if !errors.As(err, &perr) || !errors.Is(err, rt.createErr) {
		t.Fatalf("Ensure() error = %v", err)
	}
}

func TestEnsure_WorkspaceInUse(t *testing.T) {
	m, rt, _ := newTestManager(t, Config{}, dirWorkspaces{"a": "/ws/shared", "b": "/ws/shared/"})

	if _, err := m.Ensure(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Ensure(context.Background(), "b"); !errors.Is(err, ErrWorkspaceInUse) {
		t.Errorf("Ensure(b) error = %v, want ErrWorkspaceInUse", err)
	}
	if creates, _ := rt.counts(); creates != 1 {
		t.Errorf("creates = %d, want 1", creates)
	}
}

func TestHealth_ThresholdMarksErrorAndEnsureRecreates(t *testing.T) {
	m, rt, pr := newTestManager(t, Config{FailureThreshold: 3}, nil)
	ctx := context.Background()

	if _, err := m.Ensure(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	pr.setFail(func(string) error { return errors.New("timeout") })

	for i := 1; i <= 3; i++ {
		st, err := m.Health(ctx, "s1")
		if err != nil {
			t.Fatal(err)
		}
		if st.ConsecutiveFailures != i || st.Healthy() {
			t.Errorf("probe %d: %+v", i, st)
		}
		want := HealthHealthy
		if i == 3 {
			want = HealthError
		}
		if st.Health != want {
			t.Errorf("probe %d: health = %s, want %s", i, st.Health, want)
		}
	}

	pr.setFail(nil)
	rec, err := m.Ensure(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.ContainerID != "container-2" {
		t.Errorf("ContainerID = %s, want a new container", rec.ContainerID)
	}
	if _, removes := rt.counts(); removes != 1 {
		t.Errorf("removes = %d, want 1", removes)
	}
}

func TestHealth_RecoveryResetsFailures(t *testing.T) {
	m, _, pr := newTestManager(t, Config{FailureThreshold: 3}, nil)
	ctx := context.Background()
	m.Ensure(ctx, "s1")

	pr.setFail(func(string) error { return errors.New("timeout") })
	m.Health(ctx, "s1")
	pr.setFail(nil)
	st, _ := m.Health(ctx, "s1")
	if st.ConsecutiveFailures != 0 || !st.Healthy() {
		t.Errorf("status = %+v", st)
	}

	if _, err := m.Health(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Health(missing) error = %v", err)
	}
}

func TestMarkFailed(t *testing.T) {
	m, rt, _ := newTestManager(t, Config{}, nil)
	ctx := context.Background()
	m.Ensure(ctx, "s1")

	m.MarkFailed("s1")
	if rec, _ := m.Get("s1"); rec.Health != HealthError {
		t.Errorf("health = %s", rec.Health)
	}
	m.Ensure(ctx, "s1")
	if creates, _ := rt.counts(); creates != 2 {
		t.Errorf("creates = %d, want 2", creates)
	}
}

func TestStopAndRemove(t *testing.T) {
	m, rt, _ := newTestManager(t, Config{}, nil)
	ctx := context.Background()

	if err := m.Stop(ctx, "none"); err != nil {
		t.Errorf("Stop(absent) = %v", err)
	}
	if err := m.Remove(ctx, "none"); err != nil {
		t.Errorf("Remove(absent) = %v", err)
	}

	m.Ensure(ctx, "s1")
	if err := m.Stop(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if len(rt.stopped) != 1 || len(rt.removed) != 1 {
		t.Errorf("stopped=%v removed=%v", rt.stopped, rt.removed)
	}
	if _, ok := m.Get("s1"); ok {
		t.Error("record should be gone after Stop")
	}
	if err := m.Stop(ctx, "s1"); err != nil {
		t.Errorf("second Stop() = %v", err)
	}
}

func TestReapOrphans(t *testing.T) {
	m, rt, _ := newTestManager(t, Config{Owner: "host-a"}, nil)
	ctx := context.Background()
	known, _ := m.Ensure(ctx, "s1")
	m.Registry().Put(Record{SessionID: "s2", WorkspacePath: "/ws/s2", Health: HealthProvisioning})

	rt.listed = []Summary{
		{ID: known.ContainerID, SessionID: "s1"},
		{ID: "orphan-1", SessionID: "gone"},
		{ID: "provisioning-1", SessionID: "s2"},
	}

	n, err := m.ReapOrphans(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || len(rt.removed) != 1 || rt.removed[0] != "orphan-1" {
		t.Errorf("reaped %d, removed %v", n, rt.removed)
	}
	if rt.listArgs[LabelOwner] != "host-a" {
		t.Errorf("List labels = %v", rt.listArgs)
	}
}

func TestShutdown(t *testing.T) {
	m, rt, _ := newTestManager(t, Config{}, nil)
	ctx := context.Background()
	for _, sid := range []string{"a", "b", "c"} {
		if _, err := m.Ensure(ctx, sid); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if _, removes := rt.counts(); removes != 3 {
		t.Errorf("removes = %d, want 3", removes)
	}
	if m.Registry().Len() != 0 {
		t.Error("registry should be empty")
	}
}

func TestSpec_Name(t *testing.T) {
	m, _, _ := newTestManager(t, Config{}, nil)
	spec := m.spec("user/../weird id", "/ws", nil)
	if len(spec.Name) == 0 || spec.Name[:len(DefaultNamePrefix)] != DefaultNamePrefix {
		t.Errorf("Name = %q", spec.Name)
	}
	if unsafeName.MatchString(spec.Name) {
		t.Errorf("Name %q contains unsafe characters", spec.Name)
	}
}
