package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zhubert/plural-sandbox/container"
	"github.com/zhubert/plural-sandbox/event"
	"github.com/zhubert/plural-sandbox/runner"
	"github.com/zhubert/plural-sandbox/sandbox"
	"github.com/zhubert/plural-sandbox/session"
	"github.com/zhubert/plural-sandbox/store"
	"github.com/zhubert/plural-sandbox/stream"
	"github.com/zhubert/plural-sandbox/taskapi"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type releaseAgent struct {
	release chan struct{}
}

type releaseExecution struct {
	release   chan struct{}
	interrupt chan struct{}
	once      sync.Once
}

func (a *releaseAgent) Start(_ context.Context, _ runner.Task, emit runner.Emit) (runner.Execution, error) {
	if err := emit(event.TypeText, event.Text{Content: "hello"}); err != nil {
		return nil, err
	}
	return &releaseExecution{release: a.release, interrupt: make(chan struct{})}, nil
}

func (x *releaseExecution) Wait() (runner.Outcome, error) {
	select {
	case <-x.release:
		return runner.Outcome{Summary: "ok", Success: true}, nil
	case <-x.interrupt:
		return runner.Outcome{}, errors.New("interrupted")
	}
}

func (x *releaseExecution) Interrupt() error {
	x.once.Do(func() { close(x.interrupt) })
	return nil
}

type stubContainers struct {
	address string
}

func (c *stubContainers) Ensure(_ context.Context, sessionID string) (container.Record, error) {
	return container.Record{SessionID: sessionID, ContainerID: "c-" + sessionID, Address: c.address, Health: container.HealthHealthy}, nil
}

func (c *stubContainers) Health(_ context.Context, sessionID string) (container.HealthStatus, error) {
	return container.HealthStatus{Health: container.HealthHealthy}, nil
}

func (c *stubContainers) MarkFailed(string) {}

func (c *stubContainers) Stop(context.Context, string) error { return nil }

func (c *stubContainers) Remove(context.Context, string) error { return nil }

type fixture struct {
	gateway *httptest.Server
	agent   *releaseAgent
}

func newFixture(t *testing.T, cfg Config, auth Authenticator) *fixture {
	t.Helper()
	agent := &releaseAgent{release: make(chan struct{})}
	r := runner.New(agent, runner.Config{}, discardLogger())
	box := httptest.NewServer(taskapi.NewServer(r, discardLogger()))
	t.Cleanup(box.Close)

	exec := sandbox.NewDockerExecutor(sandbox.Config{}, sandbox.Deps{
		Containers: &stubContainers{address: box.URL},
		Sessions:   session.NewRegistry(),
		Store:      store.NewMemoryStore(),
		HTTPClient: box.Client(),
		Log:        discardLogger(),
	})
	t.Cleanup(exec.Close)

	gw := httptest.NewServer(New(cfg, exec, auth, discardLogger()))
	t.Cleanup(gw.Close)
	return &fixture{gateway: gw, agent: agent}
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.gateway.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.gateway.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode %T: %v", v, err)
	}
	return v
}

func TestGateway_SubmitStreamAndList(t *testing.T) {
	f := newFixture(t, Config{}, nil)

	resp := f.do(t, http.MethodPost, "/v1/sessions/s1/tasks", "", SubmitRequest{Prompt: "hi"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status = %d", resp.StatusCode)
	}
	sub := decode[SubmitResponse](t, resp)
	if sub.SessionID != "s1" || sub.TaskID == "" {
		t.Fatalf("submit response = %+v", sub)
	}

	events := f.do(t, http.MethodGet, "/v1/tasks/"+sub.TaskID+"/events", "", nil)
	if events.StatusCode != http.StatusOK {
		t.Fatalf("events status = %d", events.StatusCode)
	}
	if ct := events.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("Content-Type = %q", ct)
	}
	close(f.agent.release)

	dec := stream.NewDecoder(events.Body)
	var types []event.Type
	for dec.Next() {
		ev, err := stream.ParseEvent(dec.Frame())
		if err != nil {
			t.Fatal(err)
		}
		if ev.Type != event.TypeHeartbeat {
			types = append(types, ev.Type)
		}
	}
	events.Body.Close()
	if len(types) != 2 || types[0] != event.TypeText || types[1] != event.TypeResult {
		t.Errorf("event types = %v", types)
	}

	// The audit record lands once the tracker sees the result.
	deadline := time.Now().Add(5 * time.Second)
	for {
		list := decode[struct {
			Tasks []store.TaskRecord `json:"tasks"`
		}](t, f.do(t, http.MethodGet, "/v1/sessions/s1/tasks", "", nil))
		if len(list.Tasks) == 1 {
			if list.Tasks[0].Status != "completed" {
				t.Errorf("record = %+v", list.Tasks[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("task never recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestGateway_CreateSessionAssignsID(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	resp := f.do(t, http.MethodPost, "/v1/sessions", "", SubmitRequest{Prompt: "hi"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	sub := decode[SubmitResponse](t, resp)
	if len(sub.SessionID) != 36 {
		t.Errorf("session id = %q", sub.SessionID)
	}
	close(f.agent.release)
}

func TestGateway_ErrorMapping(t *testing.T) {
	f := newFixture(t, Config{}, nil)

	resp := f.do(t, http.MethodPost, "/v1/sessions/s1/tasks", "", SubmitRequest{Prompt: ""})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty prompt status = %d", resp.StatusCode)
	}
	if e := decode[ErrorResponse](t, resp); e.Kind != sandbox.KindInvalidRequest {
		t.Errorf("kind = %q", e.Kind)
	}

	resp = f.do(t, http.MethodPost, "/v1/sessions/s1/tasks", "", SubmitRequest{Prompt: "one"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("first submit status = %d", resp.StatusCode)
	}
	sub := decode[SubmitResponse](t, resp)

	resp = f.do(t, http.MethodPost, "/v1/sessions/s1/tasks", "", SubmitRequest{Prompt: "two"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("busy status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/v1/tasks/nope/events", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown task status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/v1/sessions/s1/tasks?limit=x", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = f.do(t, http.MethodPost, "/v1/tasks/"+sub.TaskID+"/cancel", "", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("cancel status = %d", resp.StatusCode)
	}
	if c := decode[CancelResponse](t, resp); c.Status != runner.StatusCancelled || c.ErrorKind != "" {
		t.Errorf("cancel response = %+v", c)
	}
}

func TestGateway_SessionHealthAndDelete(t *testing.T) {
	f := newFixture(t, Config{}, nil)

	resp := f.do(t, http.MethodGet, "/v1/sessions/s1/health", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown session health status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = f.do(t, http.MethodPost, "/v1/sessions/s1/tasks", "", SubmitRequest{Prompt: "x"})
	resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/v1/sessions/s1/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
	h := decode[HealthResponse](t, resp)
	if h.Session.ID != "s1" || h.Container == nil || !h.Container.Healthy() {
		t.Errorf("health = %+v", h)
	}

	resp = f.do(t, http.MethodDelete, "/v1/sessions/s1", "", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/v1/sessions/s1/health", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("deleted session health status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestGateway_Auth(t *testing.T) {
	auth := StaticTokens{"tok-a": "alice", "tok-b": "bob"}
	f := newFixture(t, Config{RequireAuth: true}, auth)

	resp := f.do(t, http.MethodPost, "/v1/sessions/s1/tasks", "", SubmitRequest{Prompt: "x"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("anonymous status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = f.do(t, http.MethodPost, "/v1/sessions/s1/tasks", "wrong", SubmitRequest{Prompt: "x"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad token status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = f.do(t, http.MethodPost, "/v1/sessions/s1/tasks", "tok-a", SubmitRequest{Prompt: "x"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("alice submit status = %d", resp.StatusCode)
	}
	sub := decode[SubmitResponse](t, resp)

	for _, path := range []string{"/v1/tasks/" + sub.TaskID, "/v1/sessions/s1/health"} {
		resp = f.do(t, http.MethodGet, path, "tok-b", nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("bob GET %s status = %d, want 404", path, resp.StatusCode)
		}
		resp.Body.Close()
	}

	resp = f.do(t, http.MethodGet, "/v1/tasks/"+sub.TaskID, "tok-a", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("alice GET task status = %d", resp.StatusCode)
	}
	info := decode[sandbox.TaskInfo](t, resp)
	if info.OwnerID != "alice" {
		t.Errorf("owner = %q", info.OwnerID)
	}

	// healthz is open.
	resp = f.do(t, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", resp.StatusCode)
	}
	resp.Body.Close()
	close(f.agent.release)
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer abc", "abc"},
		{"bearer  abc ", "abc"},
		{"Basic abc", ""},
		{"Bearer", ""},
		{"", ""},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			r.Header.Set("Authorization", tt.header)
		}
		if got := bearerToken(r); got != tt.want {
			t.Errorf("bearerToken(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}

func TestStatusFor(t *testing.T) {
	tests := map[sandbox.Kind]int{
		sandbox.KindNotFound:             404,
		sandbox.KindBusy:                 409,
		sandbox.KindInvalidRequest:       400,
		sandbox.KindTimeout:              504,
		sandbox.KindContainerUnreachable: 502,
		sandbox.KindProvisioning:         502,
		sandbox.KindUpstreamError:        502,
		"":                               500,
	}
	for kind, want := range tests {
		if got := statusFor(kind); got != want {
			t.Errorf("statusFor(%q) = %d, want %d", kind, got, want)
		}
	}
}
