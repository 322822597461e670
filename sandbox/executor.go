// Package sandbox runs tasks in session containers. It resolves a session
// to a healthy container, drives the container's Task API and keeps the
// host's record of every task it submitted.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/zhubert/plural-sandbox/container"
	"github.com/zhubert/plural-sandbox/event"
	"github.com/zhubert/plural-sandbox/runner"
	"github.com/zhubert/plural-sandbox/session"
	"github.com/zhubert/plural-sandbox/store"
	"github.com/zhubert/plural-sandbox/stream"
	"github.com/zhubert/plural-sandbox/taskapi"
)

// Executor defaults
const (
	// DefaultCancelTimeout leaves the runner its whole cancel grace to stop
	// the agent before the host gives up on the container.
	DefaultCancelTimeout  = runner.DefaultCancelGrace + 5*time.Second
	DefaultRequestTimeout = 30 * time.Second
	DefaultRetainTasks    = 256

	// reservedTask marks a session whose task is being submitted.
	reservedTask = "pending"

	maxTrackerAttaches = 5

	// cleanupTimeout bounds background teardown.
	cleanupTimeout = 30 * time.Second
)

// ErrTaskNotFound means the executor has no record of the task.
var ErrTaskNotFound = errors.New("task not found")

// TaskRequest is a task to submit to a session.
type TaskRequest struct {
	Prompt   string
	ToolMode string
	OwnerID  string
}

// Backend is the executor capability set.
type Backend interface {
	Ensure(ctx context.Context, sessionID string) (container.Record, error)
	Submit(ctx context.Context, sessionID string, req TaskRequest) (*Handle, error)
	Cancel(ctx context.Context, taskID string) (runner.Status, error)
	Health(ctx context.Context, sessionID string) (container.HealthStatus, error)
}

// Containers is the container manager surface the executor uses.
type Containers interface {
	Ensure(ctx context.Context, sessionID string) (container.Record, error)
	Health(ctx context.Context, sessionID string) (container.HealthStatus, error)
	MarkFailed(sessionID string)
	Stop(ctx context.Context, sessionID string) error
	Remove(ctx context.Context, sessionID string) error
}

// TaskClient is the Task API client surface.
type TaskClient interface {
	Execute(ctx context.Context, req taskapi.ExecuteRequest) (taskapi.TaskResponse, error)
	Stream(ctx context.Context, taskID string) (io.ReadCloser, error)
	Cancel(ctx context.Context, taskID string) (taskapi.TaskResponse, error)
}

// Config holds executor settings.
type Config struct {
	// CancelTimeout must exceed the runner's cancel grace: a container that
	// accepted a cancel is only treated as unresponsive once it had the
	// chance to kill the agent itself.
	CancelTimeout  time.Duration
	RequestTimeout time.Duration
	RetainTasks    int
	Relay          stream.Config
}

func (c Config) withDefaults() Config {
	if c.CancelTimeout <= 0 {
		c.CancelTimeout = DefaultCancelTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.RetainTasks <= 0 {
		c.RetainTasks = DefaultRetainTasks
	}
	return c
}

// Deps are the executor's collaborators.
type Deps struct {
	Containers Containers
	Sessions   *session.Registry
	Store      store.Store
	// NewClient returns a Task API client for a container address. It
	// defaults to taskapi.NewClient over HTTPClient.
	NewClient  func(address string) TaskClient
	HTTPClient *http.Client
	Log        *slog.Logger
}

// DockerExecutor implements Backend on top of the container manager and
// the Task API.
type DockerExecutor struct {
	cfg        Config
	containers Containers
	sessions   *session.Registry
	store      store.Store
	clientFor  func(address string) TaskClient
	relay      *stream.Relay
	log        *slog.Logger
	now        func() time.Time

	// base scopes the per-task trackers.
	base     context.Context
	stop     context.CancelFunc
	trackers sync.WaitGroup

	mu       sync.Mutex
	tasks    map[string]*Handle
	finished []string
}

var _ Backend = (*DockerExecutor)(nil)

// NewDockerExecutor creates an executor.
func NewDockerExecutor(cfg Config, deps Deps) *DockerExecutor {
	newClient := deps.NewClient
	if newClient == nil {
		hc := deps.HTTPClient
		newClient = func(addr string) TaskClient { return taskapi.NewClient(addr, hc) }
	}
	st := deps.Store
	if st == nil {
		st = store.NewMemoryStore()
	}
	base, stop := context.WithCancel(context.Background())
	return &DockerExecutor{
		cfg:        cfg.withDefaults(),
		containers: deps.Containers,
		sessions:   deps.Sessions,
		store:      st,
		clientFor:  newClient,
		relay:      stream.NewRelay(cfg.Relay, deps.Log),
		log:        deps.Log,
		now:        time.Now,
		base:       base,
		stop:       stop,
		tasks:      make(map[string]*Handle),
	}
}

// Ensure returns a healthy container for an existing session.
func (e *DockerExecutor) Ensure(ctx context.Context, sessionID string) (container.Record, error) {
	if _, err := e.sessions.Update(sessionID, func(*session.Session) {}); err != nil {
		return container.Record{}, classify("ensure", err)
	}
	rec, err := e.containers.Ensure(ctx, sessionID)
	if err != nil {
		e.sessions.Update(sessionID, func(s *session.Session) { s.Status = session.StatusError })
		return container.Record{}, classify("ensure", err)
	}
	e.sessions.Update(sessionID, func(s *session.Session) {
		s.ContainerID = rec.ContainerID
		s.WorkspacePath = rec.WorkspacePath
		s.Status = session.StatusIdle
		if s.ActiveTaskID != "" {
			s.Status = session.StatusRunning
		}
	})
	return rec, nil
}

// Health probes the session's container.
func (e *DockerExecutor) Health(ctx context.Context, sessionID string) (container.HealthStatus, error) {
	st, err := e.containers.Health(ctx, sessionID)
	if err != nil {
		return container.HealthStatus{}, classify("health", err)
	}
	return st, nil
}

// Submit runs a task in the session's container, creating the session and
// the container as needed. A session runs at most one task at a time.
func (e *DockerExecutor) Submit(ctx context.Context, sessionID string, req TaskRequest) (*Handle, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, newError("submit", KindInvalidRequest, errors.New("prompt is required"))
	}

	if _, _, err := e.sessions.GetOrCreate(sessionID, req.OwnerID); err != nil {
		return nil, classify("submit", err)
	}
	if err := e.reserve(sessionID); err != nil {
		return nil, err
	}
	release := func(status session.Status) {
		e.sessions.Update(sessionID, func(s *session.Session) {
			if s.ActiveTaskID == reservedTask {
				s.ActiveTaskID = ""
			}
			s.Status = status
		})
	}

	log := e.log.With("sessionID", sessionID)

	rec, err := e.Ensure(ctx, sessionID)
	if err != nil {
		log.Error("container unavailable", "error", err)
		release(session.StatusError)
		return nil, err
	}

	rctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	resp, err := e.clientFor(rec.Address).Execute(rctx, taskapi.ExecuteRequest{
		Prompt:    req.Prompt,
		SessionID: sessionID,
		ToolMode:  req.ToolMode,
	})
	cancel()
	if err != nil {
		err = classify("submit", err)
		if k := KindOf(err); (k == KindContainerUnreachable || k == KindTimeout) && ctx.Err() == nil {
			e.containers.MarkFailed(sessionID)
		}
		log.Error("execute failed", "error", err)
		release(session.StatusIdle)
		return nil, err
	}

	h := newHandle(e, TaskInfo{
		TaskID:      resp.TaskID,
		SessionID:   sessionID,
		OwnerID:     req.OwnerID,
		ContainerID: rec.ContainerID,
		ToolMode:    req.ToolMode,
		Status:      runner.StatusRunning,
		StartedAt:   e.now().UTC(),
	}, rec.Address)

	e.mu.Lock()
	e.tasks[h.ID()] = h
	e.mu.Unlock()

	now := e.now().UTC()
	e.sessions.Update(sessionID, func(s *session.Session) {
		s.ActiveTaskID = h.ID()
		s.Status = session.StatusRunning
		s.LastActiveAt = now
	})

	e.trackers.Add(1)
	go e.track(h)

	log.Info("task submitted", "taskID", h.ID(), "container", rec.ContainerID)
	return h, nil
}

// reserve marks the session busy, failing if it already runs a task.
func (e *DockerExecutor) reserve(sessionID string) error {
	var busy string
	_, err := e.sessions.Update(sessionID, func(s *session.Session) {
		if s.ActiveTaskID != "" {
			busy = s.ActiveTaskID
			return
		}
		s.ActiveTaskID = reservedTask
	})
	if err != nil {
		return classify("submit", err)
	}
	if busy != "" {
		return newError("submit", KindBusy, fmt.Errorf("session %s is running task %s", sessionID, busy))
	}
	return nil
}

// track follows the task's stream until its terminal event so the host
// records the outcome whether or not a caller is attached. A lagged
// tracker re-attaches; the container still holds the task.
func (e *DockerExecutor) track(h *Handle) {
	defer e.trackers.Done()

	ctx, cancel := context.WithCancel(e.base)
	defer cancel()
	go func() {
		select {
		case <-h.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for attempt := 0; attempt < maxTrackerAttaches; attempt++ {
		body, err := e.clientFor(h.address).Stream(ctx, h.ID())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			err = classify("track", err)
			e.log.Warn("task stream unavailable", "taskID", h.ID(), "error", err)
			if KindOf(err) == KindNotFound {
				e.finalize(h, runner.StatusFailed, string(event.KindUpstreamUnreachable), "container lost the task", nil)
				return
			}
			e.containerLost(h, err.Error())
			return
		}

		ev, ok := e.follow(ctx, h, body)
		if !ok {
			return
		}
		status, kind, summary, usage := outcomeOf(ev)
		if kind == string(event.KindStreamLagged) {
			e.log.Warn("task tracker lagged, re-attaching", "taskID", h.ID())
			continue
		}
		if kind == string(event.KindUpstreamUnreachable) {
			e.containers.MarkFailed(h.SessionID())
		}
		e.finalize(h, status, kind, summary, usage)
		return
	}
	e.finalize(h, runner.StatusFailed, string(KindProtocolError), "task stream kept lagging", nil)
}

// follow relays body until the terminal event. It reports false if ctx
// ended first.
func (e *DockerExecutor) follow(ctx context.Context, h *Handle, body io.ReadCloser) (event.Event, bool) {
	for ev := range e.relay.Run(ctx, body) {
		if ev.Type == event.TypeHeartbeat {
			continue
		}
		h.observe(ev)
		if ev.Terminal() {
			return ev, true
		}
	}
	return event.Event{}, false
}

// containerLost fails the task because its container stopped answering.
func (e *DockerExecutor) containerLost(h *Handle, reason string) {
	if h.terminal() {
		return
	}
	e.containers.MarkFailed(h.SessionID())
	e.finalize(h, runner.StatusFailed, string(KindContainerUnreachable), reason, nil)
}

// finalize records the task's terminal state. Only the first call has any
// effect; Done closes once the session and the audit store are updated.
func (e *DockerExecutor) finalize(h *Handle, status runner.Status, kind, summary string, usage *event.Usage) {
	h.mu.Lock()
	if h.info.Status.Terminal() {
		h.mu.Unlock()
		return
	}
	h.info.Status = status
	h.info.ErrorKind = kind
	h.info.Summary = summary
	h.info.Usage = usage
	h.info.EndedAt = e.now().UTC()
	info := h.info
	h.mu.Unlock()
	defer close(h.done)

	e.sessions.Update(info.SessionID, func(s *session.Session) {
		if s.ActiveTaskID == info.TaskID {
			s.ActiveTaskID = ""
		}
		if s.Status == session.StatusRunning {
			s.Status = session.StatusIdle
		}
		s.LastActiveAt = info.EndedAt
	})

	rec := store.TaskRecord{
		TaskID:      info.TaskID,
		SessionID:   info.SessionID,
		OwnerID:     info.OwnerID,
		ContainerID: info.ContainerID,
		ToolMode:    info.ToolMode,
		Status:      string(info.Status),
		ErrorKind:   info.ErrorKind,
		Summary:     info.Summary,
		StartedAt:   info.StartedAt,
		EndedAt:     info.EndedAt,
	}
	if usage != nil {
		rec.InputTokens = usage.InputTokens
		rec.OutputTokens = usage.OutputTokens
		rec.CostUSD = usage.CostUSD
	}
	sctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	if err := e.store.Record(sctx, rec); err != nil {
		e.log.Error("failed to record task", "taskID", info.TaskID, "error", err)
	}
	cancel()

	e.mu.Lock()
	e.finished = append(e.finished, info.TaskID)
	for len(e.finished) > e.cfg.RetainTasks {
		delete(e.tasks, e.finished[0])
		e.finished = e.finished[1:]
	}
	e.mu.Unlock()

	e.log.Info("task finished", "taskID", info.TaskID, "sessionID", info.SessionID,
		"status", info.Status, "errorKind", info.ErrorKind)
}

// Task returns the handle of a task visible to userID.
func (e *DockerExecutor) Task(taskID, userID string) (*Handle, error) {
	e.mu.Lock()
	h, ok := e.tasks[taskID]
	e.mu.Unlock()
	if !ok || (h.info.OwnerID != "" && h.info.OwnerID != userID) {
		return nil, newError("task", KindNotFound, ErrTaskNotFound)
	}
	return h, nil
}

// Cancel cancels a task. The task is marked cancelled on the host after at
// most CancelTimeout whether or not the container responds; a container
// that does not confirm in time is force-removed and an *Error of kind
// cancellation_timeout accompanies the cancelled status. Cancelling a
// finished or already-cancelled task returns its recorded status.
func (e *DockerExecutor) Cancel(ctx context.Context, taskID string) (runner.Status, error) {
	e.mu.Lock()
	h, ok := e.tasks[taskID]
	e.mu.Unlock()
	if !ok {
		return "", newError("cancel", KindNotFound, ErrTaskNotFound)
	}
	return e.cancel(ctx, h)
}

func (e *DockerExecutor) cancel(ctx context.Context, h *Handle) (runner.Status, error) {
	h.mu.Lock()
	if h.info.Status.Terminal() || h.cancelRequested {
		status := h.info.Status
		h.mu.Unlock()
		return status, nil
	}
	h.cancelRequested = true
	h.mu.Unlock()

	log := e.log.With("taskID", h.ID(), "sessionID", h.SessionID())
	log.Info("cancelling task")

	cctx, cancel := context.WithTimeout(ctx, e.cfg.CancelTimeout)
	defer cancel()

	_, err := e.clientFor(h.address).Cancel(cctx, h.ID())
	if err == nil {
		select {
		case <-h.done:
			return h.Info().Status, nil
		case <-cctx.Done():
			err = cctx.Err()
		}
	}

	err = classify("cancel", err)
	switch KindOf(err) {
	case KindNotFound:
		// The container no longer knows the task.
		e.finalize(h, runner.StatusCancelled, string(event.KindCancelled), "task cancelled", nil)
		return h.Info().Status, nil
	case KindBusy, KindInvalidRequest, KindUpstreamError:
		log.Warn("container rejected cancel", "error", err)
	}

	log.Warn("container did not confirm cancel, removing it", "error", err, "timeout", e.cfg.CancelTimeout)
	e.finalize(h, runner.StatusCancelled, string(event.KindCancelled), "task cancelled; container did not respond", nil)
	go e.forceRemove(h.SessionID())

	status := h.Info().Status
	if status != runner.StatusCancelled {
		// The task finished on its own while we were waiting.
		return status, nil
	}
	return status, newError("cancel", KindCancellationTimeout, err)
}

func (e *DockerExecutor) forceRemove(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := e.containers.Remove(ctx, sessionID); err != nil {
		e.log.Error("failed to remove unresponsive container", "sessionID", sessionID, "error", err)
		e.containers.MarkFailed(sessionID)
		return
	}
	e.sessions.Update(sessionID, func(s *session.Session) { s.ContainerID = "" })
}

// Session returns the session as seen by userID.
func (e *DockerExecutor) Session(sessionID, userID string) (session.Session, error) {
	s, err := e.sessions.Get(sessionID, userID)
	if err != nil {
		return session.Session{}, classify("session", err)
	}
	return s, nil
}

// Tasks lists the session's finished tasks, newest first.
func (e *DockerExecutor) Tasks(ctx context.Context, sessionID, userID string, limit int) ([]store.TaskRecord, error) {
	if _, err := e.Session(sessionID, userID); err != nil {
		return nil, err
	}
	recs, err := e.store.ListBySession(ctx, sessionID, limit)
	if err != nil {
		return nil, newError("tasks", KindUpstreamError, err)
	}
	return recs, nil
}

// CloseSession cancels the session's running task, stops its container and
// forgets the session.
func (e *DockerExecutor) CloseSession(ctx context.Context, sessionID, userID string) error {
	s, err := e.sessions.Get(sessionID, userID)
	if err != nil {
		return classify("close", err)
	}
	return e.closeSession(ctx, s)
}

// CloseIdle closes a session on behalf of the idle sweeper. The session is
// claimed only if it is still idle since cutoff, so a task submitted after
// the sweeper listed it keeps running; session.ErrNotIdle reports that case.
func (e *DockerExecutor) CloseIdle(ctx context.Context, sessionID string, cutoff time.Time) error {
	var idle bool
	s, err := e.sessions.Update(sessionID, func(s *session.Session) {
		if idle = s.IdleSince(cutoff); idle {
			s.ActiveTaskID = reservedTask
		}
	})
	if err != nil {
		return classify("close", err)
	}
	if !idle {
		return session.ErrNotIdle
	}
	return e.closeSession(ctx, s)
}

func (e *DockerExecutor) closeSession(ctx context.Context, s session.Session) error {
	if s.ActiveTaskID != "" && s.ActiveTaskID != reservedTask {
		if _, err := e.Cancel(ctx, s.ActiveTaskID); err != nil && KindOf(err) != KindCancellationTimeout {
			e.log.Warn("cancel on close failed", "sessionID", s.ID, "error", err)
		}
	}

	err := e.containers.Stop(ctx, s.ID)
	e.sessions.Update(s.ID, func(sess *session.Session) {
		sess.Status = session.StatusStopped
		sess.ContainerID = ""
		if sess.ActiveTaskID == reservedTask {
			sess.ActiveTaskID = ""
		}
	})
	if err != nil {
		return classify("close", err)
	}
	e.sessions.Delete(s.ID)
	e.log.Info("session closed", "sessionID", s.ID)
	return nil
}

// Close stops the background task trackers.
func (e *DockerExecutor) Close() {
	e.stop()
	e.trackers.Wait()
}
