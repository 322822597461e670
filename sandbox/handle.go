package sandbox

import (
	"context"
	"sync"
	"time"

	"github.com/zhubert/plural-sandbox/event"
	"github.com/zhubert/plural-sandbox/runner"
)

// TaskInfo is a snapshot of a host-side task.
type TaskInfo struct {
	TaskID      string        `json:"task_id"`
	SessionID   string        `json:"session_id"`
	OwnerID     string        `json:"owner_id,omitempty"`
	ContainerID string        `json:"container_id,omitempty"`
	ToolMode    string        `json:"tool_mode,omitempty"`
	Status      runner.Status `json:"status"`
	ErrorKind   string        `json:"error_kind,omitempty"`
	Summary     string        `json:"summary,omitempty"`
	Usage       *event.Usage  `json:"usage,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	EndedAt     time.Time     `json:"ended_at,omitzero"`
}

// Handle is the host's view of a submitted task. It attaches event streams
// and records the task's terminal state.
type Handle struct {
	exec    *DockerExecutor
	address string

	mu              sync.Mutex
	info            TaskInfo
	lastSeq         uint64
	cancelRequested bool
	done            chan struct{}
}

func newHandle(e *DockerExecutor, info TaskInfo, address string) *Handle {
	return &Handle{exec: e, info: info, address: address, done: make(chan struct{})}
}

// ID returns the task id.
func (h *Handle) ID() string { return h.info.TaskID }

// SessionID returns the owning session.
func (h *Handle) SessionID() string { return h.info.SessionID }

// Info returns a snapshot of the task.
func (h *Handle) Info() TaskInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.info
}

// Done is closed once the task's terminal state is recorded.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Events attaches to the task's event stream. The channel carries the
// relayed events, including heartbeats, and closes after the terminal
// event. Cancelling ctx detaches.
func (h *Handle) Events(ctx context.Context) (<-chan event.Event, error) {
	h.exec.sessions.Touch(h.info.SessionID)

	body, err := h.exec.clientFor(h.address).Stream(ctx, h.info.TaskID)
	if err != nil {
		err = classify("stream", err)
		if KindOf(err) == KindContainerUnreachable && ctx.Err() == nil {
			h.exec.containerLost(h, "stream attach failed")
		}
		return nil, err
	}
	return h.exec.relay.Run(ctx, body), nil
}

// Cancel cancels the task. See DockerExecutor.Cancel.
func (h *Handle) Cancel(ctx context.Context) (runner.Status, error) {
	return h.exec.cancel(ctx, h)
}

func (h *Handle) terminal() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.info.Status.Terminal()
}

func (h *Handle) observe(ev event.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ev.Seq > h.lastSeq {
		h.lastSeq = ev.Seq
	}
}

// outcomeOf maps a terminal event to the task's final state.
func outcomeOf(ev event.Event) (status runner.Status, kind, summary string, usage *event.Usage) {
	switch ev.Type {
	case event.TypeResult:
		var r event.Result
		if err := ev.Decode(&r); err != nil {
			return runner.StatusFailed, string(event.KindProtocolError), err.Error(), nil
		}
		if r.Success {
			return runner.StatusCompleted, "", r.Summary, r.Usage
		}
		return runner.StatusFailed, "", r.Summary, r.Usage
	default:
		var e event.Error
		if err := ev.Decode(&e); err != nil {
			return runner.StatusFailed, string(event.KindProtocolError), err.Error(), nil
		}
		if e.Kind == event.KindCancelled {
			return runner.StatusCancelled, string(e.Kind), e.Message, nil
		}
		return runner.StatusFailed, string(e.Kind), e.Message, nil
	}
}
