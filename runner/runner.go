package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhubert/plural-sandbox/event"
)

// Runner defaults
const (
	// DefaultCancelGrace is how long a cancelled agent has to exit on its own
	// before the runner kills it.
	DefaultCancelGrace = 10 * time.Second

	// DefaultRetainTasks is how many finished tasks stay attachable.
	DefaultRetainTasks = 8
)

// Config holds the runner's tunables.
type Config struct {
	Backlog     int
	CancelGrace time.Duration
	RetainTasks int
}

func (c Config) withDefaults() Config {
	if c.Backlog <= 0 {
		c.Backlog = event.DefaultBacklog
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = DefaultCancelGrace
	}
	if c.RetainTasks <= 0 {
		c.RetainTasks = DefaultRetainTasks
	}
	return c
}

// taskRun is the runner's bookkeeping for one task. Fields other than
// events and done are guarded by Runner.mu.
type taskRun struct {
	task            Task
	events          *event.Broadcaster
	exec            Execution
	kill            context.CancelFunc
	cancelRequested bool
	finishOnce      sync.Once
	done            chan struct{}
}

// Runner executes at most one task at a time.
type Runner struct {
	agent Agent
	cfg   Config
	log   *slog.Logger

	mu       sync.Mutex
	current  *taskRun
	last     *taskRun
	tasks    map[string]*taskRun
	finished []string

	newID func() string
	now   func() time.Time
}

// New creates a runner that drives the given agent.
func New(agent Agent, cfg Config, log *slog.Logger) *Runner {
	return &Runner{
		agent: agent,
		cfg:   cfg.withDefaults(),
		log:   log,
		tasks: make(map[string]*taskRun),
		newID: uuid.NewString,
		now:   time.Now,
	}
}

// Execute starts a task. The task is queued until the agent has started
// and running from then on. It returns ErrBusy without side effects if a
// task is already queued or running.
func (r *Runner) Execute(ctx context.Context, req Request) (Task, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return Task{}, fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	}

	r.mu.Lock()
	if r.current != nil {
		r.mu.Unlock()
		return Task{}, ErrBusy
	}

	runCtx, kill := context.WithCancel(context.Background())
	run := &taskRun{
		task: Task{
			ID:        r.newID(),
			SessionID: req.SessionID,
			Prompt:    req.Prompt,
			ToolMode:  req.ToolMode,
			Status:    StatusQueued,
			StartedAt: r.now().UTC(),
		},
		events: event.NewBroadcaster(r.cfg.Backlog),
		kill:   kill,
		done:   make(chan struct{}),
	}
	r.current = run
	r.tasks[run.task.ID] = run
	task := run.task
	r.mu.Unlock()

	log := r.log.With("taskID", task.ID, "sessionID", task.SessionID)
	log.Info("task started", "toolMode", task.ToolMode)

	exec, err := r.agent.Start(runCtx, task, r.emitter(run))
	if err != nil {
		log.Error("agent failed to start", "error", err)
		r.finish(run, Outcome{}, fmt.Errorf("start agent: %w", err))
		return r.snapshot(run), nil
	}

	r.mu.Lock()
	run.exec = exec
	if run.task.Status == StatusQueued {
		run.task.Status = StatusRunning
	}
	task.Status = run.task.Status
	interrupt := run.cancelRequested
	r.mu.Unlock()

	// A cancel that arrived while the agent was starting.
	if interrupt {
		if err := exec.Interrupt(); err != nil {
			log.Warn("interrupt after start failed", "error", err)
		}
	}

	go func() {
		outcome, err := exec.Wait()
		r.finish(run, outcome, err)
	}()

	return task, nil
}

func (r *Runner) emitter(run *taskRun) Emit {
	return func(typ event.Type, payload any) error {
		if typ.Terminal() {
			return ErrTerminalEmit
		}
		_, err := run.events.Publish(typ, payload)
		return err
	}
}

// finish publishes the task's single terminal event and returns the runner
// to idle. Only the first call has any effect.
func (r *Runner) finish(run *taskRun, outcome Outcome, runErr error) {
	run.finishOnce.Do(func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		var (
			typ     event.Type
			payload any
		)
		switch {
		case run.cancelRequested:
			run.task.Status = StatusCancelled
			typ, payload = event.TypeError, event.Error{Kind: event.KindCancelled, Message: "task cancelled"}
		case runErr != nil:
			run.task.Status = StatusFailed
			typ, payload = event.TypeError, event.Error{Kind: event.KindAgentFailed, Message: runErr.Error()}
		default:
			run.task.Status = StatusCompleted
			if !outcome.Success {
				run.task.Status = StatusFailed
			}
			typ, payload = event.TypeResult, event.Result{
				Summary: outcome.Summary,
				Success: outcome.Success,
				Usage:   outcome.Usage,
			}
		}
		run.task.EndedAt = r.now().UTC()

		if _, err := run.events.Publish(typ, payload); err != nil {
			r.log.Error("failed to publish terminal event", "taskID", run.task.ID, "error", err)
		}

		run.kill()
		close(run.done)

		if r.current == run {
			r.current = nil
		}
		r.last = run
		r.retainLocked(run.task.ID)

		r.log.Info("task finished", "taskID", run.task.ID, "status", run.task.Status,
			"elapsed", run.task.EndedAt.Sub(run.task.StartedAt))
	})
}

// retainLocked records a finished task and evicts the oldest beyond RetainTasks.
func (r *Runner) retainLocked(id string) {
	r.finished = append(r.finished, id)
	for len(r.finished) > r.cfg.RetainTasks {
		delete(r.tasks, r.finished[0])
		r.finished = r.finished[1:]
	}
}

// Attach subscribes to a task's events. Late attachers replay the retained
// window.
func (r *Runner) Attach(taskID string) (*event.Subscription, error) {
	r.mu.Lock()
	run, ok := r.tasks[taskID]
	r.mu.Unlock()
	if !ok {
		return nil, ErrTaskNotFound
	}
	return run.events.Subscribe(), nil
}

// Cancel requests cancellation. The agent is interrupted; if it has not
// finished within CancelGrace it is killed and the runner emits the
// cancelled event itself. Cancelling a finished or already-cancelled task
// is a no-op.
func (r *Runner) Cancel(taskID string) (Task, error) {
	r.mu.Lock()
	run, ok := r.tasks[taskID]
	if !ok {
		r.mu.Unlock()
		return Task{}, ErrTaskNotFound
	}
	if run.task.Status.Terminal() || run.cancelRequested {
		task := run.task
		r.mu.Unlock()
		return task, nil
	}
	run.cancelRequested = true
	exec := run.exec
	task := run.task
	r.mu.Unlock()

	log := r.log.With("taskID", taskID)
	log.Info("cancelling task")

	if exec != nil {
		if err := exec.Interrupt(); err != nil {
			log.Warn("interrupt failed", "error", err)
		}
	}

	go func() {
		timer := time.NewTimer(r.cfg.CancelGrace)
		defer timer.Stop()
		select {
		case <-run.done:
		case <-timer.C:
			log.Warn("agent ignored interrupt, killing", "grace", r.cfg.CancelGrace)
			run.kill()
			r.finish(run, Outcome{}, errors.New("killed after cancel grace"))
		}
	}()

	return task, nil
}

// Get returns a snapshot of a known task.
func (r *Runner) Get(taskID string) (Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.tasks[taskID]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	return run.task, nil
}

// Health reports whether a task is running and the status of the current
// or most recent task.
func (r *Runner) Health() Health {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := Health{Status: "ok", State: "idle"}
	switch {
	case r.current != nil:
		h.State = "running"
		h.TaskID = r.current.task.ID
		h.CurrentTaskStatus = r.current.task.Status
	case r.last != nil:
		h.TaskID = r.last.task.ID
		h.CurrentTaskStatus = r.last.task.Status
	}
	return h
}

// Wait blocks until the given task reaches a terminal state or ctx ends.
func (r *Runner) Wait(ctx context.Context, taskID string) (Task, error) {
	r.mu.Lock()
	run, ok := r.tasks[taskID]
	r.mu.Unlock()
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	select {
	case <-run.done:
		return r.snapshot(run), nil
	case <-ctx.Done():
		return Task{}, ctx.Err()
	}
}

func (r *Runner) snapshot(run *taskRun) Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return run.task
}
