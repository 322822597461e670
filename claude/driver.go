package claude

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/zhubert/plural-sandbox/runner"
)

// Config holds the settings for CLI processes started by a Driver.
type Config struct {
	Binary         string   // CLI executable, DefaultBinary when empty
	WorkDir        string   // Directory the CLI runs in (the mounted workspace)
	Model          string   // Passed as --model when set
	PermissionMode string   // Default --permission-mode when a task has no tool mode
	AllowedTools   []string // Pre-authorized tools, DefaultAllowedTools when nil
	Env            []string // Extra KEY=VALUE pairs appended to the process environment

	// DisableStreamingChunks omits --include-partial-messages. Text then
	// arrives only as whole assistant blocks.
	DisableStreamingChunks bool
}

// BuildCommandArgs builds the CLI arguments for one task run.
func BuildCommandArgs(cfg Config, toolMode string) []string {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	}
	if !cfg.DisableStreamingChunks {
		args = append(args, "--include-partial-messages")
	}

	mode := toolMode
	if mode == "" {
		mode = cfg.PermissionMode
	}
	if mode == "" {
		mode = PermissionModeAcceptEdits
	}
	args = append(args, "--permission-mode", mode)

	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}

	tools := cfg.AllowedTools
	if tools == nil {
		tools = DefaultAllowedTools
	}
	for _, tool := range tools {
		args = append(args, "--allowedTools", tool)
	}
	return args
}

// Driver starts Claude Code CLI processes. It implements runner.Agent.
type Driver struct {
	cfg Config
	log *slog.Logger
}

// NewDriver creates a driver.
func NewDriver(cfg Config, log *slog.Logger) *Driver {
	if cfg.Binary == "" {
		cfg.Binary = DefaultBinary
	}
	return &Driver{cfg: cfg, log: log}
}

var _ runner.Agent = (*Driver)(nil)

// Start launches the CLI for task and begins translating its output into
// events passed to emit. The process is killed when ctx is cancelled.
func (d *Driver) Start(ctx context.Context, task runner.Task, emit runner.Emit) (runner.Execution, error) {
	if err := ValidatePermissionMode(task.ToolMode); err != nil {
		return nil, err
	}

	log := d.log.With("taskID", task.ID)
	args := BuildCommandArgs(d.cfg, task.ToolMode)

	cmd := exec.CommandContext(ctx, d.cfg.Binary, args...)
	cmd.Dir = d.cfg.WorkDir
	cmd.Env = append(os.Environ(), d.cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	log.Debug("starting cli", "command", d.cfg.Binary+" "+strings.Join(args, " "), "dir", d.cfg.WorkDir)
	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("failed to start %s: %w", d.cfg.Binary, err)
	}
	log.Info("cli started", "pid", cmd.Process.Pid)

	x := &execution{
		cmd:        cmd,
		parser:     newStreamParser(!d.cfg.DisableStreamingChunks, log),
		emit:       emit,
		log:        log,
		stdoutDone: make(chan struct{}),
		stderrDone: make(chan struct{}),
	}

	go x.readOutput(stdout)
	go x.drainStderr(stderr)

	if err := writePrompt(stdin, task.Prompt); err != nil {
		log.Error("failed to write prompt", "error", err)
		cmd.Process.Kill()
		x.Wait()
		return nil, err
	}

	return x, nil
}

// writePrompt sends the prompt and closes stdin so the CLI exits after one turn.
func writePrompt(stdin io.WriteCloser, prompt string) error {
	data, err := json.Marshal(NewUserMessage(prompt))
	if err != nil {
		stdin.Close()
		return fmt.Errorf("marshal prompt: %w", err)
	}
	data = append(data, '\n')

	done := make(chan error, 1)
	go func() {
		_, err := stdin.Write(data)
		if cerr := stdin.Close(); err == nil {
			err = cerr
		}
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("write prompt: %w", err)
		}
		return nil
	case <-time.After(stdinWriteTimeout):
		return errors.New("write prompt: timed out")
	}
}

// execution is one running CLI process.
type execution struct {
	cmd    *exec.Cmd
	parser *streamParser
	emit   runner.Emit
	log    *slog.Logger

	stdoutDone chan struct{}
	stderrDone chan struct{}

	mu         sync.Mutex
	stderrTail []string
	emitErr    error

	waitOnce sync.Once
	waitErr  error
}

// readOutput reads stream-json lines and forwards parsed events.
func (x *execution) readOutput(stdout io.Reader) {
	defer close(x.stdoutDone)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		for _, pe := range x.parser.parse(scanner.Text()) {
			if err := x.emit(pe.Type, pe.Payload); err != nil {
				x.mu.Lock()
				if x.emitErr == nil {
					x.emitErr = err
					x.log.Debug("emit rejected", "type", pe.Type, "error", err)
				}
				x.mu.Unlock()
			}
		}
	}
	if err := scanner.Err(); err != nil {
		x.log.Debug("error reading stdout", "error", err)
		// Unblock the process if it is still writing.
		io.Copy(io.Discard, stdout)
	}
}

// drainStderr logs stderr line by line and keeps a tail for error reports.
func (x *execution) drainStderr(stderr io.Reader) {
	defer close(x.stderrDone)

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		x.log.Debug("cli stderr", "line", line)
		x.mu.Lock()
		x.stderrTail = append(x.stderrTail, line)
		if len(x.stderrTail) > StderrTailLines {
			x.stderrTail = x.stderrTail[1:]
		}
		x.mu.Unlock()
	}
}

// Wait blocks until the CLI exits and both output streams are drained.
func (x *execution) Wait() (runner.Outcome, error) {
	x.waitOnce.Do(func() {
		<-x.stdoutDone
		<-x.stderrDone
		x.waitErr = x.cmd.Wait()
	})

	summary, success, usage, ok := x.parser.outcome()
	if ok {
		if x.waitErr != nil {
			x.log.Debug("cli exited with error after result", "error", x.waitErr)
		}
		return runner.Outcome{Summary: summary, Success: success, Usage: usage}, nil
	}

	x.mu.Lock()
	tail := strings.Join(x.stderrTail, "\n")
	x.mu.Unlock()

	if x.waitErr != nil {
		if tail != "" {
			return runner.Outcome{}, fmt.Errorf("%w: %s", x.waitErr, tail)
		}
		return runner.Outcome{}, x.waitErr
	}
	return runner.Outcome{}, errors.New("cli exited without a result message")
}

// Interrupt sends SIGINT to the CLI to stop the current turn.
func (x *execution) Interrupt() error {
	if x.cmd.Process == nil {
		return nil
	}
	x.log.Info("sending SIGINT", "pid", x.cmd.Process.Pid)
	if err := x.cmd.Process.Signal(syscall.SIGINT); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to send interrupt signal: %w", err)
	}
	return nil
}
