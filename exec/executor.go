// Package exec abstracts external command execution so that code driving
// the docker CLI can be tested against recorded responses.
package exec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"slices"
	"strings"
	"sync"
)

// CommandExecutor runs external commands.
// Production code uses RealExecutor, tests use MockExecutor.
type CommandExecutor interface {
	// Run executes a command and returns stdout, stderr, and any error.
	Run(ctx context.Context, dir string, name string, args ...string) (stdout, stderr []byte, err error)

	// Output executes a command and returns stdout. A non-zero exit is
	// reported as a *CommandError carrying stderr.
	Output(ctx context.Context, dir string, name string, args ...string) ([]byte, error)
}

// CommandError is a command that exited unsuccessfully.
type CommandError struct {
	Name     string
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = e.Err.Error()
	}
	sub := e.Name
	if len(e.Args) > 0 {
		sub += " " + e.Args[0]
	}
	return fmt.Sprintf("%s: exit %d: %s", sub, e.ExitCode, msg)
}

func (e *CommandError) Unwrap() error { return e.Err }

// StderrContains reports whether err is a CommandError whose stderr
// contains substr.
func StderrContains(err error, substr string) bool {
	var ce *CommandError
	return errors.As(err, &ce) && strings.Contains(ce.Stderr, substr)
}

// RealExecutor executes commands using os/exec.
type RealExecutor struct{}

// NewRealExecutor returns a new RealExecutor.
func NewRealExecutor() *RealExecutor {
	return &RealExecutor{}
}

// Run executes a command and returns stdout, stderr, and any error.
func (e *RealExecutor) Run(ctx context.Context, dir string, name string, args ...string) (stdout, stderr []byte, err error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err = cmd.Run()
	return stdoutBuf.Bytes(), stderrBuf.Bytes(), err
}

// Output executes a command and returns stdout.
func (e *RealExecutor) Output(ctx context.Context, dir string, name string, args ...string) ([]byte, error) {
	stdout, stderr, err := e.Run(ctx, dir, name, args...)
	if err != nil {
		return stdout, wrapError(name, args, stderr, err)
	}
	return stdout, nil
}

func wrapError(name string, args []string, stderr []byte, err error) error {
	code := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	}
	return &CommandError{Name: name, Args: args, ExitCode: code, Stderr: string(stderr), Err: err}
}

// MockResponse defines the response for a mocked command.
type MockResponse struct {
	Stdout []byte
	Stderr []byte
	Err    error
}

// CommandMatcher is a function that determines if a command matches.
type CommandMatcher func(dir, name string, args []string) bool

// MockHandler computes a response from the invocation.
type MockHandler func(dir, name string, args []string) MockResponse

// MockRule defines a matching rule and its response.
type MockRule struct {
	Match   CommandMatcher
	Handler MockHandler
}

// MockExecutor returns pre-recorded responses for commands.
// Commands are matched in order of rule registration; unmatched commands
// succeed with no output.
type MockExecutor struct {
	mu    sync.RWMutex
	rules []MockRule
	calls []MockCall
}

// MockCall records a command invocation for verification.
type MockCall struct {
	Dir  string
	Name string
	Args []string
}

// String renders the call as a command line.
func (c MockCall) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// NewMockExecutor creates a new MockExecutor.
func NewMockExecutor() *MockExecutor {
	return &MockExecutor{}
}

// AddRule adds a matching rule with a computed response.
func (e *MockExecutor) AddRule(match CommandMatcher, handler MockHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, MockRule{Match: match, Handler: handler})
}

// AddExactMatch adds a rule that matches a specific command exactly.
func (e *MockExecutor) AddExactMatch(name string, args []string, response MockResponse) {
	e.AddRule(func(_, n string, a []string) bool {
		return n == name && slices.Equal(a, args)
	}, static(response))
}

// AddPrefixMatch adds a rule that matches commands starting with specific args.
func (e *MockExecutor) AddPrefixMatch(name string, prefixArgs []string, response MockResponse) {
	e.AddPrefixHandler(name, prefixArgs, static(response))
}

// AddPrefixHandler is AddPrefixMatch with a computed response.
func (e *MockExecutor) AddPrefixHandler(name string, prefixArgs []string, handler MockHandler) {
	e.AddRule(func(_, n string, a []string) bool {
		return n == name && len(a) >= len(prefixArgs) && slices.Equal(a[:len(prefixArgs)], prefixArgs)
	}, handler)
}

func static(resp MockResponse) MockHandler {
	return func(string, string, []string) MockResponse { return resp }
}

// GetCalls returns all recorded command invocations.
func (e *MockExecutor) GetCalls() []MockCall {
	e.mu.RLock()
	defer e.mu.RUnlock()
	calls := make([]MockCall, len(e.calls))
	copy(calls, e.calls)
	return calls
}

// CallsWithPrefix returns the recorded calls whose arguments start with prefixArgs.
func (e *MockExecutor) CallsWithPrefix(name string, prefixArgs ...string) []MockCall {
	var out []MockCall
	for _, c := range e.GetCalls() {
		if c.Name == name && len(c.Args) >= len(prefixArgs) && slices.Equal(c.Args[:len(prefixArgs)], prefixArgs) {
			out = append(out, c)
		}
	}
	return out
}

// ClearCalls clears the recorded command invocations.
func (e *MockExecutor) ClearCalls() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = nil
}

func (e *MockExecutor) respond(dir, name string, args []string) MockResponse {
	e.mu.Lock()
	e.calls = append(e.calls, MockCall{Dir: dir, Name: name, Args: slices.Clone(args)})
	rules := e.rules
	e.mu.Unlock()

	for _, rule := range rules {
		if rule.Match(dir, name, args) {
			return rule.Handler(dir, name, args)
		}
	}
	return MockResponse{}
}

// Run executes a mocked command.
func (e *MockExecutor) Run(ctx context.Context, dir string, name string, args ...string) (stdout, stderr []byte, err error) {
	resp := e.respond(dir, name, args)
	return resp.Stdout, resp.Stderr, resp.Err
}

// Output executes a mocked command.
func (e *MockExecutor) Output(ctx context.Context, dir string, name string, args ...string) ([]byte, error) {
	resp := e.respond(dir, name, args)
	if resp.Err != nil {
		return resp.Stdout, &CommandError{Name: name, Args: args, ExitCode: 1, Stderr: string(resp.Stderr), Err: resp.Err}
	}
	return resp.Stdout, nil
}

var _ CommandExecutor = (*RealExecutor)(nil)
var _ CommandExecutor = (*MockExecutor)(nil)
