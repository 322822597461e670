// Package claude drives the Claude Code CLI as the sandbox's coding agent.
//
// # Overview
//
// A Driver starts one CLI process per task in the workspace directory,
// writes the prompt to stdin as a stream-json user message and translates
// the CLI's stream-json output into sandbox events:
//
//	driver := claude.NewDriver(claude.Config{WorkDir: "/workspace"}, log)
//	exec, err := driver.Start(ctx, task, emit)
//	outcome, err := exec.Wait()
//
// The CLI runs with --include-partial-messages so text arrives as deltas.
// Assistant text blocks duplicate those deltas and are skipped.
//
// # Cancellation
//
// Execution.Interrupt sends SIGINT, which the CLI treats as a request to
// stop the current turn. Cancelling the context passed to Start kills the
// process outright.
//
// # Tools
//
// Allowed tools are composed from the ToolSet building blocks in tools.go.
// The container is the sandbox, so the default set includes unrestricted
// Bash.
package claude
