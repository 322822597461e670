package claude

import (
	"fmt"
	"slices"
	"time"
)

// Driver constants
const (
	// DefaultBinary is the Claude Code CLI executable name.
	DefaultBinary = "claude"

	// StderrTailLines is how many stderr lines are kept for error reports.
	StderrTailLines = 20

	// MaxToolOutput caps the tool output carried in a tool_result event.
	MaxToolOutput = 64 * 1024

	// maxLineSize bounds a single stream-json line from the CLI.
	maxLineSize = 10 * 1024 * 1024

	// stdinWriteTimeout bounds writing the prompt to the CLI's stdin.
	stdinWriteTimeout = 10 * time.Second
)

// Permission modes accepted by the CLI's --permission-mode flag.
const (
	PermissionModeDefault     = "default"
	PermissionModeAcceptEdits = "acceptEdits"
	PermissionModeBypass      = "bypassPermissions"
	PermissionModePlan        = "plan"
)

var permissionModes = []string{
	PermissionModeDefault,
	PermissionModeAcceptEdits,
	PermissionModeBypass,
	PermissionModePlan,
}

// ValidatePermissionMode returns an error for modes the CLI does not accept.
// The empty string is valid and selects the configured default.
func ValidatePermissionMode(mode string) error {
	if mode == "" || slices.Contains(permissionModes, mode) {
		return nil
	}
	return fmt.Errorf("unknown tool mode %q (want one of %v)", mode, permissionModes)
}

// ContentBlock is one piece of content in a stream-json input message.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// StreamInputMessage is the format sent to the CLI via stdin in stream-json mode.
type StreamInputMessage struct {
	Type    string `json:"type"` // "user"
	Message struct {
		Role    string         `json:"role"`
		Content []ContentBlock `json:"content"`
	} `json:"message"`
}

// NewUserMessage wraps a prompt as a stream-json user message.
func NewUserMessage(prompt string) StreamInputMessage {
	var msg StreamInputMessage
	msg.Type = "user"
	msg.Message.Role = "user"
	msg.Message.Content = []ContentBlock{{Type: "text", Text: prompt}}
	return msg
}

// StreamUsage represents token usage data from the CLI's result message.
type StreamUsage struct {
	InputTokens              int `json:"input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	OutputTokens             int `json:"output_tokens"`
}
