package claude

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/zhubert/plural-sandbox/event"
)

// streamMessage represents a JSON message from the CLI's stream-json output
type streamMessage struct {
	Type    string `json:"type"`    // "system", "assistant", "user", "result", "stream_event"
	Subtype string `json:"subtype"` // "init", "success", "error_during_execution", ...
	Message struct {
		Content []struct {
			Type      string          `json:"type"`         // "text", "tool_use", "tool_result"
			ID        string          `json:"id,omitempty"` // tool use ID (for tool_use)
			Text      string          `json:"text,omitempty"`
			Name      string          `json:"name,omitempty"`        // tool name
			Input     json.RawMessage `json:"input,omitempty"`       // tool input
			ToolUseID string          `json:"tool_use_id,omitempty"` // tool use ID reference (for tool_result)
			ToolUseId string          `json:"toolUseId,omitempty"`   // camelCase variant from the CLI
			Content   json.RawMessage `json:"content,omitempty"`     // tool result content (string or array)
			IsError   bool            `json:"is_error,omitempty"`
		} `json:"content"`
	} `json:"message"`
	// Stream event fields (for type="stream_event" with --include-partial-messages)
	Event        *streamEvent `json:"event,omitempty"`
	Result       string       `json:"result,omitempty"`
	IsError      bool         `json:"is_error,omitempty"`
	Errors       []string     `json:"errors,omitempty"`
	DurationMs   int          `json:"duration_ms,omitempty"`
	NumTurns     int          `json:"num_turns,omitempty"`
	TotalCostUSD float64      `json:"total_cost_usd,omitempty"`
	Usage        *StreamUsage `json:"usage,omitempty"`
}

// streamEvent represents the event payload in stream_event messages
type streamEvent struct {
	Type  string `json:"type"` // "message_start", "content_block_delta", ...
	Index int    `json:"index,omitempty"`
	Delta *struct {
		Type       string `json:"type,omitempty"` // "text_delta", "input_json_delta"
		Text       string `json:"text,omitempty"`
		StopReason string `json:"stop_reason,omitempty"`
	} `json:"delta,omitempty"`
}

// pendingEvent is a non-terminal event produced from one CLI line.
type pendingEvent struct {
	Type    event.Type
	Payload any
}

// streamParser turns CLI output lines into events. It remembers tool names
// by tool-use ID so results can be labelled, and keeps the final result
// message for the task outcome. Not safe for concurrent use.
type streamParser struct {
	hasStreamEvents bool
	toolNames       map[string]string
	result          *streamMessage
	log             *slog.Logger
}

func newStreamParser(hasStreamEvents bool, log *slog.Logger) *streamParser {
	return &streamParser{
		hasStreamEvents: hasStreamEvents,
		toolNames:       make(map[string]string),
		log:             log,
	}
}

// parse handles one line of stream-json output.
func (p *streamParser) parse(line string) []pendingEvent {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	// --verbose may print informational non-JSON lines.
	if !strings.HasPrefix(line, "{") {
		p.log.Debug("skipping non-JSON line from CLI", "line", truncateForLog(line))
		return nil
	}

	var msg streamMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		p.log.Warn("failed to parse stream message", "error", err, "line", truncateForLog(line))
		return nil
	}

	var events []pendingEvent

	switch msg.Type {
	case "system":
		if msg.Subtype == "init" {
			p.log.Debug("cli session initialized")
		}

	case "stream_event":
		if msg.Event != nil && msg.Event.Type == "content_block_delta" && msg.Event.Delta != nil {
			if msg.Event.Delta.Type == "text_delta" && msg.Event.Delta.Text != "" {
				events = append(events, pendingEvent{event.TypeText, event.Text{Content: msg.Event.Delta.Text}})
			}
		}

	case "assistant":
		for _, content := range msg.Message.Content {
			switch content.Type {
			case "text":
				// Already delivered as deltas.
				if p.hasStreamEvents || content.Text == "" {
					continue
				}
				events = append(events, pendingEvent{event.TypeText, event.Text{Content: content.Text}})
			case "tool_use":
				p.toolNames[content.ID] = content.Name
				events = append(events, pendingEvent{event.TypeToolUse, event.ToolUse{
					ID:    content.ID,
					Name:  content.Name,
					Input: content.Input,
				}})
				p.log.Debug("tool use", "tool", content.Name, "id", content.ID)
			}
		}

	case "user":
		for _, content := range msg.Message.Content {
			toolUseID := content.ToolUseID
			if toolUseID == "" {
				toolUseID = content.ToolUseId
			}
			if content.Type != "tool_result" && toolUseID == "" {
				continue
			}
			events = append(events, pendingEvent{event.TypeToolResult, event.ToolResult{
				ID:      toolUseID,
				Name:    p.toolNames[toolUseID],
				Output:  truncateOutput(toolResultText(content.Content)),
				Success: !content.IsError,
			}})
		}

	case "result":
		p.log.Debug("result received", "subtype", msg.Subtype, "turns", msg.NumTurns)
		p.result = &msg

	default:
		p.log.Warn("unrecognized message type", "type", msg.Type)
	}

	return events
}

// outcome converts the CLI's result message into task terms. ok is false
// when no result was seen.
func (p *streamParser) outcome() (summary string, success bool, usage *event.Usage, ok bool) {
	if p.result == nil {
		return "", false, nil, false
	}
	r := p.result
	summary = r.Result
	if summary == "" && len(r.Errors) > 0 {
		summary = strings.Join(r.Errors, "; ")
	}
	success = r.Subtype == "success" && !r.IsError

	usage = &event.Usage{
		CostUSD:    r.TotalCostUSD,
		DurationMs: r.DurationMs,
		NumTurns:   r.NumTurns,
	}
	if r.Usage != nil {
		usage.InputTokens = r.Usage.InputTokens
		usage.OutputTokens = r.Usage.OutputTokens
		usage.CacheReadTokens = r.Usage.CacheReadInputTokens
		usage.CacheCreationTokens = r.Usage.CacheCreationInputTokens
	}
	return summary, success, usage, true
}

// toolResultText flattens tool_result content, which is either a string or
// an array of content blocks.
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return string(raw)
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func truncateOutput(s string) string {
	if len(s) <= MaxToolOutput {
		return s
	}
	return s[:MaxToolOutput] + "\n[output truncated]"
}

// truncateForLog truncates long strings for log messages
func truncateForLog(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
