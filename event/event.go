// Package event defines the sequenced stream events produced by an agent task
// and the per-task broadcast buffer that fans them out to attached readers.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type identifies the kind of a stream event.
type Type string

const (
	TypeText       Type = "text"
	TypeToolUse    Type = "tool_use"
	TypeToolResult Type = "tool_result"
	TypeResult     Type = "result"
	TypeError      Type = "error"

	// TypeHeartbeat is emitted by the stream relay while upstream is quiet.
	// Heartbeats carry Seq 0 and are not part of a task's sequence.
	TypeHeartbeat Type = "heartbeat"
)

// Terminal reports whether an event of this type ends a task's stream.
func (t Type) Terminal() bool {
	return t == TypeResult || t == TypeError
}

// Valid reports whether t is a known sequenced event type.
func (t Type) Valid() bool {
	switch t {
	case TypeText, TypeToolUse, TypeToolResult, TypeResult, TypeError:
		return true
	}
	return false
}

// Event is one element of a task's output stream.
type Event struct {
	Seq       uint64          `json:"seq"`
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// New builds an event, marshaling payload into the event body.
func New(seq uint64, typ Type, payload any, ts time.Time) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Event{Seq: seq, Type: typ, Payload: raw, Timestamp: ts}, nil
}

// Heartbeat returns a keep-alive event stamped at ts.
func Heartbeat(ts time.Time) Event {
	return Event{Type: TypeHeartbeat, Payload: json.RawMessage("{}"), Timestamp: ts}
}

// NewError builds a terminal error event. Marshaling an Error cannot fail.
func NewError(seq uint64, kind ErrorKind, message string, ts time.Time) Event {
	ev, _ := New(seq, TypeError, Error{Kind: kind, Message: message}, ts)
	return ev
}

// Terminal reports whether the event ends the stream.
func (e Event) Terminal() bool {
	return e.Type.Terminal()
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s event has no payload", e.Type)
	}
	return json.Unmarshal(e.Payload, v)
}

// Text is the payload of a text event.
type Text struct {
	Content string `json:"content"`
}

// ToolUse is the payload of a tool_use event.
type ToolUse struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResult is the payload of a tool_result event.
type ToolResult struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Output  string `json:"output"`
	Success bool   `json:"success"`
}

// Usage is the token and cost accounting reported with a result.
type Usage struct {
	InputTokens         int     `json:"input_tokens"`
	OutputTokens        int     `json:"output_tokens"`
	CacheReadTokens     int     `json:"cache_read_tokens,omitempty"`
	CacheCreationTokens int     `json:"cache_creation_tokens,omitempty"`
	CostUSD             float64 `json:"cost_usd,omitempty"`
	DurationMs          int     `json:"duration_ms,omitempty"`
	NumTurns            int     `json:"num_turns,omitempty"`
}

// Result is the payload of the terminal result event.
type Result struct {
	Summary string `json:"summary"`
	Success bool   `json:"success"`
	Usage   *Usage `json:"usage,omitempty"`
}

// ErrorKind classifies a terminal error event.
type ErrorKind string

const (
	KindCancelled           ErrorKind = "cancelled"
	KindAgentFailed         ErrorKind = "agent_failed"
	KindUpstreamUnreachable ErrorKind = "upstream_unreachable"
	KindProtocolError       ErrorKind = "protocol_error"
	KindStreamLagged        ErrorKind = "stream_lagged"
	KindInternal            ErrorKind = "internal"
)

// Error is the payload of the terminal error event.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}
