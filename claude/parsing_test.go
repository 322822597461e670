package claude

import (
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/zhubert/plural-sandbox/event"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParse_TextDelta(t *testing.T) {
	p := newStreamParser(true, testLogger())
	line := `{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}}`

	events := p.parse(line)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Type != event.TypeText {
		t.Errorf("Type = %q, want text", events[0].Type)
	}
	if got := events[0].Payload.(event.Text).Content; got != "Hello" {
		t.Errorf("Content = %q, want Hello", got)
	}
}

func TestParse_StreamEventsWithoutContent(t *testing.T) {
	p := newStreamParser(true, testLogger())
	lines := []string{
		`{"type":"stream_event","event":{"type":"message_start","message":{"id":"msg_123"}}}`,
		`{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"input_json_delta","partial_json":"{\"a\""}}}`,
		`{"type":"stream_event","event":{"type":"message_delta","delta":{"stop_reason":"end_turn"}}}`,
		`{"type":"system","subtype":"init"}`,
	}
	for _, line := range lines {
		if events := p.parse(line); len(events) != 0 {
			t.Errorf("parse(%s) produced %d events, want 0", line, len(events))
		}
	}
}

func TestParse_AssistantTextSkippedWithDeltas(t *testing.T) {
	line := `{"type":"assistant","message":{"content":[{"type":"text","text":"Hello"}]}}`

	if events := newStreamParser(true, testLogger()).parse(line); len(events) != 0 {
		t.Errorf("with deltas: got %d events, want 0", len(events))
	}
	events := newStreamParser(false, testLogger()).parse(line)
	if len(events) != 1 || events[0].Type != event.TypeText {
		t.Errorf("without deltas: got %+v, want one text event", events)
	}
}

func TestParse_ToolUseThenResult(t *testing.T) {
	p := newStreamParser(true, testLogger())

	use := p.parse(`{"type":"assistant","message":{"content":[{"type":"tool_use","id":"toolu_1","name":"Write","input":{"file_path":"/workspace/foo.txt","content":"hi"}}]}}`)
	if len(use) != 1 || use[0].Type != event.TypeToolUse {
		t.Fatalf("tool_use: got %+v", use)
	}
	tu := use[0].Payload.(event.ToolUse)
	if tu.ID != "toolu_1" || tu.Name != "Write" || !strings.Contains(string(tu.Input), "foo.txt") {
		t.Errorf("ToolUse = %+v", tu)
	}

	res := p.parse(`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"toolu_1","content":"File created"}]}}`)
	if len(res) != 1 || res[0].Type != event.TypeToolResult {
		t.Fatalf("tool_result: got %+v", res)
	}
	tr := res[0].Payload.(event.ToolResult)
	if tr.Name != "Write" || tr.Output != "File created" || !tr.Success {
		t.Errorf("ToolResult = %+v", tr)
	}
}

func TestParse_ToolResultErrorAndBlocks(t *testing.T) {
	p := newStreamParser(true, testLogger())
	res := p.parse(`{"type":"user","message":{"content":[{"type":"tool_result","toolUseId":"toolu_9","is_error":true,"content":[{"type":"text","text":"line one"},{"type":"text","text":"line two"}]}]}}`)
	if len(res) != 1 {
		t.Fatalf("got %d events, want 1", len(res))
	}
	tr := res[0].Payload.(event.ToolResult)
	if tr.Success {
		t.Error("Success = true, want false for is_error")
	}
	if tr.ID != "toolu_9" {
		t.Errorf("ID = %q, want toolu_9", tr.ID)
	}
	if tr.Output != "line one\nline two" {
		t.Errorf("Output = %q", tr.Output)
	}
}

func TestParse_IgnoresGarbage(t *testing.T) {
	p := newStreamParser(true, testLogger())
	for _, line := range []string{"", "   ", "warning: something", "{not json", `{"subtype":"x"}`} {
		if events := p.parse(line); len(events) != 0 {
			t.Errorf("parse(%q) produced events", line)
		}
	}
}

func TestOutcome(t *testing.T) {
	p := newStreamParser(true, testLogger())
	if _, _, _, ok := p.outcome(); ok {
		t.Fatal("outcome() ok before any result")
	}

	p.parse(`{"type":"result","subtype":"success","result":"Created foo.txt","num_turns":2,"duration_ms":1500,"total_cost_usd":0.01,"usage":{"input_tokens":10,"output_tokens":20,"cache_read_input_tokens":5}}`)
	summary, success, usage, ok := p.outcome()
	if !ok || !success {
		t.Fatalf("outcome() ok=%v success=%v", ok, success)
	}
	if summary != "Created foo.txt" {
		t.Errorf("summary = %q", summary)
	}
	if usage.InputTokens != 10 || usage.OutputTokens != 20 || usage.CacheReadTokens != 5 || usage.NumTurns != 2 {
		t.Errorf("usage = %+v", usage)
	}
}

func TestOutcome_ErrorResult(t *testing.T) {
	p := newStreamParser(true, testLogger())
	p.parse(`{"type":"result","subtype":"error_during_execution","is_error":true,"errors":["boom","bang"]}`)
	summary, success, _, ok := p.outcome()
	if !ok || success {
		t.Fatalf("outcome() ok=%v success=%v, want ok and not success", ok, success)
	}
	if summary != "boom; bang" {
		t.Errorf("summary = %q", summary)
	}
}

func TestToolResultText_Truncates(t *testing.T) {
	long := strings.Repeat("x", MaxToolOutput+10)
	got := truncateOutput(long)
	if !strings.HasSuffix(got, "[output truncated]") || len(got) > MaxToolOutput+32 {
		t.Errorf("truncateOutput length = %d", len(got))
	}
}
