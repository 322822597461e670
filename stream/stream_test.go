package stream

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zhubert/plural-sandbox/event"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustEvent(t *testing.T, seq uint64, typ event.Type, payload any) event.Event {
	t.Helper()
	ev, err := event.New(seq, typ, payload, time.Unix(1700000000, 0).UTC())
	if err != nil {
		t.Fatal(err)
	}
	return ev
}

func encodeAll(t *testing.T, events ...event.Event) string {
	t.Helper()
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			t.Fatal(err)
		}
	}
	return buf.String()
}

// upstream is a controllable SSE body.
type upstream struct {
	*io.PipeReader
	w      *io.PipeWriter
	closed atomic.Bool
}

func newUpstream() *upstream {
	r, w := io.Pipe()
	return &upstream{PipeReader: r, w: w}
}

func (u *upstream) Close() error {
	u.closed.Store(true)
	return u.PipeReader.Close()
}

// write feeds the pipe. Errors are ignored because the relay may close
// the read side before everything is consumed.
func (u *upstream) write(t *testing.T, s string) {
	io.WriteString(u.w, s)
}

func collect(t *testing.T, ch <-chan event.Event) []event.Event {
	t.Helper()
	var out []event.Event
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("relay did not finish")
		}
	}
}

func decodeError(t *testing.T, ev event.Event) event.Error {
	t.Helper()
	var e event.Error
	if err := ev.Decode(&e); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	return e
}

func TestDecoder_Frames(t *testing.T) {
	input := ": keep-alive\n\nid: 1\nevent: text\ndata: {\"a\":\ndata: 1}\n\nretry: 5\ndata: tail"
	dec := NewDecoder(strings.NewReader(input))

	if !dec.Next() {
		t.Fatalf("Next() = false, err = %v", dec.Err())
	}
	f := dec.Frame()
	if f.ID != "1" || f.Event != "text" || f.Data != "{\"a\":\n1}" {
		t.Errorf("frame = %+v", f)
	}
	if !dec.Next() {
		t.Fatal("expected trailing frame without blank line")
	}
	if dec.Frame().Data != "tail" {
		t.Errorf("Data = %q, want tail", dec.Frame().Data)
	}
	if dec.Next() {
		t.Error("Next() after EOF should be false")
	}
	if dec.Err() != nil {
		t.Errorf("Err() = %v, want nil", dec.Err())
	}
}

func TestEncoderDecoder_RoundTripsEvents(t *testing.T) {
	in := []event.Event{
		mustEvent(t, 1, event.TypeText, event.Text{Content: "hi\nthere"}),
		mustEvent(t, 2, event.TypeResult, event.Result{Summary: "ok", Success: true}),
	}
	dec := NewDecoder(strings.NewReader(encodeAll(t, in...)))

	var got []event.Event
	for dec.Next() {
		ev, err := ParseEvent(dec.Frame())
		if err != nil {
			t.Fatalf("ParseEvent() error = %v", err)
		}
		got = append(got, ev)
	}
	if len(got) != 2 || got[0].Seq != 1 || got[1].Type != event.TypeResult {
		t.Errorf("got %+v", got)
	}
}

func TestParseEvent_Mismatch(t *testing.T) {
	tests := []Frame{
		{Data: "not json"},
		{Data: `{"seq":1}`},
		{Event: "text", Data: `{"seq":1,"type":"result","payload":{}}`},
		{ID: "2", Data: `{"seq":1,"type":"text","payload":{}}`},
	}
	for _, f := range tests {
		if _, err := ParseEvent(f); err == nil {
			t.Errorf("ParseEvent(%+v) should fail", f)
		}
	}
}

func TestRelay_ForwardsInOrderUntilTerminal(t *testing.T) {
	up := newUpstream()
	relay := NewRelay(Config{HeartbeatInterval: time.Minute}, testLogger())
	ch := relay.Run(context.Background(), up)

	go up.write(t, encodeAll(t,
		mustEvent(t, 1, event.TypeText, event.Text{Content: "a"}),
		mustEvent(t, 2, event.TypeToolUse, event.ToolUse{ID: "1", Name: "Write"}),
		mustEvent(t, 3, event.TypeResult, event.Result{Success: true}),
	))

	got := collect(t, ch)
	if len(got) != 3 {
		t.Fatalf("got %d events, want 3", len(got))
	}
	for i, ev := range got {
		if ev.Seq != uint64(i+1) {
			t.Errorf("got[%d].Seq = %d", i, ev.Seq)
		}
	}
	if !up.closed.Load() {
		t.Error("upstream should be closed after terminal event")
	}
}

func TestRelay_LateAttachStartsMidStream(t *testing.T) {
	up := newUpstream()
	ch := NewRelay(Config{}, testLogger()).Run(context.Background(), up)

	go up.write(t, encodeAll(t,
		mustEvent(t, 40, event.TypeText, event.Text{Content: "a"}),
		mustEvent(t, 41, event.TypeResult, event.Result{Success: true}),
	))

	got := collect(t, ch)
	if len(got) != 2 || got[0].Seq != 40 {
		t.Errorf("got %+v", got)
	}
}

func TestRelay_UpstreamDropSynthesizesOneError(t *testing.T) {
	up := newUpstream()
	ch := NewRelay(Config{}, testLogger()).Run(context.Background(), up)

	go func() {
		up.write(t, encodeAll(t,
			mustEvent(t, 1, event.TypeText, event.Text{Content: "a"}),
			mustEvent(t, 2, event.TypeText, event.Text{Content: "b"}),
		))
		up.w.CloseWithError(io.ErrUnexpectedEOF)
	}()

	got := collect(t, ch)
	if len(got) != 3 {
		t.Fatalf("got %d events, want 3", len(got))
	}
	last := got[2]
	if last.Type != event.TypeError || last.Seq != 3 {
		t.Errorf("synthetic event = %+v, want error with seq 3", last)
	}
	if kind := decodeError(t, last).Kind; kind != event.KindUpstreamUnreachable {
		t.Errorf("Kind = %q, want upstream_unreachable", kind)
	}
}

func TestRelay_CleanEOFBeforeTerminal(t *testing.T) {
	body := io.NopCloser(strings.NewReader(encodeAll(t, mustEvent(t, 1, event.TypeText, event.Text{}))))
	got := collect(t, NewRelay(Config{}, testLogger()).Run(context.Background(), body))
	if len(got) != 2 || got[1].Type != event.TypeError || got[1].Seq != 2 {
		t.Fatalf("got %+v", got)
	}
}

func TestRelay_SequenceGapIsProtocolError(t *testing.T) {
	body := io.NopCloser(strings.NewReader(encodeAll(t,
		mustEvent(t, 1, event.TypeText, event.Text{}),
		mustEvent(t, 3, event.TypeText, event.Text{}),
		mustEvent(t, 4, event.TypeResult, event.Result{}),
	)))
	got := collect(t, NewRelay(Config{}, testLogger()).Run(context.Background(), body))

	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if got[1].Seq != 2 || decodeError(t, got[1]).Kind != event.KindProtocolError {
		t.Errorf("synthetic = %+v", got[1])
	}
}

func TestRelay_MalformedPayloadIsProtocolError(t *testing.T) {
	body := io.NopCloser(strings.NewReader("data: {broken\n\n"))
	got := collect(t, NewRelay(Config{}, testLogger()).Run(context.Background(), body))

	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	if got[0].Seq != 1 || decodeError(t, got[0]).Kind != event.KindProtocolError {
		t.Errorf("synthetic = %+v", got[0])
	}
}

func TestRelay_HeartbeatsWhileQuiet(t *testing.T) {
	up := newUpstream()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := NewRelay(Config{HeartbeatInterval: 20 * time.Millisecond}, testLogger()).Run(ctx, up)

	select {
	case ev := <-ch:
		if ev.Type != event.TypeHeartbeat || ev.Seq != 0 {
			t.Errorf("got %+v, want heartbeat", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat")
	}
}

func TestRelay_ConsumerDisconnectClosesUpstream(t *testing.T) {
	up := newUpstream()
	ctx, cancel := context.WithCancel(context.Background())
	ch := NewRelay(Config{HeartbeatInterval: time.Minute}, testLogger()).Run(ctx, up)

	go up.write(t, encodeAll(t, mustEvent(t, 1, event.TypeText, event.Text{})))
	if ev := <-ch; ev.Seq != 1 {
		t.Fatalf("first event = %+v", ev)
	}
	cancel()

	got := collect(t, ch)
	for _, ev := range got {
		if ev.Type == event.TypeError {
			t.Errorf("no error should be emitted after consumer disconnect, got %+v", ev)
		}
	}
	deadline := time.Now().Add(time.Second)
	for !up.closed.Load() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !up.closed.Load() {
		t.Error("upstream should be closed after consumer disconnect")
	}
}

func TestServe_WritesSSE(t *testing.T) {
	ch := make(chan event.Event, 2)
	ch <- mustEvent(t, 1, event.TypeText, event.Text{Content: "x"})
	ch <- event.Heartbeat(time.Now())
	close(ch)

	rec := httptest.NewRecorder()
	if err := Serve(rec, ch); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "id: 1\nevent: text\n") || !strings.Contains(body, "event: heartbeat\n") {
		t.Errorf("body = %q", body)
	}
	if strings.Contains(body, "id: 0") {
		t.Error("heartbeat should not carry an id")
	}
}
