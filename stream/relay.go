package stream

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/zhubert/plural-sandbox/event"
)

// DefaultHeartbeatInterval is how long the relay waits on a quiet upstream
// before emitting a heartbeat.
const DefaultHeartbeatInterval = 15 * time.Second

// maxRawLog bounds the raw payload logged for a protocol violation.
const maxRawLog = 2048

// Config holds relay settings.
type Config struct {
	HeartbeatInterval time.Duration
}

// Relay forwards an upstream SSE event stream to a consumer channel.
//
// Events are forwarded in received order with their sequence numbers
// intact. The first event may carry any sequence number (a late attach
// starts mid-stream); after that each event must follow its predecessor
// by exactly one. If the upstream ends before a terminal event, or sends a
// malformed or out-of-sequence event, the relay emits exactly one
// synthetic error event with the next sequence number and stops. If the
// consumer goes away the upstream is closed and nothing more is emitted.
type Relay struct {
	cfg Config
	log *slog.Logger
	now func() time.Time
}

// NewRelay creates a relay.
func NewRelay(cfg Config, log *slog.Logger) *Relay {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return &Relay{cfg: cfg, log: log, now: time.Now}
}

type frameResult struct {
	frame Frame
	err   error
	done  bool
}

// Run starts relaying upstream and returns the consumer channel. The
// channel is closed after the terminal event, after a synthetic error, or
// once ctx is cancelled. Run takes ownership of upstream.
func (r *Relay) Run(ctx context.Context, upstream io.ReadCloser) <-chan event.Event {
	out := make(chan event.Event)
	go r.run(ctx, upstream, out)
	return out
}

func (r *Relay) run(ctx context.Context, upstream io.ReadCloser, out chan<- event.Event) {
	defer close(out)

	stop := make(chan struct{})
	defer close(stop)

	var closeOnce sync.Once
	closeUpstream := func() {
		closeOnce.Do(func() { upstream.Close() })
	}
	defer closeUpstream()

	frames := make(chan frameResult)
	go func() {
		dec := NewDecoder(upstream)
		for dec.Next() {
			select {
			case frames <- frameResult{frame: dec.Frame()}:
			case <-stop:
				return
			}
		}
		select {
		case frames <- frameResult{err: dec.Err(), done: true}:
		case <-stop:
		}
	}()

	var lastSeq uint64
	send := func(ev event.Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	fail := func(kind event.ErrorKind, msg string) {
		send(event.NewError(lastSeq+1, kind, msg, r.now().UTC()))
	}
	violation := func(reason string, f Frame) {
		r.log.Error("upstream protocol violation", "reason", reason, "lastSeq", lastSeq, "raw", truncateRaw(f.Data))
		fail(event.KindProtocolError, reason)
	}

	heartbeat := time.NewTimer(r.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Debug("consumer disconnected, closing upstream", "lastSeq", lastSeq)
			return

		case <-heartbeat.C:
			if !send(event.Heartbeat(r.now().UTC())) {
				return
			}
			heartbeat.Reset(r.cfg.HeartbeatInterval)

		case fr := <-frames:
			if fr.done {
				msg := "upstream closed before the task finished"
				if fr.err != nil {
					msg = fmt.Sprintf("upstream read failed: %v", fr.err)
				}
				r.log.Warn("upstream ended without terminal event", "lastSeq", lastSeq, "error", fr.err)
				fail(event.KindUpstreamUnreachable, msg)
				return
			}

			ev, err := ParseEvent(fr.frame)
			if err != nil {
				violation(err.Error(), fr.frame)
				return
			}
			heartbeat.Reset(r.cfg.HeartbeatInterval)

			if ev.Type == event.TypeHeartbeat {
				continue
			}
			if !ev.Type.Valid() {
				violation(fmt.Sprintf("unknown event type %q", ev.Type), fr.frame)
				return
			}
			if ev.Seq == 0 || (lastSeq != 0 && ev.Seq != lastSeq+1) {
				violation(fmt.Sprintf("sequence %d does not follow %d", ev.Seq, lastSeq), fr.frame)
				return
			}
			lastSeq = ev.Seq

			if !send(ev) {
				return
			}
			if ev.Terminal() {
				return
			}
		}
	}
}

// Serve writes events to an HTTP response as an SSE stream until the
// channel closes or a write fails.
func Serve(w http.ResponseWriter, events <-chan event.Event) error {
	SetHeaders(w.Header())
	w.WriteHeader(http.StatusOK)

	enc := NewEncoder(w)
	for ev := range events {
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}
	return nil
}

func truncateRaw(s string) string {
	if len(s) > maxRawLog {
		return s[:maxRawLog] + "..."
	}
	return s
}
