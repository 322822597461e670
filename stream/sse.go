// Package stream carries task events over Server-Sent Events and relays a
// container's event stream to callers with ordering, liveness and
// disconnect guarantees.
package stream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/zhubert/plural-sandbox/event"
)

// Frame is a single Server-Sent Event.
type Frame struct {
	Event string // from "event:", empty for the default type
	ID    string // from "id:"
	Data  string // "data:" lines joined with newlines
}

// Decoder reads SSE frames from a reader.
//
//	dec := stream.NewDecoder(body)
//	for dec.Next() {
//	    frame := dec.Frame()
//	}
//	if err := dec.Err(); err != nil { ... }
type Decoder struct {
	reader  *bufio.Reader
	current Frame
	err     error
}

// NewDecoder creates a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{reader: bufio.NewReaderSize(r, 64*1024)}
}

// Next advances to the next frame. It returns false at end of stream or on
// error; Err distinguishes the two.
func (d *Decoder) Next() bool {
	if d.err != nil {
		return false
	}
	d.current = Frame{}

	var (
		data    []string
		hasData bool
		frame   Frame
	)

	for {
		line, err := d.reader.ReadString('\n')
		if err != nil && line == "" {
			if err == io.EOF && hasData {
				frame.Data = strings.Join(data, "\n")
				d.current = frame
				d.err = io.EOF
				return true
			}
			d.err = err
			return false
		}

		line = strings.TrimRight(line, "\r\n")

		// Blank line ends a frame.
		if line == "" {
			if hasData {
				frame.Data = strings.Join(data, "\n")
				d.current = frame
				return true
			}
			frame = Frame{}
			continue
		}

		// Comment, used for keep-alives.
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, ok := strings.Cut(line, ":")
		if !ok {
			field, value = line, ""
		}
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "data":
			data = append(data, value)
			hasData = true
		case "event":
			frame.Event = value
		case "id":
			frame.ID = value
		}
	}
}

// Frame returns the frame read by the last successful Next.
func (d *Decoder) Frame() Frame {
	return d.current
}

// Err returns the error that stopped Next, or nil at a clean end of stream.
func (d *Decoder) Err() error {
	if d.err == io.EOF {
		return nil
	}
	return d.err
}

// ParseEvent decodes a frame's data as an event and checks that the frame's
// event and id fields, when present, agree with it.
func ParseEvent(f Frame) (event.Event, error) {
	var ev event.Event
	if err := json.Unmarshal([]byte(f.Data), &ev); err != nil {
		return event.Event{}, fmt.Errorf("decode event: %w", err)
	}
	if ev.Type == "" {
		return event.Event{}, fmt.Errorf("event has no type")
	}
	if f.Event != "" && f.Event != string(ev.Type) {
		return event.Event{}, fmt.Errorf("frame type %q does not match event type %q", f.Event, ev.Type)
	}
	if f.ID != "" && f.ID != strconv.FormatUint(ev.Seq, 10) {
		return event.Event{}, fmt.Errorf("frame id %q does not match seq %d", f.ID, ev.Seq)
	}
	return ev, nil
}

// Encoder writes events as SSE frames.
type Encoder struct {
	w       io.Writer
	flusher http.Flusher
}

// NewEncoder creates an encoder. If w is an http.Flusher every frame is
// flushed as soon as it is written.
func NewEncoder(w io.Writer) *Encoder {
	f, _ := w.(http.Flusher)
	return &Encoder{w: w, flusher: f}
}

// Encode writes one event. Heartbeats are written without an id.
func (e *Encoder) Encode(ev event.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	var b strings.Builder
	if ev.Type != event.TypeHeartbeat {
		fmt.Fprintf(&b, "id: %d\n", ev.Seq)
	}
	fmt.Fprintf(&b, "event: %s\ndata: %s\n\n", ev.Type, data)

	if _, err := io.WriteString(e.w, b.String()); err != nil {
		return err
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}

// SetHeaders prepares an HTTP response for an event stream.
func SetHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}
