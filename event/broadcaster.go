package event

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// DefaultBacklog is the number of events retained for late subscribers.
const DefaultBacklog = 256

var (
	// ErrClosed is returned by Publish once a terminal event was published.
	ErrClosed = errors.New("event stream closed")

	// ErrLagged is returned by Subscription.Next when the events the
	// subscriber still needed were evicted from the replay window.
	ErrLagged = errors.New("subscriber fell behind the replay window")
)

// Broadcaster assigns sequence numbers to one task's events and fans them
// out to any number of subscribers. The last Backlog events are kept in a
// ring so that late subscribers can replay them. Every subscriber observes
// the same order.
type Broadcaster struct {
	mu      sync.Mutex
	ring    []Event
	head    int // index of the oldest retained event
	count   int
	nextSeq uint64
	closed  bool
	notify  chan struct{}
	now     func() time.Time
}

// NewBroadcaster creates a broadcaster retaining up to backlog events.
// A non-positive backlog selects DefaultBacklog.
func NewBroadcaster(backlog int) *Broadcaster {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	return &Broadcaster{
		ring:    make([]Event, backlog),
		nextSeq: 1,
		notify:  make(chan struct{}),
		now:     time.Now,
	}
}

// Publish appends an event with the next sequence number. Publishing a
// terminal event closes the stream; later calls return ErrClosed.
func (b *Broadcaster) Publish(typ Type, payload any) (Event, error) {
	if !typ.Valid() {
		return Event{}, fmt.Errorf("cannot publish event type %q", typ)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return Event{}, ErrClosed
	}

	ev, err := New(b.nextSeq, typ, payload, b.now().UTC())
	if err != nil {
		return Event{}, err
	}

	if b.count < len(b.ring) {
		b.ring[(b.head+b.count)%len(b.ring)] = ev
		b.count++
	} else {
		b.ring[b.head] = ev
		b.head = (b.head + 1) % len(b.ring)
	}
	b.nextSeq++

	if typ.Terminal() {
		b.closed = true
	}

	close(b.notify)
	b.notify = make(chan struct{})
	return ev, nil
}

// Closed reports whether a terminal event has been published.
func (b *Broadcaster) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Subscribe returns a cursor positioned at the oldest retained event.
func (b *Broadcaster) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &Subscription{b: b, cursor: b.oldestLocked()}
}

func (b *Broadcaster) oldestLocked() uint64 {
	return b.nextSeq - uint64(b.count)
}

// Subscription reads a broadcaster's events in order.
type Subscription struct {
	b      *Broadcaster
	cursor uint64
}

// Cursor returns the sequence number the subscription will deliver next.
func (s *Subscription) Cursor() uint64 {
	return s.cursor
}

// Next blocks until the next event is available. It returns io.EOF after
// the terminal event has been delivered, ErrLagged if the next event was
// evicted, or ctx.Err() if ctx ends first.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		b := s.b
		b.mu.Lock()
		if s.cursor < b.oldestLocked() {
			b.mu.Unlock()
			return Event{}, ErrLagged
		}
		if s.cursor < b.nextSeq {
			idx := (b.head + int(s.cursor-b.oldestLocked())) % len(b.ring)
			ev := b.ring[idx]
			b.mu.Unlock()
			s.cursor++
			return ev, nil
		}
		if b.closed {
			b.mu.Unlock()
			return Event{}, io.EOF
		}
		wait := b.notify
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-wait:
		}
	}
}
