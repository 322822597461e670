package session

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// CloseFunc tears a session down if it is still idle since cutoff. It
// returns ErrNotIdle when the session became active after it was listed.
type CloseFunc func(ctx context.Context, sessionID string, cutoff time.Time) error

// Sweeper closes sessions that have been idle longer than IdleTimeout.
type Sweeper struct {
	Registry    *Registry
	IdleTimeout time.Duration
	Interval    time.Duration
	Close       CloseFunc
	Log         *slog.Logger

	now func() time.Time
}

// Run sweeps every Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = s.IdleTimeout / 4
	}
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep closes every idle session once and returns the ids it closed.
func (s *Sweeper) Sweep(ctx context.Context) []string {
	now := time.Now
	if s.now != nil {
		now = s.now
	}

	cutoff := now().Add(-s.IdleTimeout)
	var closed []string
	for _, sess := range s.Registry.Idle(cutoff) {
		if ctx.Err() != nil {
			break
		}
		s.Log.Info("closing idle session", "sessionID", sess.ID, "idleSince", sess.LastActiveAt)
		err := s.Close(ctx, sess.ID, cutoff)
		if errors.Is(err, ErrNotIdle) {
			s.Log.Debug("session became active, keeping it", "sessionID", sess.ID)
			continue
		}
		if err != nil {
			s.Log.Error("failed to close idle session", "sessionID", sess.ID, "error", err)
			continue
		}
		closed = append(closed, sess.ID)
	}
	return closed
}
