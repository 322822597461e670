package session

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// MaxIDLength bounds session ids.
const MaxIDLength = 100

var (
	// ErrNotFound means no session has the id.
	ErrNotFound = errors.New("session not found")

	// ErrForbidden means the session belongs to a different user.
	ErrForbidden = errors.New("session belongs to another user")

	// ErrInvalidID means the id is not usable as a session id.
	ErrInvalidID = errors.New("invalid session id")

	// ErrNotIdle means the session saw activity after the idle cutoff.
	ErrNotIdle = errors.New("session is not idle")
)

var validIDRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// ValidateID checks that id can be used as a session id and as a single
// path element.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidID, MaxIDLength)
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("%w: cannot contain '..'", ErrInvalidID)
	}
	if !validIDRegex.MatchString(id) {
		return fmt.Errorf("%w: use letters, numbers, _, ., -", ErrInvalidID)
	}
	return nil
}

// Status is a session's lifecycle state.
type Status string

const (
	StatusProvisioning Status = "provisioning"
	StatusRunning      Status = "running"
	StatusIdle         Status = "idle"
	StatusStopped      Status = "stopped"
	StatusError        Status = "error"
)

// Session is one caller's ongoing unit of work.
type Session struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"owner_id,omitempty"`
	WorkspacePath string    `json:"workspace_path,omitempty"`
	ContainerID   string    `json:"container_id,omitempty"`
	Status        Status    `json:"status"`
	ActiveTaskID  string    `json:"active_task_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	LastActiveAt  time.Time `json:"last_active_at"`
}

// VisibleTo reports whether userID may see the session. Sessions created
// without a user are visible to everyone.
func (s Session) VisibleTo(userID string) bool {
	return s.OwnerID == "" || s.OwnerID == userID
}

// IdleSince reports whether the session has no running task and no
// activity since cutoff.
func (s Session) IdleSince(cutoff time.Time) bool {
	if s.ActiveTaskID != "" {
		return false
	}
	if s.Status == StatusProvisioning || s.Status == StatusStopped {
		return false
	}
	return s.LastActiveAt.Before(cutoff)
}

// Registry holds the live sessions.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	now      func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session), now: time.Now}
}

// GetOrCreate returns the session, creating it for ownerID if it does not
// exist. created reports whether it was new.
func (r *Registry) GetOrCreate(id, ownerID string) (s Session, created bool, err error) {
	if err := ValidateID(id); err != nil {
		return Session{}, false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[id]; ok {
		if !existing.VisibleTo(ownerID) {
			return Session{}, false, ErrForbidden
		}
		return *existing, false, nil
	}

	now := r.now().UTC()
	sess := &Session{
		ID:           id,
		OwnerID:      ownerID,
		Status:       StatusProvisioning,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	r.sessions[id] = sess
	return *sess, true, nil
}

// Get returns the session as seen by userID.
func (r *Registry) Get(id, userID string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	if !s.VisibleTo(userID) {
		// Hide other users' sessions entirely.
		return Session{}, ErrNotFound
	}
	return *s, nil
}

// Update applies fn to the session under the registry lock.
func (r *Registry) Update(id string, fn func(*Session)) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	fn(s)
	return *s, nil
}

// Touch records activity on the session.
func (r *Registry) Touch(id string) {
	now := r.now().UTC()
	r.Update(id, func(s *Session) { s.LastActiveAt = now })
}

// Delete removes the session.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// List returns every session ordered by creation time.
func (r *Registry) List() []Session {
	r.mu.Lock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Idle returns the sessions with no running task and no activity since
// cutoff.
func (r *Registry) Idle(cutoff time.Time) []Session {
	var out []Session
	for _, s := range r.List() {
		if s.IdleSince(cutoff) {
			out = append(out, s)
		}
	}
	return out
}
