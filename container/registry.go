package container

import (
	"fmt"
	"path/filepath"
	"sync"
)

// Registry holds the container record of every session that has one. The
// zero value is not usable; create one with NewRegistry and share it by
// reference.
type Registry struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{records: make(map[string]Record)}
}

// Get returns the session's record.
func (r *Registry) Get(sessionID string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[sessionID]
	return rec, ok
}

// Claim inserts rec unless another session's record mounts the same
// workspace.
func (r *Registry) Claim(rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if other := r.mountedByLocked(rec.WorkspacePath); other != "" && other != rec.SessionID {
		return fmt.Errorf("%w: %s (session %s)", ErrWorkspaceInUse, rec.WorkspacePath, other)
	}
	r.records[rec.SessionID] = rec
	return nil
}

// Put stores rec.
func (r *Registry) Put(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[rec.SessionID] = rec
}

// Update applies fn to the session's record and returns the result.
func (r *Registry) Update(sessionID string, fn func(*Record)) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[sessionID]
	if !ok {
		return Record{}, false
	}
	fn(&rec)
	r.records[sessionID] = rec
	return rec, true
}

// Delete removes the session's record.
func (r *Registry) Delete(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, sessionID)
}

// List returns a copy of every record.
func (r *Registry) List() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	return out
}

// Len returns the number of records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// MountedBy returns the session whose record mounts path, or "".
func (r *Registry) MountedBy(path string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mountedByLocked(path)
}

func (r *Registry) mountedByLocked(path string) string {
	clean := filepath.Clean(path)
	for id, rec := range r.records {
		if filepath.Clean(rec.WorkspacePath) == clean {
			return id
		}
	}
	return ""
}

// keyedMutex serializes work per key. Entries are dropped once no
// goroutine holds or waits on them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock locks key and returns its unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
