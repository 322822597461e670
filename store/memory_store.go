package store

import (
	"context"
	"sort"
	"sync"
)

type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]TaskRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]TaskRecord)}
}

func (s *MemoryStore) Record(_ context.Context, rec TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[rec.TaskID] = rec
	return nil
}

func (s *MemoryStore) Get(_ context.Context, taskID string) (TaskRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[taskID]
	return rec, ok, nil
}

func (s *MemoryStore) ListBySession(_ context.Context, sessionID string, limit int) ([]TaskRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	s.mu.RLock()
	var out []TaskRecord
	for _, rec := range s.records {
		if rec.SessionID == sessionID {
			out = append(out, rec)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].EndedAt.After(out[j].EndedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
