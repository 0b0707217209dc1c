package frontier

import (
	"context"
	"sync"
)

// MemoryStore keeps seen-sets in process memory.
type MemoryStore struct {
	mu   sync.Mutex
	seen map[string]map[string]struct{}
}

// NewMemoryStore constructs a MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: make(map[string]map[string]struct{})}
}

// Reserve implements Store.
func (s *MemoryStore) Reserve(_ context.Context, jobID, key string, limit int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.seen[jobID]
	if !ok {
		set = make(map[string]struct{})
		s.seen[jobID] = set
	}
	if _, dup := set[key]; dup {
		return false, nil
	}
	if len(set) >= limit {
		return false, nil
	}
	set[key] = struct{}{}
	return true, nil
}

// Forget implements Store.
func (s *MemoryStore) Forget(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.seen, jobID)
	return nil
}

// Len returns the number of keys reserved for jobID.
func (s *MemoryStore) Len(jobID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen[jobID])
}
