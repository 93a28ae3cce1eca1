package casestate

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MemoryStore keeps states in process memory for the life of the process.
// Thread-safe via RWMutex.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]*State
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]*State)}
}

func (s *MemoryStore) Get(ctx context.Context, caseID string) (*State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[caseID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, caseID)
	}
	return st.Clone(), nil
}

func (s *MemoryStore) Put(ctx context.Context, st *State) error {
	if st == nil || st.CaseID == "" {
		return fmt.Errorf("casestate: case id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[st.CaseID] = st.Clone()
	return nil
}

func (s *MemoryStore) KeysByPrefix(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for id := range s.states {
		if strings.HasPrefix(id, prefix) {
			keys = append(keys, id)
		}
	}
	return sortedKeys(keys), nil
}

func (s *MemoryStore) Close() error { return nil }
