package subscription

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory subscription store for development and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]*Subscription // by project ID
}

// NewMemoryStore creates a new in-memory subscription store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

func (m *MemoryStore) Get(_ context.Context, projectID string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.subs[projectID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) Put(_ context.Context, s *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *s
	if prev, ok := m.subs[s.ProjectID]; ok {
		cp.CreatedAt = prev.CreatedAt
	}
	m.subs[s.ProjectID] = &cp
	return nil
}

var _ Store = (*MemoryStore)(nil)
