package queue

import (
	"context"
	"sync"
)

// MemoryStore is a goroutine-safe in-memory Store. It does not survive a
// restart and exists for tests and examples; production clients use the
// SQLite store.
type MemoryStore struct {
	mu     sync.RWMutex
	order  []string
	byID   map[string]*PendingMutation
	closed bool

	// FailList, when set, makes List return it. Lets tests exercise the
	// degraded-storage path without a corrupt database file.
	FailList error
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID: make(map[string]*PendingMutation),
	}
}

func (s *MemoryStore) Enqueue(ctx context.Context, m *PendingMutation) error {
	if err := m.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.byID[m.LocalID]; ok {
		return ErrDuplicateLocalID
	}

	s.byID[m.LocalID] = m.Clone()
	s.order = append(s.order, m.LocalID)
	return nil
}

func (s *MemoryStore) List(ctx context.Context, collection Collection) ([]*PendingMutation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	if s.FailList != nil {
		return nil, s.FailList
	}

	var out []*PendingMutation
	for _, id := range s.order {
		m := s.byID[id]
		if m == nil {
			continue
		}
		if collection != "" && m.Collection != collection {
			continue
		}
		out = append(out, m.Clone())
	}
	return out, nil
}

func (s *MemoryStore) Get(ctx context.Context, localID string) (*PendingMutation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	m, ok := s.byID[localID]
	if !ok {
		return nil, ErrNotFound
	}
	return m.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, localID string, patch Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	m, ok := s.byID[localID]
	if !ok {
		return ErrNotFound
	}
	patch.Apply(m)
	return nil
}

func (s *MemoryStore) Remove(ctx context.Context, localID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.byID[localID]; !ok {
		return ErrNotFound
	}
	delete(s.byID, localID)
	for i, id := range s.order {
		if id == localID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context, collection Collection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	kept := s.order[:0]
	for _, id := range s.order {
		m := s.byID[id]
		if m != nil && m.Collection == collection {
			delete(s.byID, id)
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return nil
}

func (s *MemoryStore) Counts(ctx context.Context) (map[Collection]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	counts := make(map[Collection]int)
	for _, m := range s.byID {
		counts[m.Collection]++
	}
	return counts, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
