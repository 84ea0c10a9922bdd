package batch

import (
	"context"
	"sync"
)

// MemoryStore keeps batches in process. Used when no Redis is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	batches  map[string]*Batch
	archived map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		batches:  make(map[string]*Batch),
		archived: make(map[string]struct{}),
	}
}

func (s *MemoryStore) Save(_ context.Context, b *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches[b.ID] = b.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[id]
	if !ok {
		return nil, ErrNotFound
	}
	return b.Clone(), nil
}

func (s *MemoryStore) Archive(_ context.Context, b *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches[b.ID] = b.Clone()
	s.archived[b.ID] = struct{}{}
	return nil
}

// Archived reports whether id was archived.
func (s *MemoryStore) Archived(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.archived[id]
	return ok
}

var _ Store = (*MemoryStore)(nil)
