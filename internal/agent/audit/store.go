package audit

import (
	"context"
	"sync"
)

// DefaultMaxRuns caps how many runs a conversation keeps.
const DefaultMaxRuns = 100

// Store persists finished runs per conversation.
type Store interface {
	Append(ctx context.Context, run Run) error
	// Runs returns up to limit runs, newest first. limit <= 0 means all kept.
	Runs(ctx context.Context, conversationID string, limit int) ([]Run, error)
}

type MemoryStore struct {
	mu      sync.RWMutex
	runs    map[string][]Run
	maxRuns int
}

// NewMemoryStore keeps at most maxRuns per conversation; 0 means
// DefaultMaxRuns.
func NewMemoryStore(maxRuns int) *MemoryStore {
	if maxRuns <= 0 {
		maxRuns = DefaultMaxRuns
	}
	return &MemoryStore{runs: make(map[string][]Run), maxRuns: maxRuns}
}

func (s *MemoryStore) Append(_ context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	runs := append(s.runs[run.ConversationID], run)
	if over := len(runs) - s.maxRuns; over > 0 {
		runs = append([]Run(nil), runs[over:]...)
	}
	s.runs[run.ConversationID] = runs
	return nil
}

func (s *MemoryStore) Runs(_ context.Context, conversationID string, limit int) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runs := s.runs[conversationID]
	if limit <= 0 || limit > len(runs) {
		limit = len(runs)
	}
	out := make([]Run, 0, limit)
	for i := len(runs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, runs[i])
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
