package repo

import (
	"context"
	"sync"

	"github.com/cloudwego/eino/schema"

	"github.com/shipflow-core/server/internal/agent/model"
)

// MemoryConversationRepository keeps transcripts in process. Used when no
// Redis is configured and in tests.
type MemoryConversationRepository struct {
	mu    sync.RWMutex
	convs map[string][]*schema.Message
}

func NewMemoryConversationRepository() *MemoryConversationRepository {
	return &MemoryConversationRepository{convs: make(map[string][]*schema.Message)}
}

func (r *MemoryConversationRepository) Append(_ context.Context, conversationID string, messages ...*schema.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range messages {
		cp := *m
		r.convs[conversationID] = append(r.convs[conversationID], &cp)
	}
	return nil
}

func (r *MemoryConversationRepository) Load(_ context.Context, conversationID string, limit int) (*model.ConversationHistory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src := r.convs[conversationID]
	if limit > 0 && len(src) > limit {
		src = src[len(src)-limit:]
	}
	msgs := make([]*schema.Message, len(src))
	for i, m := range src {
		cp := *m
		msgs[i] = &cp
	}
	return &model.ConversationHistory{ConversationID: conversationID, Messages: msgs}, nil
}

func (r *MemoryConversationRepository) Clear(_ context.Context, conversationID string) error {
	r.mu.Lock()
	delete(r.convs, conversationID)
	r.mu.Unlock()
	return nil
}

func (r *MemoryConversationRepository) Count(_ context.Context, conversationID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.convs[conversationID]), nil
}

var _ model.ConversationRepository = (*MemoryConversationRepository)(nil)
