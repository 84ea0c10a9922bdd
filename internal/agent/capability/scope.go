package capability

import (
	"context"
	"sync"

	"github.com/shipflow-core/server/internal/agent/model"
	"github.com/shipflow-core/server/internal/agent/stream"
)

// Notifier publishes events on behalf of an operation.
type Notifier interface {
	Emit(ctx context.Context, t stream.Type, payload any) error
}

// ContactCache holds contact resolutions confirmed earlier in the session.
type ContactCache interface {
	ConfirmedContact(handle string) (model.Contact, bool)
	ConfirmContact(c model.Contact)
}

// Scope is the per-turn context operations run in.
type Scope struct {
	ConversationID string
	Notifier       Notifier
	Contacts       ContactCache

	mu             sync.Mutex
	pendingBatchID string
}

// MarkAwaitingConfirmation records that a preview was shown and the turn
// must stop for the user's answer.
func (s *Scope) MarkAwaitingConfirmation(batchID string) {
	s.mu.Lock()
	s.pendingBatchID = batchID
	s.mu.Unlock()
}

// PendingBatch returns the batch awaiting confirmation, if any.
func (s *Scope) PendingBatch() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingBatchID
}

type scopeKey struct{}

// WithScope attaches s to ctx for the duration of a turn.
func WithScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// ScopeFrom returns the scope attached to ctx, or an empty one.
func ScopeFrom(ctx context.Context) *Scope {
	if s, ok := ctx.Value(scopeKey{}).(*Scope); ok && s != nil {
		return s
	}
	return &Scope{}
}

func (s *Scope) emit(ctx context.Context, t stream.Type, payload any) {
	if s.Notifier == nil {
		return
	}
	if err := s.Notifier.Emit(ctx, t, payload); err != nil {
		logWarnEmit(err, s.ConversationID, t)
	}
}
