package model

import (
	"context"

	"github.com/cloudwego/eino/schema"
)

// ConversationRepository stores the user-visible transcript of a conversation.
// Tool traffic is never stored; it lives and dies inside a turn.
type ConversationRepository interface {
	// Append stores messages in order as one write.
	Append(ctx context.Context, conversationID string, messages ...*schema.Message) error

	// Load returns at most limit of the newest messages, oldest first.
	// A limit <= 0 returns everything.
	Load(ctx context.Context, conversationID string, limit int) (*ConversationHistory, error)

	Clear(ctx context.Context, conversationID string) error

	Count(ctx context.Context, conversationID string) (int, error)
}

type ConversationHistory struct {
	ConversationID string
	Messages       []*schema.Message
}

// ModeFlags are the per-session switches that change which capabilities
// are available and how the instruction context routes requests.
type ModeFlags struct {
	InteractiveShipping bool `json:"interactive_shipping"`
}
