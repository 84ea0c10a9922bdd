package conversations

import (
	"context"

	"github.com/cloudwego/eino/schema"

	"github.com/shipflow-core/server/internal/agent/model"
)

const defaultHistoryTurns = 20

// MessagesManager reads and writes the stored transcript. Only user text and
// final assistant replies are stored; tool traffic stays inside a turn.
type MessagesManager struct {
	conversationRepo model.ConversationRepository
	maxMessages      int
}

func NewMessagesManager(conversationRepo model.ConversationRepository, config model.ConversationConfig) *MessagesManager {
	turns := config.History.MaxTurns
	if turns <= 0 {
		turns = defaultHistoryTurns
	}
	return &MessagesManager{
		conversationRepo: conversationRepo,
		maxMessages:      turns * 2,
	}
}

// History returns the most recent stored messages, oldest first.
func (cm *MessagesManager) History(ctx context.Context, conversationID string) ([]*schema.Message, error) {
	history, err := cm.conversationRepo.Load(ctx, conversationID, cm.maxMessages)
	if err != nil {
		return nil, err
	}
	return trimTail(history.Messages, cm.maxMessages), nil
}

// SaveExchange stores the user message and, when non-empty, the reply in one write.
func (cm *MessagesManager) SaveExchange(ctx context.Context, conversationID, query, reply string) error {
	msgs := []*schema.Message{schema.UserMessage(query)}
	if reply != "" {
		msgs = append(msgs, schema.AssistantMessage(reply, nil))
	}
	return cm.conversationRepo.Append(ctx, conversationID, msgs...)
}

// SaveReply appends an assistant message produced outside a user turn.
func (cm *MessagesManager) SaveReply(ctx context.Context, conversationID, reply string) error {
	return cm.conversationRepo.Append(ctx, conversationID, schema.AssistantMessage(reply, nil))
}

func (cm *MessagesManager) Clear(ctx context.Context, conversationID string) error {
	return cm.conversationRepo.Clear(ctx, conversationID)
}

func trimTail(messages []*schema.Message, max int) []*schema.Message {
	source := messages
	if len(messages) > max {
		source = messages[len(messages)-max:]
	}
	// a window never opens on a dangling reply
	for len(source) > 0 && source[0].Role != schema.User {
		source = source[1:]
	}
	result := make([]*schema.Message, len(source))
	copy(result, source)
	return result
}
