// Package stream delivers conversation events to the front end in emission
// order, stamped with the session generation they were produced under.
package stream

import (
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Type is the kind of a conversation event.
type Type string

const (
	TypeReasoning           Type = "reasoning"
	TypeToolCall            Type = "tool_call"
	TypeToolResult          Type = "tool_result"
	TypeMessage             Type = "message"
	TypePreviewReady        Type = "preview_ready"
	TypeConfirmationRequest Type = "confirmation_request"
	TypeExecutionProgress   Type = "execution_progress"
	TypeCompletion          Type = "completion"
	TypeError               Type = "error"
)

// Terminal reports whether t ends a turn.
func (t Type) Terminal() bool {
	return t == TypeCompletion || t == TypeError
}

// Event is immutable once published.
type Event struct {
	ID             string          `json:"id"`
	Type           Type            `json:"type"`
	ConversationID string          `json:"conversation_id"`
	Generation     uint64          `json:"generation"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Time           time.Time       `json:"time"`
}

func newEvent(conversationID string, generation uint64, t Type, payload any) (Event, error) {
	ev := Event{
		ID:             ulid.Make().String(),
		Type:           t,
		ConversationID: conversationID,
		Generation:     generation,
		Time:           time.Now().UTC(),
	}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Event{}, err
		}
		ev.Payload = b
	}
	return ev, nil
}

// Message is the payload of message and error events.
type Message struct {
	Text string `json:"text"`
}

// ToolCall is the payload of tool_call events.
type ToolCall struct {
	CallID string          `json:"call_id"`
	Tool   string          `json:"tool"`
	Input  json.RawMessage `json:"input,omitempty"`
}

// ToolResult is the payload of tool_result events.
type ToolResult struct {
	CallID string `json:"call_id"`
	Tool   string `json:"tool"`
	Denied bool   `json:"denied"`
	Reason string `json:"reason,omitempty"`
	OK     bool   `json:"ok"`
	Result any    `json:"result,omitempty"`
}

// Completion is the payload of completion events.
type Completion struct {
	Rebuilt              bool    `json:"rebuilt"`
	AwaitingConfirmation bool    `json:"awaiting_confirmation"`
	ToolCalls            int     `json:"tool_calls"`
	CostUSD              float64 `json:"cost_usd,omitempty"`
}
