package stream

import (
	"context"
	"errors"
	"sync"
)

// ErrTurnClosed is returned when emitting after the turn's terminal event.
var ErrTurnClosed = errors.New("turn already completed")

// Sink accepts published events.
type Sink interface {
	Publish(ctx context.Context, conversationID string, ev Event) error
}

// Emitter publishes the events of one turn. Every event carries the
// generation the turn started under, so a mode change mid-turn makes the
// rest of the turn stale for the consumer.
type Emitter struct {
	sink           Sink
	conversationID string
	generation     uint64

	mu         sync.Mutex
	terminated bool
	count      int
}

func NewEmitter(sink Sink, conversationID string, generation uint64) *Emitter {
	return &Emitter{sink: sink, conversationID: conversationID, generation: generation}
}

func (e *Emitter) Generation() uint64 { return e.generation }

func (e *Emitter) ConversationID() string { return e.conversationID }

// Emit publishes one event. After a completion or error event, further
// emissions fail with ErrTurnClosed.
func (e *Emitter) Emit(ctx context.Context, t Type, payload any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminated {
		return ErrTurnClosed
	}
	ev, err := newEvent(e.conversationID, e.generation, t, payload)
	if err != nil {
		return err
	}
	if t.Terminal() {
		e.terminated = true
	}
	e.count++
	return e.sink.Publish(ctx, e.conversationID, ev)
}

// Terminated reports whether the turn's terminal event was emitted.
func (e *Emitter) Terminated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.terminated
}

// Count returns the number of events emitted so far.
func (e *Emitter) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.count
}
