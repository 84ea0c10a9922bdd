package stream

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrClosed = errors.New("stream closed")

const defaultTombstoneTTL = 10 * time.Minute

// Publisher keeps one ordered queue per conversation. Events are never
// dropped or reordered; a queue without a subscriber buffers until one
// attaches or the conversation is closed. A closed conversation leaves a
// tombstone so late publishers get ErrClosed instead of a fresh queue.
type Publisher struct {
	mu     sync.Mutex
	topics map[string]*topic

	onPublish    func(Event)
	now          func() time.Time
	tombstoneTTL time.Duration
}

type PublisherOption func(*Publisher)

// WithPublishHook is called after every accepted event.
func WithPublishHook(fn func(Event)) PublisherOption {
	return func(p *Publisher) { p.onPublish = fn }
}

// WithTombstoneTTL sets how long a closed conversation keeps refusing events
// before its tombstone is pruned.
func WithTombstoneTTL(ttl time.Duration) PublisherOption {
	return func(p *Publisher) { p.tombstoneTTL = ttl }
}

func WithPublisherClock(now func() time.Time) PublisherOption {
	return func(p *Publisher) { p.now = now }
}

func NewPublisher(opts ...PublisherOption) *Publisher {
	p := &Publisher{
		topics:       make(map[string]*topic),
		now:          time.Now,
		tombstoneTTL: defaultTombstoneTTL,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type topic struct {
	mu      sync.Mutex
	pending []Event
	notify  chan struct{}
	closed  bool
	// closedAt is read under Publisher.mu once closed is set.
	closedAt time.Time
	sub      *subscription
}

type subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (p *Publisher) topic(conversationID string) *topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.topics[conversationID]
	if !ok {
		t = &topic{notify: make(chan struct{}, 1)}
		p.topics[conversationID] = t
	}
	return t
}

func (t *topic) signal() {
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

// Publish appends ev to the conversation's queue.
func (p *Publisher) Publish(_ context.Context, conversationID string, ev Event) error {
	t := p.topic(conversationID)
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.pending = append(t.pending, ev)
	t.mu.Unlock()
	t.signal()

	if p.onPublish != nil {
		p.onPublish(ev)
	}
	return nil
}

// Subscribe attaches the single live reader for a conversation. A newer
// subscription supersedes an older one: the old channel is closed and any
// event it had not delivered goes to the new reader. The channel closes
// when ctx ends or the conversation is closed and drained.
func (p *Publisher) Subscribe(ctx context.Context, conversationID string) <-chan Event {
	t := p.topic(conversationID)
	out := make(chan Event)

	subCtx, cancel := context.WithCancel(ctx)
	s := &subscription{cancel: cancel, done: make(chan struct{})}

	t.mu.Lock()
	old := t.sub
	t.sub = s
	t.mu.Unlock()

	if old != nil {
		old.cancel()
		<-old.done
	}

	go t.pump(subCtx, s, out)
	return out
}

func (t *topic) pump(ctx context.Context, s *subscription, out chan<- Event) {
	defer func() {
		t.mu.Lock()
		if t.sub == s {
			t.sub = nil
		}
		t.mu.Unlock()
		s.cancel()
		close(out)
		close(s.done)
	}()

	for {
		t.mu.Lock()
		if len(t.pending) == 0 {
			closed := t.closed
			t.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-t.notify:
				continue
			case <-ctx.Done():
				return
			}
		}
		ev := t.pending[0]
		t.pending = t.pending[1:]
		t.mu.Unlock()

		select {
		case out <- ev:
		case <-ctx.Done():
			t.mu.Lock()
			t.pending = append([]Event{ev}, t.pending...)
			t.mu.Unlock()
			t.signal()
			return
		}
	}
}

// Pending returns the number of buffered, undelivered events.
func (p *Publisher) Pending(conversationID string) int {
	p.mu.Lock()
	t, ok := p.topics[conversationID]
	p.mu.Unlock()
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Close stops accepting events for the conversation. A live subscriber
// still receives what was buffered before its channel closes; without one
// the buffer is released at once.
func (p *Publisher) Close(conversationID string) {
	now := p.now()
	p.mu.Lock()
	p.pruneLocked(now)
	t, ok := p.topics[conversationID]
	if !ok {
		t = &topic{notify: make(chan struct{}, 1)}
		p.topics[conversationID] = t
	}
	t.closedAt = now
	p.mu.Unlock()

	t.mu.Lock()
	t.closed = true
	if t.sub == nil {
		t.pending = nil
	}
	t.mu.Unlock()
	t.signal()
}

// Reopen lifts the tombstone left by Close so a new session under the same
// conversation id can publish again. Open topics are left alone.
func (p *Publisher) Reopen(conversationID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.topics[conversationID]
	if !ok {
		return
	}
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		delete(p.topics, conversationID)
	}
}

// Topics reports how many conversations hold a queue or a tombstone.
func (p *Publisher) Topics() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.topics)
}

func (p *Publisher) pruneLocked(now time.Time) {
	if p.tombstoneTTL <= 0 {
		return
	}
	for id, t := range p.topics {
		if t.closedAt.IsZero() || now.Sub(t.closedAt) < p.tombstoneTTL {
			continue
		}
		t.mu.Lock()
		idle := t.sub == nil
		t.mu.Unlock()
		if idle {
			delete(p.topics, id)
		}
	}
}
