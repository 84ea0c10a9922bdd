// Package session owns the per-conversation agent lifecycle: one live agent
// per conversation, rebuilt whenever the inputs to its instructions change.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/shipflow-core/server/internal/agent/model"
	"github.com/shipflow-core/server/internal/agent/stream"
)

var (
	ErrSessionTerminating = errors.New("session is terminating")
)

// TurnInput is one user message handed to an agent.
type TurnInput struct {
	Session *Session
	Text    string
	History []*schema.Message
}

// TurnOutcome is what an agent reports back after a turn.
type TurnOutcome struct {
	Reply    string
	Messages []*schema.Message
	// ToolCalls counts dispatched and denied calls alike.
	ToolCalls            int
	AwaitingConfirmation bool
	PendingBatchID       string
	// Stale is set when the generation moved on while the turn ran.
	Stale bool
	Usage model.UsageCost
}

// Agent is a live conversational agent bound to one set of instructions.
type Agent interface {
	RunTurn(ctx context.Context, in TurnInput, em *stream.Emitter) (*TurnOutcome, error)
	// Stop drains in-flight work. The agent is unusable afterwards.
	Stop(ctx context.Context) error
}

// Session is the per-conversation state.
type Session struct {
	ID string

	guard      chan struct{}
	generation atomic.Uint64

	mu          sync.Mutex
	agent       Agent
	modes       model.ModeFlags
	fingerprint string
	terminating bool
	// evicted marks a session torn down for idleness rather than ended.
	evicted    bool
	lastActive time.Time
	confirmed   map[string]model.Contact
	pending     string
}

func newSession(id string, now time.Time) *Session {
	return &Session{
		ID:         id,
		guard:      make(chan struct{}, 1),
		lastActive: now,
		confirmed:  make(map[string]model.Contact),
	}
}

// Generation is the current staleness counter. It only grows.
func (s *Session) Generation() uint64 { return s.generation.Load() }

func (s *Session) bump() uint64 { return s.generation.Add(1) }

// Modes returns a snapshot of the mode flags.
func (s *Session) Modes() model.ModeFlags {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modes
}

func (s *Session) Fingerprint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fingerprint
}

// Agent returns the live agent, or nil when none is built.
func (s *Session) Agent() Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agent
}

func (s *Session) Terminating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminating
}

func (s *Session) evictedState() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evicted
}

func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// ConfirmContact caches a contact resolution the user confirmed. The cache
// is cleared on every rebuild.
func (s *Session) ConfirmContact(c model.Contact) {
	s.mu.Lock()
	s.confirmed[c.Handle] = c
	s.mu.Unlock()
}

func (s *Session) ConfirmedContact(handle string) (model.Contact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.confirmed[handle]
	return c, ok
}

// SetPendingBatch records the previewed batch awaiting the user's answer.
// An empty id clears it.
func (s *Session) SetPendingBatch(id string) {
	s.mu.Lock()
	s.pending = id
	s.mu.Unlock()
}

func (s *Session) PendingBatch() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

func (s *Session) acquire(ctx context.Context) error {
	select {
	case s.guard <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) tryAcquire() bool {
	select {
	case s.guard <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Session) release() { <-s.guard }
