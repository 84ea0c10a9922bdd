package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shipflow-core/server/internal/agent/model"
	"github.com/shipflow-core/server/internal/agent/prompts"
	logx "github.com/shipflow-core/server/pkg/logger"
)

// ContextBuilder renders agent instructions.
type ContextBuilder interface {
	Build(ctx context.Context, in prompts.Input) (*prompts.Instructions, error)
}

// AgentFactory starts an agent for rendered instructions.
type AgentFactory interface {
	Start(ctx context.Context, conversationID string, ins *prompts.Instructions) (Agent, error)
}

// Observer is told about lifecycle changes.
type Observer interface {
	SessionRebuilt(conversationID string)
	SessionEvicted(conversationID string)
}

type Config struct {
	IdleTTL         time.Duration
	SweepInterval   time.Duration
	ContextContacts int
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func WithObserver(o Observer) Option { return func(m *Manager) { m.observer = o } }

// WithDirectory supplies the saved contacts listed in the instructions.
func WithDirectory(d model.Directory) Option { return func(m *Manager) { m.directory = d } }

// Manager owns every live session.
type Manager struct {
	builder   ContextBuilder
	factory   AgentFactory
	directory model.Directory
	cfg       Config
	now       func() time.Time
	observer  Observer

	mu       sync.Mutex
	sessions map[string]*Session

	hookMu  sync.RWMutex
	onOpen  []func(id string)
	onClose []func(id string)
}

func NewManager(builder ContextBuilder, factory AgentFactory, cfg Config, opts ...Option) *Manager {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 30 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.ContextContacts <= 0 {
		cfg.ContextContacts = prompts.MaxContacts
	}
	m := &Manager{
		builder:  builder,
		factory:  factory,
		cfg:      cfg,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns the session for id without creating it.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// OnOpen registers fn to run whenever a new session is created.
func (m *Manager) OnOpen(fn func(id string)) {
	m.hookMu.Lock()
	m.onOpen = append(m.onOpen, fn)
	m.hookMu.Unlock()
}

// OnClose registers fn to run whenever a session is removed, by End or by
// idle eviction.
func (m *Manager) OnClose(fn func(id string)) {
	m.hookMu.Lock()
	m.onClose = append(m.onClose, fn)
	m.hookMu.Unlock()
}

func (m *Manager) run(hooks *[]func(string), id string) {
	m.hookMu.RLock()
	fns := append(([]func(string))(nil), (*hooks)...)
	m.hookMu.RUnlock()
	for _, fn := range fns {
		fn(id)
	}
}

func (m *Manager) getOrCreate(id string) *Session {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		s = newSession(id, m.now())
		m.sessions[id] = s
	}
	m.mu.Unlock()
	if !ok {
		m.run(&m.onOpen, id)
	}
	return s
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Turn runs fn while holding the session's turn guard. Messages for an
// ending session are refused with ErrSessionTerminating. A session evicted
// while the caller waited is replaced by a fresh one.
func (m *Manager) Turn(ctx context.Context, id string, fn func(ctx context.Context, s *Session) error) error {
	for {
		s := m.getOrCreate(id)
		if s.Terminating() && !s.evictedState() {
			return ErrSessionTerminating
		}
		if err := s.acquire(ctx); err != nil {
			return err
		}
		if s.evictedState() {
			s.release()
			continue
		}
		if s.Terminating() {
			s.release()
			return ErrSessionTerminating
		}

		return m.held(ctx, s, fn)
	}
}

func (m *Manager) held(ctx context.Context, s *Session, fn func(ctx context.Context, s *Session) error) error {
	defer s.release()
	m.touch(s)
	defer m.touch(s)
	return fn(ctx, s)
}

func (m *Manager) touch(s *Session) {
	now := m.now()
	s.mu.Lock()
	s.lastActive = now
	s.mu.Unlock()
}

// Ensure makes sure s has an agent built for the current inputs. It reports
// whether a rebuild happened. Callers hold the turn guard.
func (m *Manager) Ensure(ctx context.Context, s *Session, snap *model.DataSourceSnapshot, modes model.ModeFlags) (bool, error) {
	m.applyModes(s, modes)

	var contacts []model.Contact
	if m.directory != nil {
		recent, err := m.directory.Recent(ctx, m.cfg.ContextContacts)
		if err != nil {
			return false, fmt.Errorf("load recent contacts: %w", err)
		}
		contacts = recent
	}
	fp, err := Fingerprint(snap, modes, contacts)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	old, current := s.agent, s.fingerprint
	s.mu.Unlock()
	if old != nil && current == fp {
		return false, nil
	}

	if old != nil {
		if err := old.Stop(ctx); err != nil {
			logx.Warn().Err(err).Str("conversation_id", s.ID).Msg("Failed to stop previous agent")
		}
	}
	s.mu.Lock()
	s.agent = nil
	s.fingerprint = ""
	s.confirmed = make(map[string]model.Contact)
	s.mu.Unlock()

	ins, err := m.builder.Build(ctx, prompts.Input{Schema: snap, Modes: modes, Contacts: contacts, Today: m.now()})
	if err != nil {
		return false, fmt.Errorf("build instructions: %w", err)
	}
	agent, err := m.factory.Start(ctx, s.ID, ins)
	if err != nil {
		return false, fmt.Errorf("start agent: %w", err)
	}

	s.mu.Lock()
	s.agent = agent
	s.fingerprint = fp
	s.mu.Unlock()

	logx.Info().Str("conversation_id", s.ID).Bool("interactive", modes.InteractiveShipping).
		Int("contacts", len(contacts)).Msg("Agent rebuilt")
	if m.observer != nil {
		m.observer.SessionRebuilt(s.ID)
	}
	return true, nil
}

func (m *Manager) applyModes(s *Session, modes model.ModeFlags) bool {
	s.mu.Lock()
	changed := s.modes != modes
	s.modes = modes
	s.mu.Unlock()
	if changed {
		s.bump()
	}
	return changed
}

// SetModes updates the session's modes and bumps the generation when they
// changed. The agent is rebuilt on the next turn.
func (m *Manager) SetModes(id string, modes model.ModeFlags) (uint64, bool) {
	s := m.getOrCreate(id)
	changed := m.applyModes(s, modes)
	return s.Generation(), changed
}

// Reset bumps the generation and forces a rebuild on the next turn.
func (m *Manager) Reset(id string) (uint64, bool) {
	s, ok := m.Get(id)
	if !ok {
		return 0, false
	}
	s.mu.Lock()
	s.fingerprint = ""
	s.mu.Unlock()
	return s.bump(), true
}

// End terminates the session: in-flight output becomes stale at once, the
// current turn is allowed to finish, then the agent stops and the session
// is removed.
func (m *Manager) End(ctx context.Context, id string) error {
	s, ok := m.Get(id)
	if !ok {
		return nil
	}
	s.mu.Lock()
	s.terminating = true
	s.mu.Unlock()
	s.bump()

	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	m.destroy(ctx, s)
	return nil
}

func (m *Manager) destroy(ctx context.Context, s *Session) {
	s.mu.Lock()
	agent := s.agent
	s.agent = nil
	s.fingerprint = ""
	s.mu.Unlock()
	if agent != nil {
		if err := agent.Stop(ctx); err != nil {
			logx.Warn().Err(err).Str("conversation_id", s.ID).Msg("Failed to stop agent")
		}
	}

	m.mu.Lock()
	removed := m.sessions[s.ID] == s
	if removed {
		delete(m.sessions, s.ID)
	}
	m.mu.Unlock()
	if removed {
		m.run(&m.onClose, s.ID)
	}
}

// EvictIdle removes sessions idle longer than the configured TTL. Sessions
// with a turn in progress are skipped.
func (m *Manager) EvictIdle(ctx context.Context) int {
	cutoff := m.now().Add(-m.cfg.IdleTTL)

	m.mu.Lock()
	var idle []*Session
	for _, s := range m.sessions {
		if s.LastActive().Before(cutoff) {
			idle = append(idle, s)
		}
	}
	m.mu.Unlock()

	evicted := 0
	for _, s := range idle {
		if !s.tryAcquire() {
			continue
		}
		s.mu.Lock()
		stillIdle := s.lastActive.Before(cutoff) && !s.terminating
		if stillIdle {
			s.terminating = true
			s.evicted = true
		}
		s.mu.Unlock()
		if !stillIdle {
			s.release()
			continue
		}
		s.bump()
		m.destroy(ctx, s)
		s.release()
		evicted++
		logx.Info().Str("conversation_id", s.ID).Msg("Idle session evicted")
		if m.observer != nil {
			m.observer.SessionEvicted(s.ID)
		}
	}
	return evicted
}

// Run sweeps idle sessions until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.EvictIdle(ctx); n > 0 {
				logx.Debug().Int("evicted", n).Msg("Session sweep")
			}
		}
	}
}
