// Package conversations runs one inbound message end to end: routing, the
// session rebuild check, the agent turn, transcript persistence and the
// terminal event.
package conversations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/shipflow-core/server/internal/agent/audit"
	"github.com/shipflow-core/server/internal/agent/batch"
	"github.com/shipflow-core/server/internal/agent/model"
	"github.com/shipflow-core/server/internal/agent/routing"
	"github.com/shipflow-core/server/internal/agent/session"
	"github.com/shipflow-core/server/internal/agent/stream"
	errx "github.com/shipflow-core/server/internal/core/error"
	logx "github.com/shipflow-core/server/pkg/logger"
)

const (
	defaultSnapshotTries    = 3
	defaultSnapshotInterval = 200 * time.Millisecond
)

// Deps are the components the orchestrator drives.
type Deps struct {
	Sessions  *session.Manager
	Source    model.RowSource
	Batches   *batch.Engine
	Messages  *MessagesManager
	Publisher *stream.Publisher
	// Audit defaults to an in-memory store.
	Audit audit.Store
	// Router defaults to routing.Default().
	Router *routing.Table
}

type Option func(*Orchestrator)

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithSnapshotRetry bounds the retry applied to the per-message snapshot read.
func WithSnapshotRetry(maxTries uint, initial time.Duration) Option {
	return func(o *Orchestrator) {
		o.snapshotTries = maxTries
		o.snapshotInterval = initial
	}
}

// Reply is what a caller gets back for one message.
type Reply struct {
	Text                 string        `json:"text"`
	Route                routing.Route `json:"route"`
	Rebuilt              bool          `json:"rebuilt"`
	AwaitingConfirmation bool          `json:"awaiting_confirmation"`
	PendingBatchID       string        `json:"pending_batch_id,omitempty"`
	Stale                bool          `json:"stale"`
}

type Orchestrator struct {
	sessions  *session.Manager
	source    model.RowSource
	batches   *batch.Engine
	messages  *MessagesManager
	publisher *stream.Publisher
	audit     audit.Store
	router    *routing.Table

	now              func() time.Time
	snapshotTries    uint
	snapshotInterval time.Duration
}

func NewOrchestrator(d Deps, opts ...Option) (*Orchestrator, error) {
	if d.Sessions == nil || d.Source == nil || d.Batches == nil || d.Messages == nil || d.Publisher == nil {
		return nil, errors.New("conversations: sessions, source, batches, messages and publisher are required")
	}
	if d.Router == nil {
		d.Router = routing.Default()
	}
	if d.Audit == nil {
		d.Audit = audit.NewMemoryStore(0)
	}
	o := &Orchestrator{
		sessions:         d.Sessions,
		source:           d.Source,
		batches:          d.Batches,
		messages:         d.Messages,
		publisher:        d.Publisher,
		audit:            d.Audit,
		router:           d.Router,
		now:              time.Now,
		snapshotTries:    defaultSnapshotTries,
		snapshotInterval: defaultSnapshotInterval,
	}
	for _, opt := range opts {
		opt(o)
	}
	// ended and evicted sessions release their queues; a new session reopens one
	d.Sessions.OnClose(d.Publisher.Close)
	d.Sessions.OnOpen(d.Publisher.Reopen)
	return o, nil
}

// HandleMessage processes one user message under the session's turn guard.
// Messages for a terminating session return session.ErrSessionTerminating.
func (o *Orchestrator) HandleMessage(ctx context.Context, conversationID, text string) (*Reply, error) {
	var reply *Reply
	err := o.sessions.Turn(ctx, conversationID, func(ctx context.Context, s *session.Session) error {
		ctx, rec := o.startRun(ctx, s, audit.KindMessage, text)
		r, err := o.handle(ctx, s, text)
		reply = r
		status := audit.StatusCompleted
		if r != nil {
			switch {
			case r.Stale:
				status = audit.StatusStale
			case r.AwaitingConfirmation:
				status = audit.StatusAwaitingConfirmation
				rec.Update(func(run *audit.Run) { run.JobID = r.PendingBatchID })
			}
		}
		o.finishRun(ctx, rec, status, err)
		return err
	})
	if errors.Is(err, session.ErrSessionTerminating) {
		logx.Debug().Str("conversation_id", conversationID).Msg("Message skipped, session terminating")
	}
	return reply, err
}

func (o *Orchestrator) handle(ctx context.Context, s *session.Session, text string) (*Reply, error) {
	snap, err := o.snapshot(ctx)
	if err != nil {
		o.fail(ctx, o.emitter(s), err)
		return nil, fmt.Errorf("data source snapshot: %w", err)
	}

	pending := s.PendingBatch()
	modes := s.Modes()
	d := o.router.Route(routing.Signal{
		Text:                text,
		Interactive:         modes.InteractiveShipping,
		SourceConnected:     snap.Connected(),
		PendingConfirmation: pending != "",
	})
	audit.Record(ctx, audit.Decision{Phase: audit.PhaseRouting, Allowed: true, Rule: d.Rule, Detail: string(d.Route)})
	audit.FromContext(ctx).Update(func(run *audit.Run) { run.Route = string(d.Route) })

	switch d.Route {
	case routing.RouteConfirm:
		return o.confirmPending(ctx, s, pending, text)
	case routing.RouteCancel:
		return o.cancelPending(ctx, s, pending, text)
	case routing.RouteClarify:
		em := o.emitter(s)
		o.emit(ctx, em, stream.TypeMessage, stream.Message{Text: d.Reply})
		o.save(ctx, s.ID, text, d.Reply)
		o.emit(ctx, em, stream.TypeCompletion, stream.Completion{})
		return &Reply{Text: d.Reply, Route: d.Route}, nil
	}

	if d.DisableInteractive {
		modes.InteractiveShipping = false
		logx.Info().Str("conversation_id", s.ID).Str("rule", d.Rule).Msg("Interactive shipping switched off for batch request")
	}
	rebuilt, err := o.sessions.Ensure(ctx, s, snap, modes)
	// the emitter is bound after Ensure so a mode change made here is not stale
	em := o.emitter(s)
	audit.FromContext(ctx).Update(func(run *audit.Run) {
		run.Generation = s.Generation()
		run.Interactive = modes.InteractiveShipping
	})
	if err != nil {
		o.fail(ctx, em, err)
		return nil, err
	}

	history, err := o.messages.History(ctx, s.ID)
	if err != nil {
		o.fail(ctx, em, err)
		return nil, fmt.Errorf("load history: %w", err)
	}
	out, err := s.Agent().RunTurn(ctx, session.TurnInput{Session: s, Text: text, History: history}, em)
	if err != nil {
		o.fail(ctx, em, err)
		return nil, err
	}
	if out.AwaitingConfirmation {
		s.SetPendingBatch(out.PendingBatchID)
	}

	reply := &Reply{
		Text:                 out.Reply,
		Route:                d.Route,
		Rebuilt:              rebuilt,
		AwaitingConfirmation: out.AwaitingConfirmation,
		PendingBatchID:       out.PendingBatchID,
		Stale:                out.Stale,
	}
	if out.Stale {
		reply.Text = ""
	}
	o.save(ctx, s.ID, text, reply.Text)
	o.emit(ctx, em, stream.TypeCompletion, stream.Completion{
		Rebuilt:              rebuilt,
		AwaitingConfirmation: out.AwaitingConfirmation,
		ToolCalls:            out.ToolCalls,
		CostUSD:              out.Usage.CostUSD,
	})
	return reply, nil
}

func (o *Orchestrator) confirmPending(ctx context.Context, s *session.Session, batchID, text string) (*Reply, error) {
	em := o.emitter(s)
	s.SetPendingBatch("")
	res, err := o.run(ctx, em, batchID, batch.Affirmation{
		ConversationID: s.ID,
		Source:         batch.SourceUserMessage,
		Text:           text,
		At:             o.now(),
	})
	if err != nil {
		o.fail(ctx, em, err)
		return nil, err
	}
	msg := Summarize(res)
	o.emit(ctx, em, stream.TypeMessage, stream.Message{Text: msg})
	o.save(ctx, s.ID, text, msg)
	o.emit(ctx, em, stream.TypeCompletion, stream.Completion{})
	return &Reply{Text: msg, Route: routing.RouteConfirm}, nil
}

func (o *Orchestrator) cancelPending(ctx context.Context, s *session.Session, batchID, text string) (*Reply, error) {
	em := o.emitter(s)
	s.SetPendingBatch("")
	b, err := o.cancel(ctx, batchID)
	if err != nil {
		o.fail(ctx, em, err)
		return nil, err
	}
	msg := fmt.Sprintf("Cancelled %s. Nothing was shipped.", b.Name)
	o.emit(ctx, em, stream.TypeMessage, stream.Message{Text: msg})
	o.save(ctx, s.ID, text, msg)
	o.emit(ctx, em, stream.TypeCompletion, stream.Completion{})
	return &Reply{Text: msg, Route: routing.RouteCancel}, nil
}

// ConfirmBatch is the explicit confirm action from the front end. It
// affirms the batch and executes it, streaming one progress event per row.
func (o *Orchestrator) ConfirmBatch(ctx context.Context, conversationID, batchID string) (*batch.Result, error) {
	var res *batch.Result
	err := o.sessions.Turn(ctx, conversationID, func(ctx context.Context, s *session.Session) (err error) {
		ctx, rec := o.startRun(ctx, s, audit.KindConfirm, "")
		rec.Update(func(run *audit.Run) { run.JobID = batchID })
		defer func() { o.finishRun(ctx, rec, audit.StatusCompleted, err) }()

		if err := o.owned(ctx, conversationID, batchID); err != nil {
			return err
		}
		if s.PendingBatch() == batchID {
			s.SetPendingBatch("")
		}
		em := o.emitter(s)
		r, err := o.run(ctx, em, batchID, batch.Affirmation{
			ConversationID: conversationID,
			Source:         batch.SourceUserAction,
			At:             o.now(),
		})
		if err != nil {
			o.fail(ctx, em, err)
			return err
		}
		msg := Summarize(r)
		o.emit(ctx, em, stream.TypeMessage, stream.Message{Text: msg})
		if err := o.messages.SaveReply(ctx, conversationID, msg); err != nil {
			logx.Warn().Err(err).Str("conversation_id", conversationID).Msg("Failed to persist reply")
		}
		o.emit(ctx, em, stream.TypeCompletion, stream.Completion{})
		res = r
		return nil
	})
	return res, err
}

// CancelBatch is the explicit cancel action from the front end.
func (o *Orchestrator) CancelBatch(ctx context.Context, conversationID, batchID string) (*batch.Batch, error) {
	var out *batch.Batch
	err := o.sessions.Turn(ctx, conversationID, func(ctx context.Context, s *session.Session) (err error) {
		ctx, rec := o.startRun(ctx, s, audit.KindCancel, "")
		rec.Update(func(run *audit.Run) { run.JobID = batchID })
		defer func() { o.finishRun(ctx, rec, audit.StatusCompleted, err) }()

		if err := o.owned(ctx, conversationID, batchID); err != nil {
			return err
		}
		b, err := o.cancel(ctx, batchID)
		if err != nil {
			return err
		}
		if s.PendingBatch() == batchID {
			s.SetPendingBatch("")
		}
		out = b
		return nil
	})
	return out, err
}

// Batch returns the batch when it belongs to the conversation.
func (o *Orchestrator) Batch(ctx context.Context, conversationID, batchID string) (*batch.Batch, error) {
	b, err := o.batches.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if b.ConversationID != conversationID {
		return nil, batch.ErrNotFound
	}
	return b, nil
}

func (o *Orchestrator) owned(ctx context.Context, conversationID, batchID string) error {
	_, err := o.Batch(ctx, conversationID, batchID)
	return err
}

func (o *Orchestrator) run(ctx context.Context, em *stream.Emitter, batchID string, a batch.Affirmation) (*batch.Result, error) {
	res, err := o.execute(ctx, em, batchID, a)
	d := audit.Decision{Phase: audit.PhaseExecution, JobID: batchID, Allowed: err == nil}
	if err != nil {
		d.ErrorCode = string(errx.CodeOf(err))
		d.Detail = err.Error()
	} else {
		d.OK = res.State == batch.StateCompleted
		d.Detail = fmt.Sprintf("%s: %d of %d shipped", res.State, res.Succeeded, res.Total)
	}
	audit.Record(ctx, d)
	return res, err
}

func (o *Orchestrator) execute(ctx context.Context, em *stream.Emitter, batchID string, a batch.Affirmation) (*batch.Result, error) {
	if _, err := o.batches.Confirm(ctx, batchID, a); err != nil {
		return nil, err
	}
	return o.batches.Execute(ctx, batchID, true, func(ctx context.Context, p batch.Progress) {
		o.emit(ctx, em, stream.TypeExecutionProgress, p)
	})
}

func (o *Orchestrator) cancel(ctx context.Context, batchID string) (*batch.Batch, error) {
	b, err := o.batches.Cancel(ctx, batchID)
	d := audit.Decision{Phase: audit.PhaseCancel, JobID: batchID, Allowed: err == nil, OK: err == nil}
	if err != nil {
		d.ErrorCode = string(errx.CodeOf(err))
		d.Detail = err.Error()
	}
	audit.Record(ctx, d)
	return b, err
}

// SetModes changes the session's modes. In-flight output from the previous
// generation becomes stale at once.
func (o *Orchestrator) SetModes(conversationID string, modes model.ModeFlags) uint64 {
	gen, changed := o.sessions.SetModes(conversationID, modes)
	if changed {
		logx.Info().Str("conversation_id", conversationID).Bool("interactive", modes.InteractiveShipping).
			Uint64("generation", gen).Msg("Modes changed")
	}
	return gen
}

// Modes returns the current modes, or the zero value for unknown sessions.
func (o *Orchestrator) Modes(conversationID string) model.ModeFlags {
	if s, ok := o.sessions.Get(conversationID); ok {
		return s.Modes()
	}
	return model.ModeFlags{}
}

// Reset starts the conversation over. In-flight output goes stale at once;
// then, under the turn guard, the pending batch is cancelled and the stored
// transcript cleared. The agent is rebuilt on the next message.
func (o *Orchestrator) Reset(ctx context.Context, conversationID string) (uint64, error) {
	o.sessions.Reset(conversationID)
	var gen uint64
	err := o.sessions.Turn(ctx, conversationID, func(ctx context.Context, s *session.Session) (err error) {
		ctx, rec := o.startRun(ctx, s, audit.KindReset, "")
		defer func() { o.finishRun(ctx, rec, audit.StatusCompleted, err) }()

		if pending := s.PendingBatch(); pending != "" {
			s.SetPendingBatch("")
			rec.Update(func(run *audit.Run) { run.JobID = pending })
			if _, err := o.cancel(ctx, pending); err != nil {
				logx.Warn().Err(err).Str("conversation_id", conversationID).Str("job_id", pending).Msg("Failed to cancel pending batch on reset")
			}
		}
		if err := o.messages.Clear(ctx, conversationID); err != nil {
			return fmt.Errorf("clear transcript: %w", err)
		}
		gen = s.Generation()
		return nil
	})
	if err != nil {
		return 0, err
	}
	logx.Info().Str("conversation_id", conversationID).Uint64("generation", gen).Msg("Conversation reset")
	return gen, nil
}

// Audit returns up to limit decision runs for the conversation, newest first.
func (o *Orchestrator) Audit(ctx context.Context, conversationID string, limit int) ([]audit.Run, error) {
	return o.audit.Runs(ctx, conversationID, limit)
}

// End terminates the session. Its event stream closes once the session is
// removed.
func (o *Orchestrator) End(ctx context.Context, conversationID string) error {
	return o.sessions.End(ctx, conversationID)
}

// Events streams the conversation's events, dropping any whose generation
// is no longer current.
func (o *Orchestrator) Events(ctx context.Context, conversationID string) <-chan stream.Event {
	in := o.publisher.Subscribe(ctx, conversationID)
	return stream.Fresh(ctx, in, func() uint64 {
		if s, ok := o.sessions.Get(conversationID); ok {
			return s.Generation()
		}
		return ^uint64(0)
	})
}

// startRun opens the audit run for one guarded unit of work and carries it
// in the returned context.
func (o *Orchestrator) startRun(ctx context.Context, s *session.Session, kind audit.Kind, text string) (context.Context, *audit.Recorder) {
	rec := audit.Start(audit.Run{
		ConversationID: s.ID,
		Generation:     s.Generation(),
		Kind:           kind,
		MessageHash:    audit.HashMessage(text),
		Interactive:    s.Modes().InteractiveShipping,
	}, o.now)
	return audit.WithRecorder(ctx, rec), rec
}

func (o *Orchestrator) finishRun(ctx context.Context, rec *audit.Recorder, status audit.Status, err error) {
	if err != nil {
		rec.Record(audit.Decision{Phase: audit.PhaseError, ErrorCode: string(errx.CodeOf(err)), Detail: errx.UserMessage(err)})
	}
	rec.Finish(status, err)
	run := rec.Snapshot()
	if err := o.audit.Append(context.WithoutCancel(ctx), run); err != nil {
		logx.Warn().Err(err).Str("conversation_id", run.ConversationID).Str("run_id", run.ID).Msg("Failed to save audit run")
	}
}

func (o *Orchestrator) snapshot(ctx context.Context) (*model.DataSourceSnapshot, error) {
	op := func() (*model.DataSourceSnapshot, error) {
		snap, err := o.source.Snapshot(ctx)
		if err != nil && !errx.IsRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		return snap, err
	}
	if o.snapshotTries <= 1 {
		return o.source.Snapshot(ctx)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.snapshotInterval
	return backoff.Retry(ctx, op, backoff.WithBackOff(b), backoff.WithMaxTries(o.snapshotTries))
}

func (o *Orchestrator) emitter(s *session.Session) *stream.Emitter {
	return stream.NewEmitter(o.publisher, s.ID, s.Generation())
}

func (o *Orchestrator) emit(ctx context.Context, em *stream.Emitter, t stream.Type, payload any) {
	if err := em.Emit(ctx, t, payload); err != nil && !errors.Is(err, stream.ErrTurnClosed) {
		logx.Warn().Err(err).Str("conversation_id", em.ConversationID()).Str("type", string(t)).Msg("Failed to emit event")
	}
}

func (o *Orchestrator) fail(ctx context.Context, em *stream.Emitter, err error) {
	logx.Error().Err(err).Str("conversation_id", em.ConversationID()).Msg("Turn failed")
	o.emit(ctx, em, stream.TypeError, stream.Message{Text: errx.UserMessage(err)})
}

func (o *Orchestrator) save(ctx context.Context, conversationID, text, reply string) {
	if err := o.messages.SaveExchange(ctx, conversationID, text, reply); err != nil {
		logx.Warn().Err(err).Str("conversation_id", conversationID).Msg("Failed to persist transcript")
	}
}

// Summarize renders an execution result as a chat reply.
func Summarize(r *batch.Result) string {
	switch r.State {
	case batch.StateCompleted:
		return fmt.Sprintf("Shipped all %d rows. Tracking numbers are in the job record.", r.Total)
	case batch.StatePartiallyFailed:
		return fmt.Sprintf("Shipped %d of %d rows; %d failed. Check the job record for the failure reasons.", r.Succeeded, r.Total, r.Failed)
	default:
		reason := r.FailureReason
		if reason == "" {
			reason = "No shipments succeeded."
		}
		return "The job failed. " + reason
	}
}
