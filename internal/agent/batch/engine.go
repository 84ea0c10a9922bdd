package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/shipflow-core/server/internal/agent/model"
	errx "github.com/shipflow-core/server/internal/core/error"
	logx "github.com/shipflow-core/server/pkg/logger"
)

const (
	DefaultConcurrency = 5
	DefaultPreviewRows = 20
)

// Store persists batches. Get returns ErrNotFound for unknown ids and every
// method works on copies.
type Store interface {
	Save(ctx context.Context, b *Batch) error
	Get(ctx context.Context, id string) (*Batch, error)
	// Archive records a terminal batch for audit. Archived batches stay readable through Get.
	Archive(ctx context.Context, b *Batch) error
}

// ProgressSink receives one call per finished row. Calls are serialized.
type ProgressSink func(ctx context.Context, p Progress)

// Observer is notified after every committed transition.
type Observer interface {
	BatchTransition(from, to State)
}

type Config struct {
	Concurrency int
	PreviewRows int
	MaxRows     int
	// Provider and Environment select the carrier credentials checked before rating and execution.
	Provider    string
	Environment string
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// Engine drives batches through their state machine.
type Engine struct {
	store   Store
	carrier model.Carrier
	creds   model.Credentials
	cfg     Config

	now      func() time.Time
	observer Observer

	// mu serializes read-check-write transitions; running guards execution re-entrancy.
	mu      sync.Mutex
	running map[string]struct{}
}

func NewEngine(store Store, carrier model.Carrier, creds model.Credentials, cfg Config, opts ...Option) *Engine {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.PreviewRows <= 0 {
		cfg.PreviewRows = DefaultPreviewRows
	}
	e := &Engine{
		store:   store,
		carrier: carrier,
		creds:   creds,
		cfg:     cfg,
		now:     time.Now,
		running: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Create stores a new batch in the created state.
func (e *Engine) Create(ctx context.Context, conversationID, name string, shipments []model.Shipment) (*Batch, error) {
	if len(shipments) == 0 {
		return nil, ErrEmptyBatch
	}
	if e.cfg.MaxRows > 0 && len(shipments) > e.cfg.MaxRows {
		return nil, errx.Coded(errx.CodeInvalidInput, 400,
			fmt.Sprintf("A job can hold at most %d rows; this one would have %d. Narrow the filter.", e.cfg.MaxRows, len(shipments)), nil)
	}

	now := e.now()
	b := &Batch{
		ID:             uuid.NewString(),
		Name:           name,
		ConversationID: conversationID,
		State:          StateCreated,
		Rows:           make([]Row, len(shipments)),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if b.Name == "" {
		b.Name = "Batch " + now.Format("2006-01-02 15:04")
	}
	for i, s := range shipments {
		fields := make(model.Shipment, len(s))
		for k, v := range s {
			fields[k] = v
		}
		b.Rows[i] = Row{Index: i + 1, Fields: fields}
	}

	if err := e.store.Save(ctx, b); err != nil {
		return nil, fmt.Errorf("save batch: %w", err)
	}
	logx.Info().Str("job_id", b.ID).Str("conversation_id", conversationID).Int("rows", len(b.Rows)).Msg("Batch created")
	return b.Clone(), nil
}

// Get returns a copy of the batch.
func (e *Engine) Get(ctx context.Context, id string) (*Batch, error) {
	return e.store.Get(ctx, id)
}

// Preview rates every row and moves the batch to previewed. It never
// changes carrier-side state. A row that cannot be rated keeps a zero
// estimate and contributes a warning.
func (e *Engine) Preview(ctx context.Context, id string) (*Preview, error) {
	b, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.State != StateCreated {
		return nil, invalidState(b, "previewed again")
	}
	if err := e.requireCredentials(ctx); err != nil {
		return nil, err
	}

	shipments := make([]model.Shipment, len(b.Rows))
	for i, r := range b.Rows {
		shipments[i] = r.Fields
	}
	rates, err := e.carrier.Rate(ctx, shipments)
	if err != nil {
		return nil, fmt.Errorf("rate shipments: %w", err)
	}
	if len(rates) != len(shipments) {
		return nil, fmt.Errorf("carrier returned %d rates for %d shipments", len(rates), len(shipments))
	}

	committed, err := e.transition(ctx, id, StatePreviewed, func(cur *Batch) error {
		var total int64
		for i := range cur.Rows {
			r := rates[i]
			est := &Estimate{CostCents: r.CostCents, Currency: r.Currency}
			if r.Error != "" {
				est.CostCents = 0
				est.Warning = r.Error
			}
			cur.Rows[i].Estimate = est
			total += est.CostCents
			if cur.Currency == "" && est.Currency != "" {
				cur.Currency = est.Currency
			}
		}
		cur.EstimatedCostCents = total
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e.previewOf(committed), nil
}

func (e *Engine) previewOf(b *Batch) *Preview {
	p := &Preview{
		BatchID:            b.ID,
		Name:               b.Name,
		TotalRows:          len(b.Rows),
		EstimatedCostCents: b.EstimatedCostCents,
		Currency:           b.Currency,
	}
	for i, r := range b.Rows {
		if r.Estimate != nil && r.Estimate.Warning != "" {
			p.Warnings = append(p.Warnings, fmt.Sprintf("Row %d: %s", r.Index, r.Estimate.Warning))
		}
		if i >= e.cfg.PreviewRows {
			continue
		}
		pr := PreviewRow{Index: r.Index, Fields: r.Fields}
		if r.Estimate != nil {
			pr.CostCents = r.Estimate.CostCents
			pr.Warning = r.Estimate.Warning
		}
		p.Rows = append(p.Rows, pr)
	}
	if extra := len(b.Rows) - e.cfg.PreviewRows; extra > 0 {
		p.AdditionalRows = extra
	}
	return p
}

// Confirm records the user's affirmation. It is the only way into confirmed.
func (e *Engine) Confirm(ctx context.Context, id string, a Affirmation) (*Batch, error) {
	if !a.valid() {
		return nil, ErrNoAffirmation
	}
	if a.At.IsZero() {
		a.At = e.now()
	}
	return e.transition(ctx, id, StateConfirmed, func(cur *Batch) error {
		if cur.ConversationID != "" && cur.ConversationID != a.ConversationID {
			return ErrNoAffirmation
		}
		cur.Confirmation = &a
		return nil
	})
}

// Cancel abandons a batch that has not been confirmed.
func (e *Engine) Cancel(ctx context.Context, id string) (*Batch, error) {
	b, err := e.transition(ctx, id, StateCancelled, nil)
	if err != nil {
		return nil, err
	}
	if err := e.store.Archive(ctx, b); err != nil {
		logx.Error().Err(err).Str("job_id", id).Msg("Failed to archive cancelled batch")
	}
	return b, nil
}

// Execute runs every row of a confirmed batch against the carrier. approved
// must be true. Once started, execution proceeds down the whole row list
// even if ctx is cancelled; per-row failures are collected, never retried.
func (e *Engine) Execute(ctx context.Context, id string, approved bool, sink ProgressSink) (*Result, error) {
	if !approved {
		return nil, ErrNotApproved
	}

	b, blocked, err := e.begin(ctx, id)
	if err != nil {
		return nil, err
	}
	if blocked {
		return resultOf(b), nil
	}
	defer e.finish(id)

	runCtx := context.WithoutCancel(ctx)
	total := len(b.Rows)
	outcomes := make([]*Outcome, total)

	var (
		progressMu sync.Mutex
		done       int
	)
	g := new(errgroup.Group)
	g.SetLimit(e.cfg.Concurrency)
	for i := range b.Rows {
		row := b.Rows[i]
		g.Go(func() error {
			out := e.executeRow(runCtx, row)

			progressMu.Lock()
			defer progressMu.Unlock()
			outcomes[i] = out
			done++
			if sink != nil {
				sink(runCtx, Progress{
					BatchID:       b.ID,
					Index:         row.Index,
					Total:         total,
					Done:          done,
					Status:        out.Status,
					TrackingID:    out.TrackingID,
					FailureReason: out.FailureReason,
				})
			}
			return nil
		})
	}
	_ = g.Wait()

	final, err := e.transitionFrom(runCtx, id, StateExecuting, func(cur *Batch) (State, error) {
		for i := range cur.Rows {
			cur.Rows[i].Outcome = outcomes[i]
			if outcomes[i].Status == RowCompleted {
				cur.Succeeded++
			} else {
				cur.Failed++
			}
		}
		completed := e.now()
		cur.CompletedAt = &completed
		switch {
		case cur.Failed == 0:
			return StateCompleted, nil
		case cur.Succeeded == 0:
			cur.FailureReason = "No shipments succeeded."
			return StateFailed, nil
		default:
			return StatePartiallyFailed, nil
		}
	})
	if err != nil {
		return nil, fmt.Errorf("record execution outcome: %w", err)
	}
	if err := e.store.Archive(runCtx, final); err != nil {
		logx.Error().Err(err).Str("job_id", id).Msg("Failed to archive batch")
	}

	logx.Info().
		Str("job_id", id).
		Str("state", string(final.State)).
		Int("succeeded", final.Succeeded).
		Int("failed", final.Failed).
		Msg("Batch execution finished")
	return resultOf(final), nil
}

// begin claims the batch for execution. blocked reports a precondition
// failure that moved the batch straight to failed.
func (e *Engine) begin(ctx context.Context, id string) (*Batch, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.running[id]; ok {
		return nil, false, ErrAlreadyExecuting
	}
	b, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	switch b.State {
	case StateExecuting:
		return nil, false, ErrAlreadyExecuting
	case StateConfirmed:
	default:
		return nil, false, invalidState(b, "executed")
	}

	prev := b.State
	if cerr := e.requireCredentials(ctx); cerr != nil {
		b.State = StateFailed
		b.FailureReason = errx.UserMessage(cerr)
		b.UpdatedAt = e.now()
		if err := e.store.Save(ctx, b); err != nil {
			return nil, false, fmt.Errorf("save batch: %w", err)
		}
		e.notify(prev, b.State)
		if err := e.store.Archive(ctx, b); err != nil {
			logx.Error().Err(err).Str("job_id", id).Msg("Failed to archive batch")
		}
		return b.Clone(), true, nil
	}

	b.State = StateExecuting
	b.UpdatedAt = e.now()
	if err := e.store.Save(ctx, b); err != nil {
		return nil, false, fmt.Errorf("save batch: %w", err)
	}
	e.running[id] = struct{}{}
	e.notify(prev, b.State)
	return b.Clone(), false, nil
}

func (e *Engine) finish(id string) {
	e.mu.Lock()
	delete(e.running, id)
	e.mu.Unlock()
}

func (e *Engine) executeRow(ctx context.Context, row Row) *Outcome {
	out := &Outcome{Status: RowFailed}
	res, err := e.carrier.Execute(ctx, []model.Shipment{row.Fields})
	switch {
	case err != nil:
		out.FailureReason = failureReason(err)
	case len(res) != 1:
		out.FailureReason = "carrier returned no result for this shipment"
	case res[0].TrackingID != "":
		out.Status = RowCompleted
		out.TrackingID = res[0].TrackingID
	default:
		out.FailureReason = res[0].FailureReason
		if out.FailureReason == "" {
			out.FailureReason = "carrier rejected the shipment"
		}
	}
	out.At = e.now()
	return out
}

// Void cancels a created shipment label at the carrier.
func (e *Engine) Void(ctx context.Context, trackingID string) error {
	if err := e.requireCredentials(ctx); err != nil {
		return err
	}
	if err := e.carrier.Void(ctx, trackingID); err != nil {
		return fmt.Errorf("void %s: %w", trackingID, err)
	}
	return nil
}

func (e *Engine) requireCredentials(ctx context.Context) error {
	if e.creds == nil {
		return ErrNotConfigured
	}
	c, err := e.creds.Active(ctx, e.cfg.Provider, e.cfg.Environment)
	if err != nil {
		return fmt.Errorf("load carrier credentials: %w", err)
	}
	if c == nil {
		return ErrNotConfigured
	}
	return nil
}

// transition applies mutate and moves the batch to the target state when the
// edge from its current state is legal.
func (e *Engine) transition(ctx context.Context, id string, to State, mutate func(*Batch) error) (*Batch, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(b.State, to) {
		return nil, invalidState(b, verbFor(to))
	}
	if mutate != nil {
		if err := mutate(b); err != nil {
			return nil, err
		}
	}
	return e.commit(ctx, b, to)
}

// transitionFrom is transition for edges whose target depends on the batch contents.
func (e *Engine) transitionFrom(ctx context.Context, id string, from State, decide func(*Batch) (State, error)) (*Batch, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.State != from {
		return nil, invalidState(b, "updated")
	}
	to, err := decide(b)
	if err != nil {
		return nil, err
	}
	if !CanTransition(from, to) {
		return nil, invalidState(b, verbFor(to))
	}
	return e.commit(ctx, b, to)
}

func (e *Engine) commit(ctx context.Context, b *Batch, to State) (*Batch, error) {
	prev := b.State
	b.State = to
	b.UpdatedAt = e.now()
	if err := e.store.Save(ctx, b); err != nil {
		return nil, fmt.Errorf("save batch: %w", err)
	}
	e.notify(prev, to)
	return b.Clone(), nil
}

func (e *Engine) notify(from, to State) {
	if e.observer != nil {
		e.observer.BatchTransition(from, to)
	}
}

func verbFor(s State) string {
	switch s {
	case StatePreviewed:
		return "previewed"
	case StateConfirmed:
		return "confirmed"
	case StateExecuting:
		return "executed"
	case StateCancelled:
		return "cancelled"
	default:
		return "moved to " + string(s)
	}
}

func failureReason(err error) string {
	var ae *errx.AppError
	if errors.As(err, &ae) && ae.Message != "" {
		if ae.Err != nil {
			return ae.Err.Error()
		}
		return ae.Message
	}
	return err.Error()
}
