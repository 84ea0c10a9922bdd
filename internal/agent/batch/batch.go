// Package batch models a shipment job from creation through preview,
// user confirmation and row-by-row execution.
package batch

import (
	"time"

	"github.com/shipflow-core/server/internal/agent/model"
)

// State is the aggregate lifecycle state of a batch.
type State string

const (
	StateCreated         State = "created"
	StatePreviewed       State = "previewed"
	StateConfirmed       State = "confirmed"
	StateExecuting       State = "executing"
	StateCompleted       State = "completed"
	StateFailed          State = "failed"
	StatePartiallyFailed State = "partially_failed"
	StateCancelled       State = "cancelled"
)

var transitions = map[State][]State{
	StateCreated:   {StatePreviewed, StateCancelled},
	StatePreviewed: {StateConfirmed, StateCancelled},
	StateConfirmed: {StateExecuting, StateFailed},
	StateExecuting: {StateCompleted, StatePartiallyFailed, StateFailed},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

// RowStatus is the per-row execution status.
type RowStatus string

const (
	RowPending   RowStatus = "pending"
	RowCompleted RowStatus = "completed"
	RowFailed    RowStatus = "failed"
)

// Estimate is written once, at preview.
type Estimate struct {
	CostCents int64  `json:"cost_cents"`
	Currency  string `json:"currency,omitempty"`
	Warning   string `json:"warning,omitempty"`
}

// Outcome is written once, during execution.
type Outcome struct {
	Status        RowStatus `json:"status"`
	TrackingID    string    `json:"tracking_id,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
	At            time.Time `json:"at"`
}

// Row is one shipment in a batch. Index is 1-based and follows source order.
type Row struct {
	Index    int            `json:"index"`
	Fields   model.Shipment `json:"fields"`
	Estimate *Estimate      `json:"estimate,omitempty"`
	Outcome  *Outcome       `json:"outcome,omitempty"`
}

// AffirmationSource records how the user confirmed a batch.
type AffirmationSource string

const (
	// SourceUserMessage is a typed affirmative reply in the conversation.
	SourceUserMessage AffirmationSource = "user_message"
	// SourceUserAction is an explicit confirm action from the front end.
	SourceUserAction AffirmationSource = "user_action"
)

// Affirmation is the evidence that a user approved a previewed batch.
type Affirmation struct {
	ConversationID string            `json:"conversation_id"`
	Source         AffirmationSource `json:"source"`
	Text           string            `json:"text,omitempty"`
	At             time.Time         `json:"at"`
}

func (a Affirmation) valid() bool {
	if a.ConversationID == "" {
		return false
	}
	return a.Source == SourceUserMessage || a.Source == SourceUserAction
}

// Batch is one shipment job.
type Batch struct {
	ID                 string       `json:"id"`
	Name               string       `json:"name"`
	ConversationID     string       `json:"conversation_id"`
	State              State        `json:"state"`
	Rows               []Row        `json:"rows"`
	EstimatedCostCents int64        `json:"estimated_cost_cents"`
	Currency           string       `json:"currency,omitempty"`
	Confirmation       *Affirmation `json:"confirmation,omitempty"`
	FailureReason      string       `json:"failure_reason,omitempty"`
	Succeeded          int          `json:"succeeded"`
	Failed             int          `json:"failed"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
	CompletedAt        *time.Time   `json:"completed_at,omitempty"`
}

// Clone returns a deep copy so callers never share row state with the store.
func (b *Batch) Clone() *Batch {
	if b == nil {
		return nil
	}
	out := *b
	out.Rows = make([]Row, len(b.Rows))
	for i, r := range b.Rows {
		cp := Row{Index: r.Index, Fields: make(model.Shipment, len(r.Fields))}
		for k, v := range r.Fields {
			cp.Fields[k] = v
		}
		if r.Estimate != nil {
			e := *r.Estimate
			cp.Estimate = &e
		}
		if r.Outcome != nil {
			o := *r.Outcome
			cp.Outcome = &o
		}
		out.Rows[i] = cp
	}
	if b.Confirmation != nil {
		a := *b.Confirmation
		out.Confirmation = &a
	}
	if b.CompletedAt != nil {
		t := *b.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

// PreviewRow is the per-row slice of a preview shown to the user.
type PreviewRow struct {
	Index     int            `json:"index"`
	Fields    model.Shipment `json:"fields"`
	CostCents int64          `json:"cost_cents"`
	Warning   string         `json:"warning,omitempty"`
}

// Preview is the rated summary the user confirms against.
type Preview struct {
	BatchID            string       `json:"job_id"`
	Name               string       `json:"name"`
	TotalRows          int          `json:"total_rows"`
	EstimatedCostCents int64        `json:"estimated_cost_cents"`
	Currency           string       `json:"currency,omitempty"`
	Rows               []PreviewRow `json:"preview_rows"`
	AdditionalRows     int          `json:"additional_rows"`
	Warnings           []string     `json:"warnings,omitempty"`
}

// Progress is reported once per row as it completes.
type Progress struct {
	BatchID       string    `json:"job_id"`
	Index         int       `json:"row_index"`
	Total         int       `json:"total"`
	Done          int       `json:"done"`
	Status        RowStatus `json:"status"`
	TrackingID    string    `json:"tracking_id,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
}

// RowResult is the per-row line of an execution result.
type RowResult struct {
	Index         int    `json:"row_index"`
	TrackingID    string `json:"tracking_id,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// Result summarises a finished execution.
type Result struct {
	BatchID       string      `json:"job_id"`
	State         State       `json:"state"`
	Total         int         `json:"total"`
	Succeeded     int         `json:"succeeded"`
	Failed        int         `json:"failed"`
	FailureReason string      `json:"failure_reason,omitempty"`
	Rows          []RowResult `json:"rows,omitempty"`
}

func resultOf(b *Batch) *Result {
	r := &Result{
		BatchID:       b.ID,
		State:         b.State,
		Total:         len(b.Rows),
		Succeeded:     b.Succeeded,
		Failed:        b.Failed,
		FailureReason: b.FailureReason,
	}
	for _, row := range b.Rows {
		if row.Outcome == nil {
			continue
		}
		r.Rows = append(r.Rows, RowResult{
			Index:         row.Index,
			TrackingID:    row.Outcome.TrackingID,
			FailureReason: row.Outcome.FailureReason,
		})
	}
	return r
}
