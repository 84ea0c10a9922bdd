// Package audit keeps a per-turn ledger of what the runtime decided for a
// conversation: the route taken, every policy verdict, tool outcomes and
// batch executions.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

type Kind string

const (
	KindMessage Kind = "message"
	KindConfirm Kind = "confirm"
	KindCancel  Kind = "cancel"
	KindReset   Kind = "reset"
)

type Phase string

const (
	PhaseRouting    Phase = "routing"
	PhaseToolCall   Phase = "tool_call"
	PhaseToolResult Phase = "tool_result"
	PhaseExecution  Phase = "execution"
	PhaseCancel     Phase = "cancel"
	PhaseError      Phase = "error"
)

type Status string

const (
	StatusRunning              Status = "running"
	StatusCompleted            Status = "completed"
	StatusAwaitingConfirmation Status = "awaiting_confirmation"
	StatusStale                Status = "stale"
	StatusFailed               Status = "failed"
)

// Decision is one entry of a run. Seq orders entries within the run.
type Decision struct {
	Seq       int       `json:"seq"`
	Phase     Phase     `json:"phase"`
	Tool      string    `json:"tool,omitempty"`
	CallID    string    `json:"call_id,omitempty"`
	JobID     string    `json:"job_id,omitempty"`
	Allowed   bool      `json:"allowed"`
	Rule      string    `json:"rule,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	OK        bool      `json:"ok"`
	ErrorCode string    `json:"error_code,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// Run groups the decisions of one turn. The user text is kept only as a
// hash.
type Run struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	Generation     uint64     `json:"generation"`
	Kind           Kind       `json:"kind"`
	MessageHash    string     `json:"message_hash,omitempty"`
	Route          string     `json:"route,omitempty"`
	Interactive    bool       `json:"interactive"`
	Status         Status     `json:"status"`
	JobID          string     `json:"job_id,omitempty"`
	Error          string     `json:"error,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Decisions      []Decision `json:"decisions"`
}

// HashMessage returns the hex sha256 of text, or "" for empty text.
func HashMessage(text string) string {
	if text == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Recorder collects one run. A nil Recorder ignores every call.
type Recorder struct {
	mu  sync.Mutex
	run Run
	now func() time.Time
}

// Start opens a run from the identifying fields of head.
func Start(head Run, now func() time.Time) *Recorder {
	if now == nil {
		now = time.Now
	}
	head.ID = ulid.Make().String()
	head.Status = StatusRunning
	head.StartedAt = now()
	head.CompletedAt = nil
	head.Decisions = nil
	return &Recorder{run: head, now: now}
}

func (r *Recorder) Record(d Decision) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.run.CompletedAt != nil {
		return
	}
	d.Seq = len(r.run.Decisions) + 1
	if d.At.IsZero() {
		d.At = r.now()
	}
	r.run.Decisions = append(r.run.Decisions, d)
}

// Update applies fn to the run under the recorder's lock.
func (r *Recorder) Update(fn func(*Run)) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.run)
}

// Finish closes the run. A non-nil err marks it failed whatever status
// says. Later calls are ignored.
func (r *Recorder) Finish(status Status, err error) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.run.CompletedAt != nil {
		return
	}
	if err != nil {
		status = StatusFailed
		r.run.Error = err.Error()
	}
	r.run.Status = status
	at := r.now()
	r.run.CompletedAt = &at
}

// Snapshot returns a copy of the run that later records do not touch.
func (r *Recorder) Snapshot() Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.run
	out.Decisions = append([]Decision(nil), r.run.Decisions...)
	return out
}

type recorderKey struct{}

func WithRecorder(ctx context.Context, r *Recorder) context.Context {
	return context.WithValue(ctx, recorderKey{}, r)
}

// FromContext returns the recorder carried by ctx, or nil.
func FromContext(ctx context.Context) *Recorder {
	r, _ := ctx.Value(recorderKey{}).(*Recorder)
	return r
}

// Record appends d to the run carried by ctx, if any.
func Record(ctx context.Context, d Decision) {
	FromContext(ctx).Record(d)
}
