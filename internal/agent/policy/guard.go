package policy

import (
	"context"
	"encoding/json"

	"github.com/cloudwego/eino/schema"

	"github.com/shipflow-core/server/internal/agent/audit"
	"github.com/shipflow-core/server/internal/agent/capability"
	"github.com/shipflow-core/server/internal/agent/model"
	logx "github.com/shipflow-core/server/pkg/logger"
)

// DecisionObserver is told about every authorization.
type DecisionObserver interface {
	PolicyDecided(tool string, v Verdict)
}

// Invocation records one tool call: what was asked, under which modes,
// what the policy said and what came back.
type Invocation struct {
	CallID  string            `json:"call_id"`
	Tool    string            `json:"tool"`
	Input   json.RawMessage   `json:"input,omitempty"`
	Modes   model.ModeFlags   `json:"modes"`
	Verdict Verdict           `json:"verdict"`
	Result  capability.Result `json:"result"`
}

// Denied reports whether the call never reached the operation.
func (i Invocation) Denied() bool { return !i.Verdict.Allowed }

// Guard sits between the agent and the capability surface. Nothing is
// dispatched without an Allow verdict.
type Guard struct {
	auth     *Authorizer
	surface  *capability.Surface
	observer DecisionObserver
}

type GuardOption func(*Guard)

func WithDecisionObserver(o DecisionObserver) GuardOption {
	return func(g *Guard) { g.observer = o }
}

// NewGuard builds the authorizer for every operation on surface.
func NewGuard(surface *capability.Surface, opts ...GuardOption) (*Guard, error) {
	auth, err := NewAuthorizer(surface.Names())
	if err != nil {
		return nil, err
	}
	g := &Guard{auth: auth, surface: surface}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Authorizer exposes the underlying decision function.
func (g *Guard) Authorizer() *Authorizer { return g.auth }

// Invoke authorizes call under modes and dispatches it when allowed. A
// denial becomes a structured failure result carrying the reason.
func (g *Guard) Invoke(ctx context.Context, modes model.ModeFlags, call schema.ToolCall) Invocation {
	name := call.Function.Name
	input := json.RawMessage(call.Function.Arguments)
	inv := Invocation{CallID: call.ID, Tool: name, Modes: modes}
	if json.Valid(input) {
		inv.Input = input
	}

	inv.Verdict = g.auth.Authorize(modes, name, input)
	if g.observer != nil {
		g.observer.PolicyDecided(name, inv.Verdict)
	}
	audit.Record(ctx, audit.Decision{
		Phase:   audit.PhaseToolCall,
		Tool:    name,
		CallID:  call.ID,
		Allowed: inv.Verdict.Allowed,
		Rule:    inv.Verdict.Rule,
		Reason:  inv.Verdict.Reason,
	})
	if !inv.Verdict.Allowed {
		logx.Info().Str("tool", name).Str("rule", inv.Verdict.Rule).Msg("Policy denied tool call")
		inv.Result = capability.Result{
			OK: false,
			Error: &capability.Failure{
				Code:    "policy_denied",
				Message: inv.Verdict.Reason,
			},
		}
		return inv
	}

	inv.Result = g.surface.Dispatch(ctx, name, call.Function.Arguments)
	d := audit.Decision{Phase: audit.PhaseToolResult, Tool: name, CallID: call.ID, Allowed: true, OK: inv.Result.OK}
	if inv.Result.Error != nil {
		d.ErrorCode = inv.Result.Error.Code
	}
	audit.Record(ctx, d)
	return inv
}
