// Package turn runs one conversational turn as an explicit state machine:
// call the model, run the requested tools through the policy guard, and
// repeat until the model answers, a preview suspends the turn for the
// user's confirmation, or the tool budget is spent.
package turn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	einocb "github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components"
	chatmodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	"github.com/shipflow-core/server/internal/agent/capability"
	"github.com/shipflow-core/server/internal/agent/model"
	"github.com/shipflow-core/server/internal/agent/policy"
	"github.com/shipflow-core/server/internal/agent/prompts"
	"github.com/shipflow-core/server/internal/agent/session"
	"github.com/shipflow-core/server/internal/agent/stream"
	logx "github.com/shipflow-core/server/pkg/logger"
)

const DefaultMaxToolCalls = 12

var ErrStopped = errors.New("agent stopped")

type step int

const (
	stepModel step = iota
	stepTools
	stepWrapUp
	stepAwaitingConfirmation
	stepDone
)

func (s step) String() string {
	switch s {
	case stepModel:
		return "model"
	case stepTools:
		return "tools"
	case stepWrapUp:
		return "wrap_up"
	case stepAwaitingConfirmation:
		return "awaiting_confirmation"
	default:
		return "done"
	}
}

type Config struct {
	ModelName    string
	MaxToolCalls int
}

// Factory starts agents that share one chat model and one guard.
type Factory struct {
	chat     chatmodel.BaseChatModel
	guard    *policy.Guard
	surface  *capability.Surface
	cfg      Config
	handlers []einocb.Handler
}

type FactoryOption func(*Factory)

// WithCallbacks attaches eino callback handlers to every turn.
func WithCallbacks(h ...einocb.Handler) FactoryOption {
	return func(f *Factory) { f.handlers = append(f.handlers, h...) }
}

func NewFactory(chat chatmodel.BaseChatModel, guard *policy.Guard, surface *capability.Surface, cfg Config, opts ...FactoryOption) *Factory {
	if cfg.MaxToolCalls <= 0 {
		cfg.MaxToolCalls = DefaultMaxToolCalls
	}
	f := &Factory{chat: chat, guard: guard, surface: surface, cfg: cfg}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Start binds a new agent to ins. Only the tools ins exposes are offered to
// the model.
func (f *Factory) Start(ctx context.Context, conversationID string, ins *prompts.Instructions) (session.Agent, error) {
	exposed := make(map[string]struct{}, len(ins.Tools))
	for _, name := range ins.Tools {
		exposed[name] = struct{}{}
	}
	infos, err := f.surface.Infos(ctx, func(d capability.Descriptor) bool {
		_, ok := exposed[d.Name]
		return ok
	})
	if err != nil {
		return nil, fmt.Errorf("tool infos: %w", err)
	}
	logx.Debug().Str("conversation_id", conversationID).Int("tools", len(infos)).Msg("Agent started")
	return &Agent{
		conversationID: conversationID,
		system:         ins.SystemPrompt,
		infos:          infos,
		chat:           f.chat,
		guard:          f.guard,
		cfg:            f.cfg,
		handlers:       f.handlers,
	}, nil
}

// Agent is a live agent bound to one rendered instruction context.
type Agent struct {
	conversationID string
	system         string
	infos          []*schema.ToolInfo
	chat           chatmodel.BaseChatModel
	guard          *policy.Guard
	cfg            Config
	handlers       []einocb.Handler

	mu       sync.Mutex
	stopped  bool
	inflight sync.WaitGroup
}

var _ session.Agent = (*Agent)(nil)

// Stop refuses new turns and waits for the running one to finish.
func (a *Agent) Stop(ctx context.Context) error {
	a.mu.Lock()
	a.stopped = true
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Agent) enter() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return false
	}
	a.inflight.Add(1)
	return true
}

// run is the mutable state of one turn.
type run struct {
	in    session.TurnInput
	em    *stream.Emitter
	scope *capability.Scope
	msgs  []*schema.Message
	out   *session.TurnOutcome
	last  *schema.Message
	idSeq int
}

// RunTurn processes one user message.
func (a *Agent) RunTurn(ctx context.Context, in session.TurnInput, em *stream.Emitter) (*session.TurnOutcome, error) {
	if !a.enter() {
		return nil, ErrStopped
	}
	defer a.inflight.Done()

	r := &run{
		in:    in,
		em:    em,
		scope: &capability.Scope{ConversationID: a.conversationID, Notifier: em},
		out:   &session.TurnOutcome{Usage: model.UsageCost{Model: a.cfg.ModelName}},
	}
	if in.Session != nil {
		r.scope.Contacts = in.Session
	}
	ctx = capability.WithScope(ctx, r.scope)
	if len(a.handlers) > 0 {
		ctx = einocb.InitCallbacks(ctx, &einocb.RunInfo{Name: a.cfg.ModelName, Type: "Agent", Component: components.ComponentOfChatModel}, a.handlers...)
	}

	user := schema.UserMessage(in.Text)
	r.msgs = make([]*schema.Message, 0, len(in.History)+4)
	r.msgs = append(r.msgs, schema.SystemMessage(a.system))
	r.msgs = append(r.msgs, in.History...)
	r.msgs = append(r.msgs, user)
	r.out.Messages = append(r.out.Messages, user)

	st := stepModel
	for st != stepDone {
		if a.stale(r) {
			r.out.Stale = true
			logx.Info().Str("conversation_id", a.conversationID).Str("step", st.String()).
				Msg("Generation moved on; stopping turn")
			break
		}
		var err error
		switch st {
		case stepModel, stepWrapUp, stepAwaitingConfirmation:
			st, err = a.callModel(ctx, r, st)
		case stepTools:
			st = a.runTools(ctx, r)
		}
		if err != nil {
			return r.out, err
		}
	}

	r.out.PendingBatchID = r.scope.PendingBatch()
	r.out.AwaitingConfirmation = r.out.PendingBatchID != ""
	if r.out.Reply != "" && !r.out.Stale {
		a.emit(ctx, r, stream.TypeMessage, stream.Message{Text: r.out.Reply})
	}
	logx.Debug().
		Str("conversation_id", a.conversationID).
		Str("model", a.cfg.ModelName).
		Int("prompt_tokens", r.out.Usage.PromptTokens).
		Int("completion_tokens", r.out.Usage.CompletionTokens).
		Int("total_tokens", r.out.Usage.TotalTokens).
		Float64("total_cost_usd", r.out.Usage.CostUSD).
		Int("tool_calls", r.out.ToolCalls).
		Msg("LLM usage")
	return r.out, nil
}

func (a *Agent) stale(r *run) bool {
	return r.in.Session != nil && r.in.Session.Generation() != r.em.Generation()
}

// callModel makes one model call. Tools are only offered from stepModel;
// the wrap-up and post-preview calls must answer in text.
func (a *Agent) callModel(ctx context.Context, r *run, st step) (step, error) {
	var opts []chatmodel.Option
	if st == stepModel && len(a.infos) > 0 {
		opts = append(opts, chatmodel.WithTools(a.infos))
	}
	out, err := a.chat.Generate(ctx, r.msgs, opts...)
	if err != nil {
		return stepDone, fmt.Errorf("model call: %w", err)
	}
	if out == nil {
		return stepDone, fmt.Errorf("model call: empty response")
	}
	if out.ResponseMeta != nil {
		r.out.Usage.Add(out.ResponseMeta.Usage)
	}

	// Some providers omit tool call ids.
	for i := range out.ToolCalls {
		if strings.TrimSpace(out.ToolCalls[i].ID) == "" {
			r.idSeq++
			out.ToolCalls[i].ID = fmt.Sprintf("call_%d", r.idSeq)
		}
	}

	if st != stepModel || len(out.ToolCalls) == 0 {
		final := schema.AssistantMessage(out.Content, nil)
		r.msgs = append(r.msgs, final)
		r.out.Messages = append(r.out.Messages, final)
		r.out.Reply = strings.TrimSpace(out.Content)
		return stepDone, nil
	}

	r.msgs = append(r.msgs, out)
	r.out.Messages = append(r.out.Messages, out)
	if text := strings.TrimSpace(out.Content); text != "" {
		a.emit(ctx, r, stream.TypeReasoning, stream.Message{Text: text})
	}
	r.last = out
	return stepTools, nil
}

// runTools dispatches the calls of the last assistant message in order.
// Calls past the budget are answered with a skip notice so every call in the
// transcript has a result.
func (a *Agent) runTools(ctx context.Context, r *run) step {
	for _, call := range r.last.ToolCalls {
		if r.out.ToolCalls >= a.cfg.MaxToolCalls || r.scope.PendingBatch() != "" {
			a.appendToolMessage(r, call, capability.Result{OK: false, Error: &capability.Failure{
				Code:    "skipped",
				Message: "Not run: the turn already stopped calling tools.",
			}}.JSON())
			continue
		}
		r.out.ToolCalls++

		var input json.RawMessage
		if json.Valid([]byte(call.Function.Arguments)) {
			input = json.RawMessage(call.Function.Arguments)
		}
		a.emit(ctx, r, stream.TypeToolCall, stream.ToolCall{CallID: call.ID, Tool: call.Function.Name, Input: input})

		// Modes are read per call so a toggle between calls of one batch applies.
		modes := model.ModeFlags{}
		if r.in.Session != nil {
			modes = r.in.Session.Modes()
		}
		inv := a.invoke(ctx, modes, call)
		a.emit(ctx, r, stream.TypeToolResult, stream.ToolResult{
			CallID: call.ID,
			Tool:   call.Function.Name,
			Denied: inv.Denied(),
			Reason: inv.Verdict.Reason,
			OK:     inv.Result.OK,
			Result: inv.Result,
		})
		a.appendToolMessage(r, call, inv.Result.JSON())
	}

	switch {
	case r.scope.PendingBatch() != "":
		return stepAwaitingConfirmation
	case r.out.ToolCalls >= a.cfg.MaxToolCalls:
		logx.Warn().
			Int("tool_call_count", r.out.ToolCalls).
			Int("max_tool_calls", a.cfg.MaxToolCalls).
			Str("conversation_id", a.conversationID).
			Msg("Tool call limit reached - wrapping up")
		r.msgs = append(r.msgs, schema.SystemMessage(fmt.Sprintf(
			"SYSTEM NOTICE: You have reached the maximum tool call limit (%d). "+
				"Answer with what you have gathered so far and say what is still missing.",
			a.cfg.MaxToolCalls,
		)))
		return stepWrapUp
	default:
		return stepModel
	}
}

// invoke runs one call through the guard with tool callbacks around it.
func (a *Agent) invoke(ctx context.Context, modes model.ModeFlags, call schema.ToolCall) policy.Invocation {
	if len(a.handlers) > 0 {
		ctx = einocb.ReuseHandlers(ctx, &einocb.RunInfo{Name: call.Function.Name, Type: "Guarded", Component: components.ComponentOfTool})
		ctx = einocb.OnStart(ctx, &tool.CallbackInput{ArgumentsInJSON: call.Function.Arguments})
	}
	inv := a.guard.Invoke(ctx, modes, call)
	if len(a.handlers) > 0 {
		if inv.Result.OK {
			einocb.OnEnd(ctx, &tool.CallbackOutput{Response: inv.Result.JSON()})
		} else {
			einocb.OnError(ctx, errors.New(inv.Result.Error.Message))
		}
	}
	return inv
}

func (a *Agent) appendToolMessage(r *run, call schema.ToolCall, content string) {
	msg := schema.ToolMessage(content, call.ID)
	msg.ToolName = call.Function.Name
	r.msgs = append(r.msgs, msg)
	r.out.Messages = append(r.out.Messages, msg)
}

func (a *Agent) emit(ctx context.Context, r *run, t stream.Type, payload any) {
	if err := r.em.Emit(ctx, t, payload); err != nil {
		logx.Warn().Err(err).Str("conversation_id", a.conversationID).Str("event", string(t)).Msg("Failed to emit event")
	}
}
