package turn_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	chatmodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shipflow-core/server/internal/agent/batch"
	"github.com/shipflow-core/server/internal/agent/capability"
	"github.com/shipflow-core/server/internal/agent/model"
	"github.com/shipflow-core/server/internal/agent/policy"
	"github.com/shipflow-core/server/internal/agent/prompts"
	"github.com/shipflow-core/server/internal/agent/session"
	"github.com/shipflow-core/server/internal/agent/stream"
	"github.com/shipflow-core/server/internal/agent/turn"
	"github.com/shipflow-core/server/internal/collab"
)

// reply is one scripted model response. It may inspect the request.
type reply func(msgs []*schema.Message, tools []*schema.ToolInfo) *schema.Message

type scriptedModel struct {
	mu      sync.Mutex
	replies []reply
	calls   int
	tools   [][]*schema.ToolInfo
	seen    [][]*schema.Message
}

func (m *scriptedModel) Generate(_ context.Context, msgs []*schema.Message, opts ...chatmodel.Option) (*schema.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := chatmodel.GetCommonOptions(nil, opts...)
	m.tools = append(m.tools, o.Tools)
	m.seen = append(m.seen, append([]*schema.Message(nil), msgs...))
	if m.calls >= len(m.replies) {
		return nil, errors.New("script exhausted")
	}
	r := m.replies[m.calls]
	m.calls++
	return r(msgs, o.Tools), nil
}

func (m *scriptedModel) Stream(context.Context, []*schema.Message, ...chatmodel.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("not supported")
}

func text(s string) reply {
	return func([]*schema.Message, []*schema.ToolInfo) *schema.Message {
		return schema.AssistantMessage(s, nil)
	}
}

func calls(content string, tcs ...schema.ToolCall) reply {
	return func([]*schema.Message, []*schema.ToolInfo) *schema.Message {
		msg := schema.AssistantMessage(content, append([]schema.ToolCall(nil), tcs...))
		msg.ResponseMeta = &schema.ResponseMeta{Usage: &schema.TokenUsage{PromptTokens: 1000, CompletionTokens: 100, TotalTokens: 1100}}
		return msg
	}
}

func tc(id, name, args string) schema.ToolCall {
	return schema.ToolCall{ID: id, Function: schema.FunctionCall{Name: name, Arguments: args}}
}

type sink struct {
	mu     sync.Mutex
	events []stream.Event
}

func (s *sink) Publish(_ context.Context, _ string, ev stream.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *sink) types() []stream.Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]stream.Type, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}

func (s *sink) first(t stream.Type) (stream.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.Type == t {
			return e, true
		}
	}
	return stream.Event{}, false
}

type fixture struct {
	chat     *scriptedModel
	carrier  *collab.SandboxCarrier
	engine   *batch.Engine
	factory  *turn.Factory
	builder  *prompts.Builder
	sessions *session.Manager
	sink     *sink
}

func newFixture(t *testing.T, maxCalls int, replies ...reply) *fixture {
	t.Helper()
	return newGuardedFixture(t, maxCalls, nil, replies...)
}

func newGuardedFixture(t *testing.T, maxCalls int, guardOpts []policy.GuardOption, replies ...reply) *fixture {
	t.Helper()
	src := collab.NewMemorySource()
	src.Load("orders.csv", "csv", nil, []model.Row{
		{"ship_to_name": "Ann Smith", "ship_to_state": "CA", "ship_to_postal_code": "94105", "weight_lbs": 2.0},
		{"ship_to_name": "Bob Ray", "ship_to_state": "CA", "ship_to_postal_code": "90001", "weight_lbs": 4.0},
		{"ship_to_name": "Cid Moe", "ship_to_state": "TX", "ship_to_postal_code": "73301", "weight_lbs": 1.0},
	})
	creds := collab.NewStaticCredentials(model.CarrierConfig{Provider: "ups", Environment: "sandbox", APIKey: "k"})
	f := &fixture{chat: &scriptedModel{replies: replies}, carrier: collab.NewSandboxCarrier(), sink: &sink{}}
	f.engine = batch.NewEngine(batch.NewMemoryStore(), f.carrier, creds, batch.Config{Provider: "ups", Environment: "sandbox"})
	surface, err := capability.New(capability.Deps{
		Source: src, Credentials: creds, Batches: f.engine, Provider: "ups", Environment: "sandbox",
	})
	require.NoError(t, err)
	guard, err := policy.NewGuard(surface, guardOpts...)
	require.NoError(t, err)
	f.builder, err = prompts.NewBuilder(surface)
	require.NoError(t, err)
	f.factory = turn.NewFactory(f.chat, guard, surface, turn.Config{ModelName: "gemini-2.5-flash", MaxToolCalls: maxCalls},
		turn.WithCallbacks(turn.NewCallbacks()))
	f.sessions = session.NewManager(f.builder, f.factory, session.Config{})
	return f
}

// run starts an agent for modes and runs one turn.
func (f *fixture) run(t *testing.T, modes model.ModeFlags, msg string) (*session.TurnOutcome, error) {
	t.Helper()
	ctx := context.Background()
	f.sessions.SetModes("c1", modes)
	s, ok := f.sessions.Get("c1")
	require.True(t, ok)

	ins, err := f.builder.Build(ctx, prompts.Input{Modes: modes})
	require.NoError(t, err)
	agent, err := f.factory.Start(ctx, "c1", ins)
	require.NoError(t, err)
	em := stream.NewEmitter(f.sink, "c1", s.Generation())
	return agent.RunTurn(ctx, session.TurnInput{Session: s, Text: msg}, em)
}

func toolNames(infos []*schema.ToolInfo) []string {
	out := make([]string, len(infos))
	for i, info := range infos {
		out[i] = info.Name
	}
	return out
}

func TestSingleShipmentDeniedWhenInteractiveOff(t *testing.T) {
	f := newFixture(t, 0,
		calls("", tc("c1", capability.ToolCreateShipment, `{"request_body":{"ship_to_name":"Smith","ship_to_postal_code":"94105"}}`)),
		func(msgs []*schema.Message, _ []*schema.ToolInfo) *schema.Message {
			last := msgs[len(msgs)-1]
			if last.Role == schema.Tool && strings.Contains(last.Content, "policy_denied") {
				return schema.AssistantMessage("Interactive shipping is off, so I can only ship batches from your data source.", nil)
			}
			return schema.AssistantMessage("unexpected", nil)
		},
	)

	out, err := f.run(t, model.ModeFlags{}, "ship the Smith order now")
	require.NoError(t, err)

	assert.Equal(t, []stream.Type{stream.TypeToolCall, stream.TypeToolResult, stream.TypeMessage}, f.sink.types())
	ev, _ := f.sink.first(stream.TypeToolResult)
	var res stream.ToolResult
	require.NoError(t, json.Unmarshal(ev.Payload, &res))
	assert.True(t, res.Denied)
	assert.Contains(t, res.Reason, "batch")

	assert.Contains(t, out.Reply, "batch")
	assert.False(t, out.AwaitingConfirmation)
	assert.Zero(t, f.carrier.Rated())
	assert.Zero(t, f.carrier.Executed())
	assert.NotContains(t, toolNames(f.chat.tools[0]), capability.ToolCreateShipment)
}

func TestPreviewSuspendsTurnForConfirmation(t *testing.T) {
	f := newFixture(t, 0,
		calls("Creating the job.", tc("c1", capability.ToolShipCommand, `{"command":"ship CA orders ground","filter":"ship_to_state == \"CA\"","service_code":"ground"}`)),
		text("Preview ready: 2 rows. Please confirm or cancel."),
	)

	out, err := f.run(t, model.ModeFlags{}, "ship all CA orders via ground")
	require.NoError(t, err)

	require.True(t, out.AwaitingConfirmation)
	require.NotEmpty(t, out.PendingBatchID)
	assert.Equal(t, []stream.Type{
		stream.TypeReasoning, stream.TypeToolCall, stream.TypePreviewReady,
		stream.TypeConfirmationRequest, stream.TypeToolResult, stream.TypeMessage,
	}, f.sink.types())

	require.Len(t, f.chat.tools, 2)
	assert.NotEmpty(t, f.chat.tools[0])
	assert.Empty(t, f.chat.tools[1], "no tools after a preview")

	b, err := f.engine.Get(context.Background(), out.PendingBatchID)
	require.NoError(t, err)
	assert.Equal(t, batch.StatePreviewed, b.State)
	assert.Len(t, b.Rows, 2)
	assert.Zero(t, f.carrier.Executed())
	assert.Greater(t, out.Usage.CostUSD, 0.0)
}

func TestCallsAfterPreviewInSameMessageAreSkipped(t *testing.T) {
	f := newFixture(t, 0,
		calls("",
			tc("c1", capability.ToolShipCommand, `{"command":"ship TX","filter":"ship_to_state == \"TX\""}`),
			tc("c2", capability.ToolGetJobStatus, `{"job_id":"whatever"}`),
		),
		text("Preview ready."),
	)

	out, err := f.run(t, model.ModeFlags{}, "ship TX")
	require.NoError(t, err)
	assert.Equal(t, 1, out.ToolCalls)

	var toolMsgs []*schema.Message
	for _, m := range out.Messages {
		if m.Role == schema.Tool {
			toolMsgs = append(toolMsgs, m)
		}
	}
	require.Len(t, toolMsgs, 2)
	assert.Equal(t, "c2", toolMsgs[1].ToolCallID)
	assert.Contains(t, toolMsgs[1].Content, "skipped")
}

func TestToolBudgetForcesWrapUp(t *testing.T) {
	loop := calls("", tc("", capability.ToolGetSourceInfo, `{}`))
	f := newFixture(t, 2, loop, loop, text("Here is what I found."))

	out, err := f.run(t, model.ModeFlags{}, "tell me about my data")
	require.NoError(t, err)

	assert.Equal(t, 2, out.ToolCalls)
	assert.Equal(t, "Here is what I found.", out.Reply)
	require.Len(t, f.chat.seen, 3)
	last := f.chat.seen[2]
	assert.Equal(t, schema.System, last[len(last)-1].Role)
	assert.Contains(t, last[len(last)-1].Content, "maximum tool call limit (2)")
	assert.Empty(t, f.chat.tools[2])

	ids := map[string]bool{}
	for _, m := range out.Messages {
		for _, c := range m.ToolCalls {
			assert.NotEmpty(t, c.ID)
			ids[c.ID] = true
		}
	}
	assert.Len(t, ids, 2, "generated call ids are unique")
}

func TestStaleGenerationStopsTurn(t *testing.T) {
	var f *fixture
	f = newFixture(t, 0,
		func([]*schema.Message, []*schema.ToolInfo) *schema.Message {
			f.sessions.SetModes("c1", model.ModeFlags{InteractiveShipping: true})
			return schema.AssistantMessage("", []schema.ToolCall{tc("c1", capability.ToolGetSourceInfo, `{}`)})
		},
		text("should never be asked"),
	)

	out, err := f.run(t, model.ModeFlags{}, "hello")
	require.NoError(t, err)
	assert.True(t, out.Stale)
	assert.Equal(t, 1, f.chat.calls)
	assert.Empty(t, out.Reply)
	_, sent := f.sink.first(stream.TypeMessage)
	assert.False(t, sent)
}

// onDecision runs fn when the policy decides a call to tool.
type onDecision struct {
	tool string
	fn   func()
}

func (o onDecision) PolicyDecided(tool string, _ policy.Verdict) {
	if tool == o.tool {
		o.fn()
	}
}

func TestModeToggleBetweenCallsAppliesToLaterCalls(t *testing.T) {
	var f *fixture
	toggle := onDecision{tool: capability.ToolGetSourceInfo, fn: func() {
		f.sessions.SetModes("c1", model.ModeFlags{})
	}}
	f = newGuardedFixture(t, 0, []policy.GuardOption{policy.WithDecisionObserver(toggle)},
		calls("",
			tc("c1", capability.ToolGetSourceInfo, `{}`),
			tc("c2", capability.ToolCreateShipment, `{"request_body":{"ship_to_name":"Ann","ship_to_postal_code":"94105","service_code":"03"}}`),
		),
		text("should never be asked"),
	)

	out, err := f.run(t, model.ModeFlags{InteractiveShipping: true}, "ship a 2 lb box to Ann at 94105")
	require.NoError(t, err)
	assert.True(t, out.Stale)
	assert.False(t, out.AwaitingConfirmation)
	assert.Zero(t, f.carrier.Rated(), "create_shipment ran under the new modes")

	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	var results []stream.ToolResult
	for _, ev := range f.sink.events {
		if ev.Type != stream.TypeToolResult {
			continue
		}
		var r stream.ToolResult
		require.NoError(t, json.Unmarshal(ev.Payload, &r))
		results = append(results, r)
	}
	require.Len(t, results, 2)
	assert.False(t, results[0].Denied)
	assert.Equal(t, "c2", results[1].CallID)
	assert.True(t, results[1].Denied)
}

func TestInteractiveShipmentPreviewsUnderConfirmationGate(t *testing.T) {
	f := newFixture(t, 0,
		calls("", tc("c1", capability.ToolCreateShipment, `{"request_body":{"ship_to_name":"Ann","ship_to_postal_code":"94105","service_code":"03"}}`)),
		text("Preview ready."),
	)

	out, err := f.run(t, model.ModeFlags{InteractiveShipping: true}, "ship a 2 lb box to Ann at 94105")
	require.NoError(t, err)
	assert.True(t, out.AwaitingConfirmation)
	assert.Contains(t, toolNames(f.chat.tools[0]), capability.ToolCreateShipment)
	assert.Equal(t, 1, f.carrier.Rated())
	assert.Zero(t, f.carrier.Executed())
}

func TestModelErrorIsReturned(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.run(t, model.ModeFlags{}, "hi")
	assert.ErrorContains(t, err, "script exhausted")
}

func TestStoppedAgentRefusesTurns(t *testing.T) {
	f := newFixture(t, 0, text("hi"))
	ctx := context.Background()
	agent, err := f.factory.Start(ctx, "c1", &prompts.Instructions{SystemPrompt: "x"})
	require.NoError(t, err)
	require.NoError(t, agent.Stop(ctx))

	_, err = agent.RunTurn(ctx, session.TurnInput{Text: "hi"}, stream.NewEmitter(f.sink, "c1", 0))
	assert.ErrorIs(t, err, turn.ErrStopped)
}

func TestHistoryPrecedesUserMessage(t *testing.T) {
	f := newFixture(t, 0, text("ok"))
	ctx := context.Background()
	agent, err := f.factory.Start(ctx, "c1", &prompts.Instructions{SystemPrompt: "sys"})
	require.NoError(t, err)

	history := []*schema.Message{schema.UserMessage("earlier"), schema.AssistantMessage("answer", nil)}
	_, err = agent.RunTurn(ctx, session.TurnInput{Text: "now", History: history}, stream.NewEmitter(f.sink, "c1", 0))
	require.NoError(t, err)

	seen := f.chat.seen[0]
	require.Len(t, seen, 4)
	assert.Equal(t, "sys", seen[0].Content)
	assert.Equal(t, "earlier", seen[1].Content)
	assert.Equal(t, "now", seen[3].Content)
	assert.Equal(t, schema.User, seen[3].Role)
}
