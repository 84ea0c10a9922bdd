package policy_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shipflow-core/server/internal/agent/audit"
	"github.com/shipflow-core/server/internal/agent/batch"
	"github.com/shipflow-core/server/internal/agent/capability"
	"github.com/shipflow-core/server/internal/agent/model"
	"github.com/shipflow-core/server/internal/agent/policy"
)

var (
	batchOnly   = model.ModeFlags{InteractiveShipping: false}
	interactive = model.ModeFlags{InteractiveShipping: true}
)

func allTools() []string {
	return []string{
		capability.ToolGetSourceInfo, capability.ToolGetSchema, capability.ToolValidateFilter,
		capability.ToolFetchRows, capability.ToolResolveContacts, capability.ToolTouchContact,
		capability.ToolCreateJob, capability.ToolBatchPreview, capability.ToolShipCommand,
		capability.ToolCreateShipment, capability.ToolBatchExecute, capability.ToolGetJobStatus,
		capability.ToolCancelJob, capability.ToolVoidShipment, capability.ToolGetPlatformStatus,
	}
}

func newAuthorizer(t *testing.T) *policy.Authorizer {
	t.Helper()
	a, err := policy.NewAuthorizer(allTools())
	require.NoError(t, err)
	return a
}

func TestAuthorize(t *testing.T) {
	a := newAuthorizer(t)
	shipment := `{"request_body":{"name":"Ann","postal_code":"94105"}}`

	tests := []struct {
		name  string
		modes model.ModeFlags
		tool  string
		input string
		rule  string
	}{
		{name: "read allowed", modes: batchOnly, tool: capability.ToolGetSchema, input: `{}`},
		{name: "empty input treated as object", modes: batchOnly, tool: capability.ToolGetSourceInfo, input: ``},
		{name: "fetch with limit", modes: batchOnly, tool: capability.ToolFetchRows, input: `{"filter":"state == 'CA'","limit":10}`},
		{name: "unknown tool", modes: interactive, tool: "drop_table", input: `{}`, rule: policy.RuleUnknownTool},
		{name: "carrier direct pickup", modes: interactive, tool: "schedule_pickup", input: `{}`, rule: policy.RuleCarrierDirect},
		{name: "carrier direct tracking", modes: batchOnly, tool: "track_package", input: `{"tracking_id":"1Z"}`, rule: policy.RuleCarrierDirect},
		{name: "interactive shipment when off", modes: batchOnly, tool: capability.ToolCreateShipment, input: shipment, rule: policy.RuleInteractiveDisabled},
		{name: "interactive shipment malformed when off", modes: batchOnly, tool: capability.ToolCreateShipment, input: `not json`, rule: policy.RuleInteractiveDisabled},
		{name: "interactive shipment when on", modes: interactive, tool: capability.ToolCreateShipment, input: shipment},
		{name: "empty shipment body", modes: interactive, tool: capability.ToolCreateShipment, input: `{"request_body":{}}`, rule: policy.RuleShape},
		{name: "malformed json", modes: batchOnly, tool: capability.ToolFetchRows, input: `{"filter":`, rule: policy.RuleMalformedInput},
		{name: "raw sql top level", modes: batchOnly, tool: capability.ToolFetchRows, input: `{"filter":"x","sql":"select *"}`, rule: policy.RuleRawSQL},
		{name: "raw sql nested", modes: batchOnly, tool: capability.ToolCreateJob, input: `{"filter":"x","mapping":{"where_clause":"1=1"}}`, rule: policy.RuleRawSQL},
		{name: "raw sql inside array", modes: interactive, tool: capability.ToolCreateShipment, input: `{"request_body":{"items":[{"raw_sql":"x"}]}}`, rule: policy.RuleRawSQL},
		{name: "missing required", modes: batchOnly, tool: capability.ToolBatchExecute, input: `{"job_id":"b1"}`, rule: policy.RuleShape},
		{name: "wrong type", modes: batchOnly, tool: capability.ToolBatchExecute, input: `{"job_id":"b1","approved":"yes"}`, rule: policy.RuleShape},
		{name: "negative limit", modes: batchOnly, tool: capability.ToolFetchRows, input: `{"filter":"x","limit":-1}`, rule: policy.RuleShape},
		{name: "non object input", modes: batchOnly, tool: capability.ToolGetSchema, input: `[1,2]`, rule: policy.RuleShape},
		{name: "execute well formed", modes: batchOnly, tool: capability.ToolBatchExecute, input: `{"job_id":"b1","approved":true}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := a.Authorize(tt.modes, tt.tool, json.RawMessage(tt.input))
			if tt.rule == "" {
				assert.True(t, v.Allowed, "reason: %s", v.Reason)
				return
			}
			assert.False(t, v.Allowed)
			assert.Equal(t, tt.rule, v.Rule)
			assert.NotEmpty(t, v.Reason)
		})
	}
}

func TestInteractiveDenialExplainsBatchRoute(t *testing.T) {
	a := newAuthorizer(t)
	v := a.Authorize(batchOnly, capability.ToolCreateShipment, json.RawMessage(`{"request_body":{"a":"b"}}`))
	require.False(t, v.Allowed)
	assert.Contains(t, v.Reason, "batch")
	assert.Contains(t, v.Reason, "interactive shipping")
}

func TestAuthorizeIsDeterministic(t *testing.T) {
	a := newAuthorizer(t)
	in := json.RawMessage(`{"filter":"state == 'CA'","mapping":{"a":"b"}}`)
	first := a.Authorize(batchOnly, capability.ToolCreateJob, in)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, a.Authorize(batchOnly, capability.ToolCreateJob, in))
	}
}

type fakeSource struct{}

func (fakeSource) Snapshot(context.Context) (*model.DataSourceSnapshot, error) {
	return &model.DataSourceSnapshot{Identity: "orders.csv", Kind: "csv"}, nil
}

func (fakeSource) ValidateFilter(context.Context, string) error { return nil }

func (fakeSource) FetchRows(context.Context, string, int) (*model.RowSet, error) {
	return &model.RowSet{}, nil
}

type noCarrier struct{}

func (noCarrier) Rate(context.Context, []model.Shipment) ([]model.RateResult, error) {
	return nil, nil
}

func (noCarrier) Execute(context.Context, []model.Shipment) ([]model.ExecResult, error) {
	return nil, nil
}

func (noCarrier) Void(context.Context, string) error { return nil }

type countingDispatch struct{ calls map[string]int }

func (c *countingDispatch) ToolDispatched(tool string, _ bool, _ int) { c.calls[tool]++ }

type decisions struct{ verdicts []policy.Verdict }

func (d *decisions) PolicyDecided(_ string, v policy.Verdict) { d.verdicts = append(d.verdicts, v) }

func newGuard(t *testing.T) (*policy.Guard, *countingDispatch, *decisions) {
	t.Helper()
	engine := batch.NewEngine(batch.NewMemoryStore(), noCarrier{}, nil, batch.Config{})
	dispatched := &countingDispatch{calls: map[string]int{}}
	surface, err := capability.New(capability.Deps{Source: fakeSource{}, Batches: engine},
		capability.WithDispatchObserver(dispatched))
	require.NoError(t, err)
	seen := &decisions{}
	g, err := policy.NewGuard(surface, policy.WithDecisionObserver(seen))
	require.NoError(t, err)
	return g, dispatched, seen
}

func call(id, name, args string) schema.ToolCall {
	return schema.ToolCall{ID: id, Function: schema.FunctionCall{Name: name, Arguments: args}}
}

func TestGuardDeniedCallsNeverDispatch(t *testing.T) {
	g, dispatched, seen := newGuard(t)
	ctx := context.Background()

	inv := g.Invoke(ctx, batchOnly, call("c1", capability.ToolCreateShipment, `{"request_body":{"name":"Ann"}}`))
	assert.True(t, inv.Denied())
	assert.Equal(t, "c1", inv.CallID)
	assert.Equal(t, batchOnly, inv.Modes)
	assert.False(t, inv.Result.OK)
	assert.Equal(t, "policy_denied", inv.Result.Error.Code)
	assert.Zero(t, dispatched.calls[capability.ToolCreateShipment])

	inv = g.Invoke(ctx, interactive, call("c2", "cancel_pickup", `{}`))
	assert.True(t, inv.Denied())
	assert.Equal(t, policy.RuleCarrierDirect, inv.Verdict.Rule)
	assert.Len(t, seen.verdicts, 2)
}

func TestGuardDispatchesAllowedCalls(t *testing.T) {
	g, dispatched, _ := newGuard(t)

	inv := g.Invoke(context.Background(), batchOnly, call("c1", capability.ToolGetSourceInfo, `{}`))
	assert.False(t, inv.Denied())
	assert.True(t, inv.Result.OK)
	assert.Equal(t, 1, dispatched.calls[capability.ToolGetSourceInfo])
}

func TestGuardDropsUnparseableInputFromRecord(t *testing.T) {
	g, _, _ := newGuard(t)
	inv := g.Invoke(context.Background(), batchOnly, call("c1", capability.ToolFetchRows, `{"filter":`))
	assert.True(t, inv.Denied())
	assert.Equal(t, policy.RuleMalformedInput, inv.Verdict.Rule)
	assert.Nil(t, inv.Input)
}

func TestGuardRecordsDecisionsIntoRun(t *testing.T) {
	g, _, _ := newGuard(t)
	rec := audit.Start(audit.Run{ConversationID: "c"}, nil)
	ctx := audit.WithRecorder(context.Background(), rec)

	g.Invoke(ctx, batchOnly, call("c1", capability.ToolCreateShipment, `{"request_body":{"name":"Ann"}}`))
	g.Invoke(ctx, batchOnly, call("c2", capability.ToolGetSourceInfo, `{}`))

	run := rec.Snapshot()
	require.Len(t, run.Decisions, 3)
	denied := run.Decisions[0]
	assert.Equal(t, audit.PhaseToolCall, denied.Phase)
	assert.False(t, denied.Allowed)
	assert.Equal(t, policy.RuleInteractiveDisabled, denied.Rule)
	assert.Equal(t, "c1", denied.CallID)

	assert.Equal(t, audit.PhaseToolCall, run.Decisions[1].Phase)
	assert.True(t, run.Decisions[1].Allowed)
	assert.Equal(t, audit.PhaseToolResult, run.Decisions[2].Phase)
	assert.True(t, run.Decisions[2].OK)
	assert.Equal(t, []int{1, 2, 3}, []int{run.Decisions[0].Seq, run.Decisions[1].Seq, run.Decisions[2].Seq})
}
