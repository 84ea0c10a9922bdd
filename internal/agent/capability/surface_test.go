package capability_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shipflow-core/server/internal/agent/batch"
	"github.com/shipflow-core/server/internal/agent/capability"
	"github.com/shipflow-core/server/internal/agent/model"
	"github.com/shipflow-core/server/internal/agent/stream"
	errx "github.com/shipflow-core/server/internal/core/error"
)

type fakeSource struct {
	mu          sync.Mutex
	rows        []model.Row
	transient   int
	fetchCalls  int
	validateErr error
}

func (s *fakeSource) Snapshot(context.Context) (*model.DataSourceSnapshot, error) {
	return &model.DataSourceSnapshot{
		Identity: "orders.csv",
		Kind:     "csv",
		RowCount: len(s.rows),
		Columns:  []model.Column{{Name: "name", Type: "string"}, {Name: "state", Type: "string"}},
	}, nil
}

func (s *fakeSource) ValidateFilter(context.Context, string) error { return s.validateErr }

func (s *fakeSource) FetchRows(_ context.Context, filter string, limit int) (*model.RowSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchCalls++
	if s.transient > 0 {
		s.transient--
		return nil, errx.Transient(errors.New("connection reset"))
	}
	var out []model.Row
	for _, r := range s.rows {
		if filter == "" || strings.Contains(filter, r["state"].(string)) {
			out = append(out, r)
		}
	}
	count := len(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return &model.RowSet{Rows: out, Count: count}, nil
}

type fakeCarrier struct{}

func (fakeCarrier) Rate(_ context.Context, s []model.Shipment) ([]model.RateResult, error) {
	out := make([]model.RateResult, len(s))
	for i := range out {
		out[i] = model.RateResult{CostCents: 999, Currency: "USD"}
	}
	return out, nil
}

func (fakeCarrier) Execute(_ context.Context, s []model.Shipment) ([]model.ExecResult, error) {
	out := make([]model.ExecResult, len(s))
	for i := range out {
		out[i] = model.ExecResult{TrackingID: "1ZTEST"}
	}
	return out, nil
}

func (fakeCarrier) Void(context.Context, string) error { return nil }

type okCreds struct{}

func (okCreds) Active(context.Context, string, string) (*model.Credential, error) {
	return &model.Credential{}, nil
}

type recorder struct {
	mu     sync.Mutex
	events []stream.Type
}

func (r *recorder) Emit(_ context.Context, t stream.Type, _ any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, t)
	return nil
}

type dispatchLog struct {
	attempts map[string]int
}

func (d *dispatchLog) ToolDispatched(tool string, _ bool, attempts int) {
	d.attempts[tool] = attempts
}

func newSurface(t *testing.T, src *fakeSource) (*capability.Surface, *batch.Engine, *dispatchLog) {
	t.Helper()
	engine := batch.NewEngine(batch.NewMemoryStore(), fakeCarrier{}, okCreds{}, batch.Config{})
	log := &dispatchLog{attempts: map[string]int{}}
	s, err := capability.New(capability.Deps{
		Source:      src,
		Credentials: okCreds{},
		Batches:     engine,
		Provider:    "ups",
		Environment: "sandbox",
	}, capability.WithRetry(3, time.Millisecond), capability.WithDispatchObserver(log))
	require.NoError(t, err)
	return s, engine, log
}

func orders() *fakeSource {
	return &fakeSource{rows: []model.Row{
		{"name": "Ann", "state": "CA"},
		{"name": "Bob", "state": "CA"},
		{"name": "Cid", "state": "TX"},
	}}
}

func TestSurfaceIsClosed(t *testing.T) {
	s, _, _ := newSurface(t, orders())
	assert.Len(t, s.Names(), 15)

	res := s.Dispatch(context.Background(), "schedule_pickup", `{}`)
	assert.False(t, res.OK)
	assert.Equal(t, "unknown_tool", res.Error.Code)
}

func TestReadOperationsRetryTransientFailures(t *testing.T) {
	src := orders()
	src.transient = 2
	s, _, log := newSurface(t, src)

	res := s.Dispatch(context.Background(), capability.ToolFetchRows, `{"filter":"CA"}`)
	require.True(t, res.OK, res.JSON())
	assert.Equal(t, 3, log.attempts[capability.ToolFetchRows])

	var out capability.FetchOutput
	require.NoError(t, json.Unmarshal(res.Data, &out))
	assert.Equal(t, 2, out.Count)
}

func TestReadRetriesAreBounded(t *testing.T) {
	src := orders()
	src.transient = 10
	s, _, log := newSurface(t, src)

	res := s.Dispatch(context.Background(), capability.ToolFetchRows, `{"filter":""}`)
	require.False(t, res.OK)
	assert.True(t, res.Error.Retryable)
	assert.Equal(t, 3, log.attempts[capability.ToolFetchRows])
}

func TestWriteOperationsAreNotRetried(t *testing.T) {
	src := orders()
	src.transient = 1
	s, _, log := newSurface(t, src)

	res := s.Dispatch(context.Background(), capability.ToolCreateJob, `{"filter":"CA"}`)
	require.False(t, res.OK)
	assert.Equal(t, 1, log.attempts[capability.ToolCreateJob])
	assert.Equal(t, 1, src.fetchCalls)
}

func TestTerminalFailuresBecomeStructuredResults(t *testing.T) {
	src := orders()
	src.validateErr = errx.Coded(errx.CodeInvalidInput, 400, "unknown column \"zip\"", nil)
	s, _, log := newSurface(t, src)

	res := s.Dispatch(context.Background(), capability.ToolFetchRows, `{"filter":"zip == 1"}`)
	require.False(t, res.OK)
	assert.Equal(t, "invalid_input", res.Error.Code)
	assert.Contains(t, res.Error.Message, "zip")
	assert.Equal(t, 1, log.attempts[capability.ToolFetchRows])

	res = s.Dispatch(context.Background(), capability.ToolValidateFilter, `{"filter":"zip == 1"}`)
	require.True(t, res.OK)
	assert.Contains(t, string(res.Data), `"valid":false`)
}

func TestShipCommandShowsPreviewAndSuspends(t *testing.T) {
	s, engine, _ := newSurface(t, orders())
	rec := &recorder{}
	scope := &capability.Scope{ConversationID: "conv-1", Notifier: rec}
	ctx := capability.WithScope(context.Background(), scope)

	res := s.Dispatch(ctx, capability.ToolShipCommand, `{"command":"ship CA orders ground","filter":"CA","service_code":"ground"}`)
	require.True(t, res.OK, res.JSON())

	var out capability.PreviewOutput
	require.NoError(t, json.Unmarshal(res.Data, &out))
	assert.Equal(t, 2, out.TotalRows)
	assert.Equal(t, int64(1998), out.EstimatedCostCents)
	assert.Equal(t, "03", out.Rows[0].Fields[capability.FieldServiceCode])

	assert.Equal(t, []stream.Type{stream.TypePreviewReady, stream.TypeConfirmationRequest}, rec.events)
	require.NotEmpty(t, scope.PendingBatch())

	b, err := engine.Get(ctx, scope.PendingBatch())
	require.NoError(t, err)
	assert.Equal(t, batch.StatePreviewed, b.State)
	assert.Equal(t, "conv-1", b.ConversationID)

	// The model cannot confirm on the user's behalf: execute is refused.
	res = s.Dispatch(ctx, capability.ToolBatchExecute, `{"job_id":"`+b.ID+`","approved":true}`)
	require.False(t, res.OK)
	assert.Equal(t, string(errx.CodeInvalidState), res.Error.Code)
}

func TestExecuteEmitsProgress(t *testing.T) {
	s, engine, _ := newSurface(t, orders())
	rec := &recorder{}
	ctx := capability.WithScope(context.Background(), &capability.Scope{ConversationID: "conv-1", Notifier: rec})

	res := s.Dispatch(ctx, capability.ToolShipCommand, `{"command":"ship","filter":"CA"}`)
	require.True(t, res.OK)
	id := capability.ScopeFrom(ctx).PendingBatch()

	_, err := engine.Confirm(ctx, id, batch.Affirmation{ConversationID: "conv-1", Source: batch.SourceUserAction})
	require.NoError(t, err)

	res = s.Dispatch(ctx, capability.ToolBatchExecute, `{"job_id":"`+id+`","approved":false}`)
	require.False(t, res.OK)
	assert.Equal(t, string(errx.CodeNotApproved), res.Error.Code)

	res = s.Dispatch(ctx, capability.ToolBatchExecute, `{"job_id":"`+id+`","approved":true}`)
	require.True(t, res.OK, res.JSON())

	var progress int
	for _, ev := range rec.events {
		if ev == stream.TypeExecutionProgress {
			progress++
		}
	}
	assert.Equal(t, 2, progress)

	res = s.Dispatch(ctx, capability.ToolGetJobStatus, `{"job_id":"`+id+`"}`)
	require.True(t, res.OK)
	assert.Contains(t, string(res.Data), `"state":"completed"`)
}

func TestCreateShipmentIsASingleRowPreview(t *testing.T) {
	s, _, _ := newSurface(t, orders())
	scope := &capability.Scope{ConversationID: "conv-1"}
	ctx := capability.WithScope(context.Background(), scope)

	res := s.Dispatch(ctx, capability.ToolCreateShipment,
		`{"request_body":{"ship_to_name":"Jane Smith","ship_to_city":"Austin","service_code":"next day"}}`)
	require.True(t, res.OK, res.JSON())

	var out capability.PreviewOutput
	require.NoError(t, json.Unmarshal(res.Data, &out))
	assert.Equal(t, 1, out.TotalRows)
	assert.Equal(t, "Shipment to Jane Smith", out.Name)
	assert.Equal(t, "01", out.Rows[0].Fields[capability.FieldServiceCode])
	assert.NotEmpty(t, scope.PendingBatch())
}

func TestInfosFilter(t *testing.T) {
	s, _, _ := newSurface(t, orders())
	infos, err := s.Infos(context.Background(), func(d capability.Descriptor) bool { return !d.Interactive })
	require.NoError(t, err)
	for _, info := range infos {
		assert.NotEqual(t, capability.ToolCreateShipment, info.Name)
	}
	assert.Len(t, infos, 14)
}

func TestJobsOfAnotherConversationAreHidden(t *testing.T) {
	s, engine, _ := newSurface(t, orders())
	owner := capability.WithScope(context.Background(), &capability.Scope{ConversationID: "owner"})
	res := s.Dispatch(owner, capability.ToolShipCommand, `{"command":"ship","filter":"CA"}`)
	require.True(t, res.OK, res.JSON())
	id := capability.ScopeFrom(owner).PendingBatch()
	require.NotEmpty(t, id)

	other := capability.WithScope(context.Background(), &capability.Scope{ConversationID: "other"})
	for _, tc := range []struct {
		tool string
		args string
	}{
		{capability.ToolBatchPreview, `{"job_id":"` + id + `"}`},
		{capability.ToolGetJobStatus, `{"job_id":"` + id + `"}`},
		{capability.ToolCancelJob, `{"job_id":"` + id + `"}`},
		{capability.ToolBatchExecute, `{"job_id":"` + id + `","approved":true}`},
	} {
		t.Run(tc.tool, func(t *testing.T) {
			res := s.Dispatch(other, tc.tool, tc.args)
			require.False(t, res.OK)
			assert.Equal(t, string(errx.CodeNotFound), res.Error.Code)
		})
	}

	b, err := engine.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, batch.StatePreviewed, b.State)

	res = s.Dispatch(owner, capability.ToolGetJobStatus, `{"job_id":"`+id+`"}`)
	require.True(t, res.OK, res.JSON())
}
