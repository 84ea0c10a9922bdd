package capability

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/shipflow-core/server/internal/agent/batch"
	"github.com/shipflow-core/server/internal/agent/model"
	"github.com/shipflow-core/server/internal/agent/services"
	"github.com/shipflow-core/server/internal/agent/stream"
)

// Shipment field names understood by the carrier collaborator.
const (
	FieldServiceCode = "service_code"
	FieldServiceName = "service_name"
)

var recipientFields = []string{
	"ship_to_name", "ship_to_company", "ship_to_address1", "ship_to_city",
	"ship_to_state", "ship_to_postal_code", "ship_to_country", "ship_to_phone",
	"weight_lbs", "reference",
}

// ===================================
// Job creation
// ===================================

type CreateJobInput struct {
	Name        string            `json:"name"`
	Filter      string            `json:"filter"`
	ServiceCode string            `json:"service_code,omitempty"`
	Mapping     map[string]string `json:"mapping,omitempty"`
}

type CreateJobOutput struct {
	JobID string `json:"job_id"`
	Name  string `json:"name"`
	Rows  int    `json:"rows"`
	State string `json:"state"`
}

var jobParams = map[string]*schema.ParameterInfo{
	"name":         {Type: schema.String, Desc: "Short job name shown to the user"},
	"filter":       {Type: schema.String, Desc: "Validated filter expression selecting the rows to ship", Required: true},
	"service_code": {Type: schema.String, Desc: "Service code or alias (e.g. ground, next day) applied to every row"},
	"mapping": {Type: schema.Object, Desc: "Shipment field -> source column. Omit to use column names as-is. Fields: " +
		strings.Join(recipientFields, ", ")},
}

func (o *ops) createJobTool() toolT {
	return newTool(&schema.ToolInfo{
		Name:        ToolCreateJob,
		Desc:        "Create a shipment job from the rows matching a filter. Does not rate or ship anything.",
		ParamsOneOf: schema.NewParamsOneOfByParams(jobParams),
	}, func(ctx context.Context, in CreateJobInput) (*CreateJobOutput, error) {
		b, err := o.createJob(ctx, in)
		if err != nil {
			return nil, err
		}
		return &CreateJobOutput{JobID: b.ID, Name: b.Name, Rows: len(b.Rows), State: string(b.State)}, nil
	})
}

func (o *ops) createJob(ctx context.Context, in CreateJobInput) (*batch.Batch, error) {
	code, err := resolveService(in.ServiceCode)
	if err != nil {
		return nil, err
	}
	set, err := o.fetch(ctx, in.Filter, o.d.MaxJobRows)
	if err != nil {
		return nil, err
	}
	if set.Count > len(set.Rows) {
		return nil, invalidInput("The filter matches %d rows, more than the %d a single job can hold. Narrow the filter.", set.Count, o.d.MaxJobRows)
	}
	shipments := make([]model.Shipment, len(set.Rows))
	for i, r := range set.Rows {
		shipments[i] = mapRow(r, in.Mapping, code)
	}
	return o.d.Batches.Create(ctx, ScopeFrom(ctx).ConversationID, in.Name, shipments)
}

// mapRow projects a source row onto shipment fields. Without a mapping every
// column is carried under its lower-cased name.
func mapRow(r model.Row, mapping map[string]string, serviceCode string) model.Shipment {
	s := make(model.Shipment)
	if len(mapping) == 0 {
		for k, v := range r {
			if v == nil {
				continue
			}
			s[strings.ToLower(k)] = fmt.Sprint(v)
		}
	} else {
		for field, column := range mapping {
			if v, ok := r[column]; ok && v != nil {
				s[field] = fmt.Sprint(v)
			}
		}
	}
	if serviceCode != "" {
		s[FieldServiceCode] = serviceCode
	}
	if code, ok := s[FieldServiceCode]; ok {
		if resolved, ok := services.Resolve(code); ok {
			s[FieldServiceCode] = resolved
		}
		s[FieldServiceName] = services.Name(s[FieldServiceCode])
	}
	return s
}

// ===================================
// Preview
// ===================================

type JobInput struct {
	JobID string `json:"job_id"`
}

// PreviewOutput is returned to the model after a preview is shown.
type PreviewOutput struct {
	*batch.Preview
	Note string `json:"note"`
}

// ConfirmationRequest is the payload of confirmation_request events.
type ConfirmationRequest struct {
	JobID              string `json:"job_id"`
	Name               string `json:"name"`
	TotalRows          int    `json:"total_rows"`
	EstimatedCostCents int64  `json:"estimated_cost_cents"`
	Prompt             string `json:"prompt"`
}

const awaitingNote = "Preview shown to the user. Stop here and wait for the user to confirm; do not call batch_execute in this turn."

func (o *ops) previewTool() toolT {
	return newTool(&schema.ToolInfo{
		Name: ToolBatchPreview,
		Desc: "Rate every row of a created job and show the cost preview to the user for confirmation.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"job_id": {Type: schema.String, Desc: "Job id from create_job", Required: true},
		}),
	}, func(ctx context.Context, in JobInput) (*PreviewOutput, error) {
		return o.preview(ctx, in.JobID)
	})
}

func (o *ops) preview(ctx context.Context, jobID string) (*PreviewOutput, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, invalidInput("job_id is required.")
	}
	if _, err := o.owned(ctx, jobID); err != nil {
		return nil, err
	}
	p, err := o.d.Batches.Preview(ctx, jobID)
	if err != nil {
		return nil, err
	}

	scope := ScopeFrom(ctx)
	scope.emit(ctx, stream.TypePreviewReady, p)
	scope.emit(ctx, stream.TypeConfirmationRequest, ConfirmationRequest{
		JobID:              p.BatchID,
		Name:               p.Name,
		TotalRows:          p.TotalRows,
		EstimatedCostCents: p.EstimatedCostCents,
		Prompt:             fmt.Sprintf("Ship %d package(s) for an estimated %s?", p.TotalRows, formatCents(p.EstimatedCostCents, p.Currency)),
	})
	scope.MarkAwaitingConfirmation(p.BatchID)
	return &PreviewOutput{Preview: p, Note: awaitingNote}, nil
}

func formatCents(c int64, currency string) string {
	if currency == "" {
		currency = "USD"
	}
	return fmt.Sprintf("%d.%02d %s", c/100, c%100, currency)
}

type ShipCommandInput struct {
	Command     string            `json:"command"`
	Name        string            `json:"name,omitempty"`
	Filter      string            `json:"filter"`
	ServiceCode string            `json:"service_code,omitempty"`
	Mapping     map[string]string `json:"mapping,omitempty"`
}

func (o *ops) shipCommandTool() toolT {
	params := map[string]*schema.ParameterInfo{
		"command": {Type: schema.String, Desc: "The user's shipping command, verbatim", Required: true},
	}
	for k, v := range jobParams {
		params[k] = v
	}
	return newTool(&schema.ToolInfo{
		Name:        ToolShipCommand,
		Desc:        "Fast path for a batch shipping command: create the job from the filter and show the preview in one step.",
		ParamsOneOf: schema.NewParamsOneOfByParams(params),
	}, func(ctx context.Context, in ShipCommandInput) (*PreviewOutput, error) {
		name := in.Name
		if name == "" {
			name = truncate(in.Command, 60)
		}
		b, err := o.createJob(ctx, CreateJobInput{Name: name, Filter: in.Filter, ServiceCode: in.ServiceCode, Mapping: in.Mapping})
		if err != nil {
			return nil, err
		}
		return o.preview(ctx, b.ID)
	})
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "…"
}

// ===================================
// Interactive single shipment
// ===================================

type CreateShipmentInput struct {
	RequestBody map[string]any `json:"request_body"`
}

func (o *ops) createShipmentTool() toolT {
	return newTool(&schema.ToolInfo{
		Name: ToolCreateShipment,
		Desc: "Prepare one ad-hoc shipment from explicit details and show its rated preview for confirmation.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"request_body": {Type: schema.Object, Desc: "Shipment fields: " + strings.Join(recipientFields, ", ") + ", service_code", Required: true},
		}),
	}, func(ctx context.Context, in CreateShipmentInput) (*PreviewOutput, error) {
		if len(in.RequestBody) == 0 {
			return nil, invalidInput("request_body must contain the shipment details.")
		}
		row := model.Row(in.RequestBody)
		s := mapRow(row, nil, "")
		if code, ok := s[FieldServiceCode]; ok {
			if _, err := resolveService(code); err != nil {
				return nil, err
			}
		}
		b, err := o.d.Batches.Create(ctx, ScopeFrom(ctx).ConversationID, "Shipment to "+firstNonEmpty(s["ship_to_name"], s["ship_to_company"], "recipient"), []model.Shipment{s})
		if err != nil {
			return nil, err
		}
		return o.preview(ctx, b.ID)
	})
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// ===================================
// Execution
// ===================================

type ExecuteInput struct {
	JobID    string `json:"job_id"`
	Approved bool   `json:"approved"`
}

func (o *ops) executeTool() toolT {
	return newTool(&schema.ToolInfo{
		Name: ToolBatchExecute,
		Desc: "Execute a job the user has explicitly confirmed. Requires approved=true. Purchases labels.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"job_id":   {Type: schema.String, Desc: "Confirmed job id", Required: true},
			"approved": {Type: schema.Boolean, Desc: "Must be true; only set after the user confirmed the preview", Required: true},
		}),
	}, func(ctx context.Context, in ExecuteInput) (*batch.Result, error) {
		if _, err := o.owned(ctx, in.JobID); err != nil {
			return nil, err
		}
		scope := ScopeFrom(ctx)
		return o.d.Batches.Execute(ctx, in.JobID, in.Approved, func(ctx context.Context, p batch.Progress) {
			scope.emit(ctx, stream.TypeExecutionProgress, p)
		})
	})
}

// owned loads a job and hides it unless it belongs to the calling
// conversation.
func (o *ops) owned(ctx context.Context, jobID string) (*batch.Batch, error) {
	b, err := o.d.Batches.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if b.ConversationID != ScopeFrom(ctx).ConversationID {
		return nil, batch.ErrNotFound
	}
	return b, nil
}

// ===================================
// Status / cancel / void
// ===================================

type JobStatus struct {
	JobID              string            `json:"job_id"`
	Name               string            `json:"name"`
	State              batch.State       `json:"state"`
	TotalRows          int               `json:"total_rows"`
	EstimatedCostCents int64             `json:"estimated_cost_cents"`
	Succeeded          int               `json:"succeeded"`
	Failed             int               `json:"failed"`
	FailureReason      string            `json:"failure_reason,omitempty"`
	FailedRows         []batch.RowResult `json:"failed_rows,omitempty"`
}

func (o *ops) jobStatusTool() toolT {
	return newTool(&schema.ToolInfo{
		Name: ToolGetJobStatus,
		Desc: "Get the state and per-row failures of a job.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"job_id": {Type: schema.String, Desc: "Job id", Required: true},
		}),
	}, func(ctx context.Context, in JobInput) (*JobStatus, error) {
		b, err := o.owned(ctx, in.JobID)
		if err != nil {
			return nil, err
		}
		return statusOf(b), nil
	})
}

func statusOf(b *batch.Batch) *JobStatus {
	st := &JobStatus{
		JobID:              b.ID,
		Name:               b.Name,
		State:              b.State,
		TotalRows:          len(b.Rows),
		EstimatedCostCents: b.EstimatedCostCents,
		Succeeded:          b.Succeeded,
		Failed:             b.Failed,
		FailureReason:      b.FailureReason,
	}
	for _, r := range b.Rows {
		if r.Outcome != nil && r.Outcome.Status == batch.RowFailed {
			st.FailedRows = append(st.FailedRows, batch.RowResult{Index: r.Index, FailureReason: r.Outcome.FailureReason})
		}
	}
	sort.Slice(st.FailedRows, func(i, j int) bool { return st.FailedRows[i].Index < st.FailedRows[j].Index })
	return st
}

func (o *ops) cancelJobTool() toolT {
	return newTool(&schema.ToolInfo{
		Name: ToolCancelJob,
		Desc: "Cancel a job that has not been confirmed yet.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"job_id": {Type: schema.String, Desc: "Job id", Required: true},
		}),
	}, func(ctx context.Context, in JobInput) (*JobStatus, error) {
		if _, err := o.owned(ctx, in.JobID); err != nil {
			return nil, err
		}
		b, err := o.d.Batches.Cancel(ctx, in.JobID)
		if err != nil {
			return nil, err
		}
		return statusOf(b), nil
	})
}

type VoidInput struct {
	TrackingID string `json:"tracking_id"`
}

func (o *ops) voidTool() toolT {
	return newTool(&schema.ToolInfo{
		Name: ToolVoidShipment,
		Desc: "Void a shipment label by tracking number.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"tracking_id": {Type: schema.String, Desc: "Carrier tracking number", Required: true},
		}),
	}, func(ctx context.Context, in VoidInput) (*AckOutput, error) {
		if err := o.d.Batches.Void(ctx, strings.TrimSpace(in.TrackingID)); err != nil {
			return nil, err
		}
		return &AckOutput{OK: true}, nil
	})
}
