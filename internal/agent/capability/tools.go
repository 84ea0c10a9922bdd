package capability

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/shipflow-core/server/internal/agent/batch"
	"github.com/shipflow-core/server/internal/agent/model"
	"github.com/shipflow-core/server/internal/agent/services"
	"github.com/shipflow-core/server/internal/agent/stream"
	errx "github.com/shipflow-core/server/internal/core/error"
	logx "github.com/shipflow-core/server/pkg/logger"
)

// Operation names.
const (
	ToolGetSourceInfo      = "get_source_info"
	ToolGetSchema          = "get_schema"
	ToolValidateFilter     = "validate_filter"
	ToolFetchRows          = "fetch_rows"
	ToolResolveContacts    = "resolve_contacts"
	ToolTouchContact       = "touch_contact"
	ToolCreateJob          = "create_job"
	ToolBatchPreview       = "batch_preview"
	ToolShipCommand        = "ship_command_pipeline"
	ToolCreateShipment     = "create_shipment"
	ToolBatchExecute       = "batch_execute"
	ToolGetJobStatus       = "get_job_status"
	ToolCancelJob          = "cancel_job"
	ToolVoidShipment       = "void_shipment"
	ToolGetPlatformStatus  = "get_platform_status"
	defaultFetchLimit      = 50
	maxFetchLimit          = 500
	defaultJobRowsFallback = 5000
)

// Deps are the collaborators the operations call into.
type Deps struct {
	Source      model.RowSource
	Directory   model.Directory
	Credentials model.Credentials
	Batches     *batch.Engine
	Provider    string
	Environment string
	MaxJobRows  int
}

// New builds the surface with every operation registered.
func New(d Deps, opts ...Option) (*Surface, error) {
	if d.Source == nil || d.Batches == nil {
		return nil, fmt.Errorf("capability: row source and batch engine are required")
	}
	if d.MaxJobRows <= 0 {
		d.MaxJobRows = defaultJobRowsFallback
	}
	o := &ops{d: d}
	return newSurface([]Descriptor{
		{Name: ToolGetSourceInfo, Kind: KindRead, Tool: o.sourceInfoTool()},
		{Name: ToolGetSchema, Kind: KindRead, Tool: o.schemaTool()},
		{Name: ToolValidateFilter, Kind: KindRead, Tool: o.validateFilterTool()},
		{Name: ToolFetchRows, Kind: KindRead, Tool: o.fetchRowsTool()},
		{Name: ToolResolveContacts, Kind: KindRead, Tool: o.resolveContactsTool()},
		{Name: ToolTouchContact, Kind: KindWrite, Tool: o.touchContactTool()},
		{Name: ToolCreateJob, Kind: KindWrite, Tool: o.createJobTool()},
		{Name: ToolBatchPreview, Kind: KindWrite, Tool: o.previewTool()},
		{Name: ToolShipCommand, Kind: KindWrite, Tool: o.shipCommandTool()},
		{Name: ToolCreateShipment, Kind: KindWrite, Interactive: true, Tool: o.createShipmentTool()},
		{Name: ToolBatchExecute, Kind: KindCarrier, Tool: o.executeTool()},
		{Name: ToolGetJobStatus, Kind: KindRead, Tool: o.jobStatusTool()},
		{Name: ToolCancelJob, Kind: KindWrite, Tool: o.cancelJobTool()},
		{Name: ToolVoidShipment, Kind: KindCarrier, Tool: o.voidTool()},
		{Name: ToolGetPlatformStatus, Kind: KindRead, Tool: o.platformStatusTool()},
	}, opts...)
}

type ops struct {
	d Deps
}

func logWarnEmit(err error, conversationID string, t stream.Type) {
	logx.Warn().Err(err).Str("conversation_id", conversationID).Str("event", string(t)).Msg("Failed to emit event")
}

// ===================================
// Data source
// ===================================

type emptyInput struct{}

type SourceInfo struct {
	Connected bool   `json:"connected"`
	Identity  string `json:"identity,omitempty"`
	Kind      string `json:"kind,omitempty"`
	RowCount  int    `json:"row_count"`
}

func (o *ops) sourceInfoTool() toolT {
	return newTool(&schema.ToolInfo{
		Name: ToolGetSourceInfo,
		Desc: "Report whether a data source is connected and how many rows it holds.",
	}, func(ctx context.Context, _ emptyInput) (*SourceInfo, error) {
		snap, err := o.d.Source.Snapshot(ctx)
		if err != nil {
			return nil, err
		}
		if !snap.Connected() {
			return &SourceInfo{}, nil
		}
		return &SourceInfo{Connected: true, Identity: snap.Identity, Kind: snap.Kind, RowCount: snap.RowCount}, nil
	})
}

type SchemaOutput struct {
	Columns []model.Column `json:"columns"`
}

func (o *ops) schemaTool() toolT {
	return newTool(&schema.ToolInfo{
		Name: ToolGetSchema,
		Desc: "Return the columns of the connected data source with types and sample values.",
	}, func(ctx context.Context, _ emptyInput) (*SchemaOutput, error) {
		snap, err := o.d.Source.Snapshot(ctx)
		if err != nil {
			return nil, err
		}
		if !snap.Connected() {
			return nil, errNoSource
		}
		return &SchemaOutput{Columns: snap.Columns}, nil
	})
}

var errNoSource = errx.Coded(errx.CodeNotFound, 404, "No data source is connected. Connect a file or database first.", nil)

type FilterInput struct {
	Filter string `json:"filter"`
}

type FilterOutput struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

func (o *ops) validateFilterTool() toolT {
	return newTool(&schema.ToolInfo{
		Name: ToolValidateFilter,
		Desc: "Check a row filter expression against the current schema before using it.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"filter": {Type: schema.String, Desc: `Filter expression, e.g. state == "CA" && weight > 2`, Required: true},
		}),
	}, func(ctx context.Context, in FilterInput) (*FilterOutput, error) {
		if err := o.d.Source.ValidateFilter(ctx, in.Filter); err != nil {
			if errx.IsRetryable(err) {
				return nil, err
			}
			return &FilterOutput{Valid: false, Error: errx.UserMessage(err)}, nil
		}
		return &FilterOutput{Valid: true}, nil
	})
}

type FetchInput struct {
	Filter string `json:"filter"`
	Limit  int    `json:"limit,omitempty"`
}

type FetchOutput struct {
	Rows     []model.Row `json:"rows"`
	Count    int         `json:"count"`
	Returned int         `json:"returned"`
}

func (o *ops) fetchRowsTool() toolT {
	return newTool(&schema.ToolInfo{
		Name: ToolFetchRows,
		Desc: "Fetch rows matching a validated filter expression. Use an empty filter for all rows.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"filter": {Type: schema.String, Desc: "Filter expression over column names", Required: true},
			"limit":  {Type: schema.Integer, Desc: fmt.Sprintf("Maximum rows to return (default %d, max %d)", defaultFetchLimit, maxFetchLimit)},
		}),
	}, func(ctx context.Context, in FetchInput) (*FetchOutput, error) {
		limit := clampInt(in.Limit, defaultFetchLimit, maxFetchLimit)
		set, err := o.fetch(ctx, in.Filter, limit)
		if err != nil {
			return nil, err
		}
		return &FetchOutput{Rows: set.Rows, Count: set.Count, Returned: len(set.Rows)}, nil
	})
}

func (o *ops) fetch(ctx context.Context, filter string, limit int) (*model.RowSet, error) {
	snap, err := o.d.Source.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if !snap.Connected() {
		return nil, errNoSource
	}
	if strings.TrimSpace(filter) != "" {
		if err := o.d.Source.ValidateFilter(ctx, filter); err != nil {
			return nil, err
		}
	}
	return o.d.Source.FetchRows(ctx, filter, limit)
}

// clampInt returns def when v is unset and limits v to max.
func clampInt(v, def, max int) int {
	if v <= 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}

// ===================================
// Contacts
// ===================================

type ResolveContactsInput struct {
	Handles []string `json:"handles"`
}

type ResolveContactsOutput struct {
	Contacts   map[string]model.Contact `json:"contacts"`
	Unresolved []string                 `json:"unresolved,omitempty"`
}

func (o *ops) resolveContactsTool() toolT {
	return newTool(&schema.ToolInfo{
		Name: ToolResolveContacts,
		Desc: "Resolve @handles from the address book to full contact records. Does not mark them as used.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"handles": {Type: schema.Array, ElemInfo: &schema.ParameterInfo{Type: schema.String}, Desc: "Contact handles, with or without a leading @", Required: true},
		}),
	}, func(ctx context.Context, in ResolveContactsInput) (*ResolveContactsOutput, error) {
		if o.d.Directory == nil {
			return nil, errx.Coded(errx.CodeNotConfigured, 412, "The address book is not available.", nil)
		}
		handles := make([]string, 0, len(in.Handles))
		for _, h := range in.Handles {
			if h = normalizeHandle(h); h != "" {
				handles = append(handles, h)
			}
		}
		if len(handles) == 0 {
			return nil, invalidInput("At least one contact handle is required.")
		}
		cache := ScopeFrom(ctx).Contacts
		found := make(map[string]model.Contact, len(handles))
		var lookup []string
		for _, h := range handles {
			if cache != nil {
				if c, ok := cache.ConfirmedContact(h); ok {
					found[h] = c
					continue
				}
			}
			lookup = append(lookup, h)
		}
		if len(lookup) > 0 {
			resolved, err := o.d.Directory.Resolve(ctx, lookup)
			if err != nil {
				return nil, err
			}
			for h, c := range resolved {
				found[h] = c
				if cache != nil {
					cache.ConfirmContact(c)
				}
			}
		}
		out := &ResolveContactsOutput{Contacts: found}
		for _, h := range handles {
			if _, ok := found[h]; !ok {
				out.Unresolved = append(out.Unresolved, h)
			}
		}
		return out, nil
	})
}

type TouchContactInput struct {
	Handle string `json:"handle"`
}

type AckOutput struct {
	OK bool `json:"ok"`
}

func (o *ops) touchContactTool() toolT {
	return newTool(&schema.ToolInfo{
		Name: ToolTouchContact,
		Desc: "Mark a contact as just used, after it was actually used on a shipment.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"handle": {Type: schema.String, Desc: "Contact handle", Required: true},
		}),
	}, func(ctx context.Context, in TouchContactInput) (*AckOutput, error) {
		if o.d.Directory == nil {
			return nil, errx.Coded(errx.CodeNotConfigured, 412, "The address book is not available.", nil)
		}
		h := normalizeHandle(in.Handle)
		if h == "" {
			return nil, invalidInput("A contact handle is required.")
		}
		if err := o.d.Directory.TouchLastUsed(ctx, h); err != nil {
			return nil, err
		}
		return &AckOutput{OK: true}, nil
	})
}

func normalizeHandle(h string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(h), "@"))
}

// ===================================
// Platform
// ===================================

type PlatformStatus struct {
	DataSourceConnected bool   `json:"data_source_connected"`
	CarrierConfigured   bool   `json:"carrier_configured"`
	Provider            string `json:"provider"`
	Environment         string `json:"environment"`
}

func (o *ops) platformStatusTool() toolT {
	return newTool(&schema.ToolInfo{
		Name: ToolGetPlatformStatus,
		Desc: "Report whether a data source is connected and carrier credentials are configured.",
	}, func(ctx context.Context, _ emptyInput) (*PlatformStatus, error) {
		st := &PlatformStatus{Provider: o.d.Provider, Environment: o.d.Environment}
		snap, err := o.d.Source.Snapshot(ctx)
		if err != nil {
			return nil, err
		}
		st.DataSourceConnected = snap.Connected()
		if o.d.Credentials != nil {
			c, err := o.d.Credentials.Active(ctx, o.d.Provider, o.d.Environment)
			if err != nil {
				return nil, err
			}
			st.CarrierConfigured = c != nil
		}
		return st, nil
	})
}

// resolveService turns a user-supplied service into a carrier code.
func resolveService(s string) (string, error) {
	if strings.TrimSpace(s) == "" {
		return "", nil
	}
	code, ok := services.Resolve(s)
	if !ok {
		return "", invalidInput("Unknown shipping service %q.", s)
	}
	return code, nil
}
