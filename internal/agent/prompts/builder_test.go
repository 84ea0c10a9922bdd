package prompts_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shipflow-core/server/internal/agent/batch"
	"github.com/shipflow-core/server/internal/agent/capability"
	"github.com/shipflow-core/server/internal/agent/model"
	"github.com/shipflow-core/server/internal/agent/prompts"
)

var today = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func orders() *model.DataSourceSnapshot {
	return &model.DataSourceSnapshot{
		Identity: "orders.csv",
		Kind:     "csv",
		RowCount: 120,
		Columns: []model.Column{
			{Name: "ship_to_name", Type: "string", Samples: []string{"Ann", "Bob", "Cid", "Dee"}},
			{Name: "state", Type: "string", Nullable: true, Samples: []string{"CA"}},
		},
	}
}

func contacts(n int) []model.Contact {
	out := make([]model.Contact, n)
	for i := range out {
		out[i] = model.Contact{
			Handle: fmt.Sprintf("c%02d", i), Name: fmt.Sprintf("Contact %d", i),
			City: "Austin", State: "TX", PostalCode: "73301", Country: "US",
		}
	}
	return out
}

type noSource struct{}

func (noSource) Snapshot(context.Context) (*model.DataSourceSnapshot, error) { return nil, nil }
func (noSource) ValidateFilter(context.Context, string) error                { return nil }
func (noSource) FetchRows(context.Context, string, int) (*model.RowSet, error) {
	return &model.RowSet{}, nil
}

func newBuilder(t *testing.T) *prompts.Builder {
	t.Helper()
	engine := batch.NewEngine(batch.NewMemoryStore(), nil, nil, batch.Config{})
	surface, err := capability.New(capability.Deps{Source: noSource{}, Batches: engine})
	require.NoError(t, err)
	b, err := prompts.NewBuilder(surface)
	require.NoError(t, err)
	return b
}

func TestBuildSections(t *testing.T) {
	b := newBuilder(t)
	ctx := context.Background()

	tests := []struct {
		name string
		in   prompts.Input
		want []string
	}{
		{
			name: "nothing connected, batch only",
			in:   prompts.Input{Today: today},
			want: []string{prompts.SectionIdentity, prompts.SectionServices, prompts.SectionRoutingBatch},
		},
		{
			name: "source and contacts, batch only",
			in:   prompts.Input{Schema: orders(), Contacts: contacts(2), Today: today},
			want: []string{prompts.SectionIdentity, prompts.SectionServices, prompts.SectionSchema, prompts.SectionContacts, prompts.SectionRoutingBatch},
		},
		{
			name: "interactive on",
			in:   prompts.Input{Schema: orders(), Modes: model.ModeFlags{InteractiveShipping: true}, Today: today},
			want: []string{prompts.SectionIdentity, prompts.SectionServices, prompts.SectionSchema, prompts.SectionRoutingInteractive, prompts.SectionInteractiveRules},
		},
		{
			name: "disconnected snapshot is omitted",
			in:   prompts.Input{Schema: &model.DataSourceSnapshot{}, Today: today},
			want: []string{prompts.SectionIdentity, prompts.SectionServices, prompts.SectionRoutingBatch},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := b.Build(ctx, tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Sections)
		})
	}
}

func TestBuildRendersSchemaAndServices(t *testing.T) {
	got, err := newBuilder(t).Build(context.Background(), prompts.Input{Schema: orders(), Today: today})
	require.NoError(t, err)

	p := got.SystemPrompt
	assert.Contains(t, p, "Current date: 2026-03-02")
	assert.Contains(t, p, "UPS Ground (code 03)")
	assert.Contains(t, p, "orders.csv (csv)")
	assert.Contains(t, p, "- state (string, nullable) e.g. CA")
	assert.Contains(t, p, "e.g. Ann, Bob, Cid")
	assert.NotContains(t, p, "Dee")
	assert.NotContains(t, p, "Interactive shipments")
}

func TestBuildCapsContacts(t *testing.T) {
	got, err := newBuilder(t).Build(context.Background(), prompts.Input{Contacts: contacts(30), Today: today})
	require.NoError(t, err)

	assert.Contains(t, got.SystemPrompt, "@c19:")
	assert.NotContains(t, got.SystemPrompt, "@c20:")
}

func TestBuildIsDeterministic(t *testing.T) {
	b := newBuilder(t)
	in := prompts.Input{Schema: orders(), Contacts: contacts(5), Modes: model.ModeFlags{InteractiveShipping: true}, Today: today}

	first, err := b.Build(context.Background(), in)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := b.Build(context.Background(), in)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestInteractiveToolsFollowMode(t *testing.T) {
	b := newBuilder(t)

	off, err := b.Build(context.Background(), prompts.Input{Today: today})
	require.NoError(t, err)
	assert.NotContains(t, off.Tools, capability.ToolCreateShipment)
	assert.Len(t, off.Tools, 14)

	on, err := b.Build(context.Background(), prompts.Input{Modes: model.ModeFlags{InteractiveShipping: true}, Today: today})
	require.NoError(t, err)
	assert.Contains(t, on.Tools, capability.ToolCreateShipment)
	assert.Len(t, on.Tools, 15)
}
