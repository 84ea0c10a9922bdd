// Package prompts assembles the agent's instruction context from the
// session's data source, saved contacts and mode flags.
package prompts

import (
	"context"
	"embed"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"

	"github.com/shipflow-core/server/internal/agent/capability"
	"github.com/shipflow-core/server/internal/agent/model"
	"github.com/shipflow-core/server/internal/agent/services"
)

//go:embed template/*.tmpl
var templates embed.FS

// MaxContacts caps the saved contacts listed in the instructions.
const MaxContacts = 20

// maxSamples caps the sample values shown per column.
const maxSamples = 3

// Section names, in render order.
const (
	SectionIdentity           = "identity"
	SectionServices           = "services"
	SectionSchema             = "schema"
	SectionContacts           = "contacts"
	SectionRoutingBatch       = "routing_batch"
	SectionRoutingInteractive = "routing_interactive"
	SectionInteractiveRules   = "interactive_rules"
)

// Input is everything the instructions depend on.
type Input struct {
	Schema   *model.DataSourceSnapshot
	Modes    model.ModeFlags
	Contacts []model.Contact
	Today    time.Time
}

// Instructions is the rendered context for one agent build.
type Instructions struct {
	SystemPrompt string
	Sections     []string
	Tools        []string
}

// Exposed reports whether d is offered to the model under modes.
func Exposed(modes model.ModeFlags) func(capability.Descriptor) bool {
	return func(d capability.Descriptor) bool {
		return !d.Interactive || modes.InteractiveShipping
	}
}

// Builder renders instructions. It holds no per-session state.
type Builder struct {
	surface *capability.Surface
	tpl     map[string]string
}

// NewBuilder loads the embedded templates.
func NewBuilder(surface *capability.Surface) (*Builder, error) {
	b := &Builder{surface: surface, tpl: make(map[string]string)}
	for _, name := range []string{
		SectionIdentity, SectionServices, SectionSchema, SectionContacts,
		SectionRoutingBatch, SectionRoutingInteractive, SectionInteractiveRules,
	} {
		raw, err := templates.ReadFile("template/" + name + ".tmpl")
		if err != nil {
			return nil, fmt.Errorf("load template %s: %w", name, err)
		}
		b.tpl[name] = string(raw)
	}
	return b, nil
}

type section struct {
	name string
	vars map[string]any
}

// Build renders the instructions for in. Equal inputs render equal output.
func (b *Builder) Build(ctx context.Context, in Input) (*Instructions, error) {
	toolVars := map[string]any{
		"ExecuteTool":  capability.ToolBatchExecute,
		"PipelineTool": capability.ToolShipCommand,
		"ShipmentTool": capability.ToolCreateShipment,
		"ResolveTool":  capability.ToolResolveContacts,
	}

	plan := []section{
		{name: SectionIdentity, vars: merge(toolVars, map[string]any{"Today": in.Today.Format("2006-01-02")})},
		{name: SectionServices, vars: map[string]any{"Services": serviceRows()}},
	}
	if in.Schema.Connected() {
		plan = append(plan, section{name: SectionSchema, vars: schemaVars(in.Schema)})
	}
	if len(in.Contacts) > 0 {
		contacts := in.Contacts
		if len(contacts) > MaxContacts {
			contacts = contacts[:MaxContacts]
		}
		plan = append(plan, section{name: SectionContacts, vars: merge(toolVars, map[string]any{"Contacts": contacts})})
	}
	if in.Modes.InteractiveShipping {
		plan = append(plan,
			section{name: SectionRoutingInteractive, vars: toolVars},
			section{name: SectionInteractiveRules, vars: toolVars},
		)
	} else {
		plan = append(plan, section{name: SectionRoutingBatch, vars: toolVars})
	}

	out := &Instructions{}
	parts := make([]string, 0, len(plan))
	for _, s := range plan {
		text, err := b.render(ctx, s)
		if err != nil {
			return nil, err
		}
		parts = append(parts, strings.TrimSpace(text))
		out.Sections = append(out.Sections, s.name)
	}
	out.SystemPrompt = strings.Join(parts, "\n\n")

	if b.surface != nil {
		keep := Exposed(in.Modes)
		for _, name := range b.surface.Names() {
			if d, _ := b.surface.Lookup(name); keep(d) {
				out.Tools = append(out.Tools, name)
			}
		}
	}
	return out, nil
}

// render formats one section through the eino prompt component so prompt
// callbacks observe it.
func (b *Builder) render(ctx context.Context, s section) (string, error) {
	tpl := prompt.FromMessages(schema.GoTemplate, schema.SystemMessage(b.tpl[s.name]))
	msgs, err := tpl.Format(ctx, s.vars)
	if err != nil {
		return "", fmt.Errorf("render %s: %w", s.name, err)
	}
	if len(msgs) == 0 || msgs[0] == nil {
		return "", fmt.Errorf("render %s: empty result", s.name)
	}
	return msgs[0].Content, nil
}

type serviceRow struct {
	Code    string
	Name    string
	Aliases string
}

func serviceRows() []serviceRow {
	all := services.All()
	rows := make([]serviceRow, 0, len(all))
	for _, s := range all {
		rows = append(rows, serviceRow{Code: s.Code, Name: s.Name, Aliases: strings.Join(s.Aliases, ", ")})
	}
	return rows
}

type columnRow struct {
	Name     string
	Type     string
	Nullable bool
	Samples  string
}

func schemaVars(s *model.DataSourceSnapshot) map[string]any {
	cols := make([]columnRow, 0, len(s.Columns))
	for _, c := range s.Columns {
		samples := c.Samples
		if len(samples) > maxSamples {
			samples = samples[:maxSamples]
		}
		cols = append(cols, columnRow{Name: c.Name, Type: c.Type, Nullable: c.Nullable, Samples: strings.Join(samples, ", ")})
	}
	return map[string]any{
		"Source":   s.Identity,
		"Kind":     s.Kind,
		"RowCount": s.RowCount,
		"Columns":  cols,
	}
}

func merge(a, b map[string]any) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}
