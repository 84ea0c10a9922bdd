//go:build property
// +build property

package policy_test

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/shipflow-core/server/internal/agent/capability"
	"github.com/shipflow-core/server/internal/agent/model"
	"github.com/shipflow-core/server/internal/agent/policy"
)

func TestPolicyProperties(t *testing.T) {
	a, err := policy.NewAuthorizer(allTools())
	if err != nil {
		t.Fatal(err)
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("interactive shipment is denied whenever the mode is off", prop.ForAll(
		func(name, postal string) bool {
			body, _ := json.Marshal(map[string]any{"request_body": map[string]string{"name": name, "postal_code": postal}})
			v := a.Authorize(model.ModeFlags{}, capability.ToolCreateShipment, body)
			return !v.Allowed && v.Rule == policy.RuleInteractiveDisabled
		},
		gen.AlphaString(),
		gen.NumString(),
	))

	properties.Property("carrier direct tools are denied in every mode", prop.ForAll(
		func(on bool, idx int) bool {
			tools := []string{"schedule_pickup", "cancel_pickup", "track_package"}
			v := a.Authorize(model.ModeFlags{InteractiveShipping: on}, tools[idx], json.RawMessage(`{}`))
			return !v.Allowed && v.Rule == policy.RuleCarrierDirect
		},
		gen.Bool(),
		gen.IntRange(0, 2),
	))

	properties.Property("raw sql keys are denied at any depth", prop.ForAll(
		func(depth int, on bool) bool {
			var inner any = map[string]any{"raw_sql": "select 1"}
			for i := 0; i < depth; i++ {
				inner = map[string]any{fmt.Sprintf("k%d", i): inner}
			}
			body, _ := json.Marshal(map[string]any{"filter": "x", "mapping": inner})
			v := a.Authorize(model.ModeFlags{InteractiveShipping: on}, capability.ToolCreateJob, body)
			return !v.Allowed && v.Rule == policy.RuleRawSQL
		},
		gen.IntRange(0, 6),
		gen.Bool(),
	))

	properties.Property("decisions are a pure function of their inputs", prop.ForAll(
		func(filter string, limit int, on bool) bool {
			body, _ := json.Marshal(map[string]any{"filter": filter, "limit": limit})
			modes := model.ModeFlags{InteractiveShipping: on}
			return a.Authorize(modes, capability.ToolFetchRows, body) == a.Authorize(modes, capability.ToolFetchRows, body)
		},
		gen.AnyString(),
		gen.IntRange(-5, 600),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
