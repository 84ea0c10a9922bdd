// Package policy decides, before any operation runs, whether the agent may
// invoke it. Decisions depend only on the session's mode flags, the tool name
// and the structural shape of the input.
package policy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/shipflow-core/server/internal/agent/capability"
	"github.com/shipflow-core/server/internal/agent/model"
)

// Rule names reported with denials.
const (
	RuleUnknownTool         = "unknown_tool"
	RuleCarrierDirect       = "carrier_direct"
	RuleInteractiveDisabled = "interactive_disabled"
	RuleMalformedInput      = "malformed_input"
	RuleRawSQL              = "raw_sql"
	RuleShape               = "shape"
)

const (
	interactiveDisabledReason = "Interactive shipping is turned off, so single shipments can't be created directly. " +
		"Add the shipment to your data source and ship it as a batch, or turn on interactive shipping."
	carrierDirectReason = "Pickups and tracking aren't available as direct carrier calls here. " +
		"Use the job tools, and the results will include tracking numbers."
	rawSQLReason = "Raw SQL isn't accepted. Describe the rows with a filter expression instead."
)

// carrierDirect names are never dispatched, whatever the mode.
var carrierDirect = map[string]struct{}{
	"schedule_pickup": {},
	"cancel_pickup":   {},
	"track_package":   {},
}

var rawSQLKeys = map[string]struct{}{
	"sql":          {},
	"raw_sql":      {},
	"where_clause": {},
	"query_sql":    {},
}

// Verdict is the outcome of an authorization.
type Verdict struct {
	Allowed bool   `json:"allowed"`
	Rule    string `json:"rule,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

func allow() Verdict { return Verdict{Allowed: true} }

func deny(rule, reason string) Verdict {
	return Verdict{Allowed: false, Rule: rule, Reason: reason}
}

// Authorizer holds the compiled input shapes for a fixed set of tools.
type Authorizer struct {
	known  map[string]struct{}
	shapes map[string]*jsonschema.Schema
}

// NewAuthorizer compiles shapes for the given tool names. Tools without a
// registered shape must still be JSON objects.
func NewAuthorizer(tools []string) (*Authorizer, error) {
	a := &Authorizer{
		known:  make(map[string]struct{}, len(tools)),
		shapes: make(map[string]*jsonschema.Schema, len(tools)),
	}
	for _, name := range tools {
		a.known[name] = struct{}{}
		src, ok := shapes[name]
		if !ok {
			src = objectOnly
		}
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://shipflow.local/policy/%s.schema.json", name)
		if err := c.AddResource(url, strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("policy shape load %s: %w", name, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("policy shape compile %s: %w", name, err)
		}
		a.shapes[name] = compiled
	}
	return a, nil
}

// Authorize decides whether tool may run with input under modes. It is a
// pure function of its arguments.
func (a *Authorizer) Authorize(modes model.ModeFlags, tool string, input json.RawMessage) Verdict {
	if _, ok := carrierDirect[tool]; ok {
		return deny(RuleCarrierDirect, carrierDirectReason)
	}
	if _, ok := a.known[tool]; !ok {
		return deny(RuleUnknownTool, fmt.Sprintf("%q is not an available capability.", tool))
	}
	if tool == capability.ToolCreateShipment && !modes.InteractiveShipping {
		return deny(RuleInteractiveDisabled, interactiveDisabledReason)
	}

	var v any
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	if err := json.Unmarshal(input, &v); err != nil {
		return deny(RuleMalformedInput, "The tool input was not valid JSON.")
	}
	if key, found := findKey(v, rawSQLKeys); found {
		return deny(RuleRawSQL, fmt.Sprintf("%s (field %q)", rawSQLReason, key))
	}
	if err := a.shapes[tool].Validate(v); err != nil {
		return deny(RuleShape, fmt.Sprintf("The input for %s has the wrong shape: %s", tool, shapeError(err)))
	}
	return allow()
}

// findKey walks v and reports the first object key contained in keys.
func findKey(v any, keys map[string]struct{}) (string, bool) {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if _, ok := keys[strings.ToLower(k)]; ok {
				return k, true
			}
			if k2, ok := findKey(child, keys); ok {
				return k2, true
			}
		}
	case []any:
		for _, child := range t {
			if k, ok := findKey(child, keys); ok {
				return k, true
			}
		}
	}
	return "", false
}

func shapeError(err error) string {
	if ve, ok := err.(*jsonschema.ValidationError); ok {
		leaf := ve
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		loc := leaf.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return fmt.Sprintf("%s %s", loc, leaf.Message)
	}
	return err.Error()
}
