// Package routing decides, before the model runs, how an inbound message is
// handled. The table is evaluated top to bottom and the first matching rule
// wins.
package routing

import (
	logx "github.com/shipflow-core/server/pkg/logger"
)

type Route string

const (
	// RouteAgent hands the message to the agent.
	RouteAgent Route = "agent"
	// RouteConfirm affirms the pending batch and executes it.
	RouteConfirm Route = "confirm"
	// RouteCancel cancels the pending batch.
	RouteCancel Route = "cancel"
	// RouteBatch hands a batch command to the agent with interactive
	// shipping switched off first.
	RouteBatch Route = "batch"
	// RouteClarify answers with a fixed question without calling the model.
	RouteClarify Route = "clarify"
)

// ClarifyQuestion is the reply for ambiguous shipping requests.
const ClarifyQuestion = "Do you want to ship orders from your connected data source, or create a single new shipment " +
	"with details you give me? Reply with \"from my data\" or give me the shipment details."

// Signal is what routing looks at.
type Signal struct {
	Text                string
	Interactive         bool
	SourceConnected     bool
	PendingConfirmation bool
}

// Decision is the outcome of routing one message.
type Decision struct {
	Route Route
	Rule  string
	// DisableInteractive asks the caller to switch interactive shipping off
	// before the agent runs.
	DisableInteractive bool
	Reply              string
}

// Rule is one row of the table.
type Rule struct {
	Name     string
	When     func(Signal) bool
	Decision Decision
}

type Table struct {
	rules []Rule
}

func NewTable(rules ...Rule) *Table {
	return &Table{rules: rules}
}

// Default is the shipping routing table.
func Default() *Table {
	return NewTable(
		Rule{
			Name:     "pending_affirmed",
			When:     func(s Signal) bool { return s.PendingConfirmation && IsAffirmation(s.Text) },
			Decision: Decision{Route: RouteConfirm},
		},
		Rule{
			Name:     "pending_refused",
			When:     func(s Signal) bool { return s.PendingConfirmation && IsRefusal(s.Text) },
			Decision: Decision{Route: RouteCancel},
		},
		Rule{
			Name:     "batch_failover",
			When:     func(s Signal) bool { return s.Interactive && IsBatchShippingRequest(s.Text) },
			Decision: Decision{Route: RouteBatch, DisableInteractive: true},
		},
		Rule{
			Name: "ambiguous_with_source",
			When: func(s Signal) bool {
				return s.Interactive && s.SourceConnected && IsShippingRequest(s.Text) &&
					!HasSingleShipmentCue(s.Text) && !IsBatchShippingRequest(s.Text)
			},
			Decision: Decision{Route: RouteClarify, Reply: ClarifyQuestion},
		},
	)
}

// Route returns the first matching rule's decision, or RouteAgent.
func (t *Table) Route(s Signal) Decision {
	for _, r := range t.rules {
		if r.When(s) {
			d := r.Decision
			d.Rule = r.Name
			logx.Debug().Str("rule", r.Name).Str("route", string(d.Route)).Msg("Message routed")
			return d
		}
	}
	return Decision{Route: RouteAgent, Rule: "default"}
}
