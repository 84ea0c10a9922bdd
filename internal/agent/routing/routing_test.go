package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIntentHeuristics(t *testing.T) {
	tests := []struct {
		text     string
		shipping bool
		batch    bool
		single   bool
	}{
		{"ship all orders going to California", true, true, false},
		{"Ship every unfulfilled orders", true, true, false},
		{"ship 25 orders", true, true, false},
		{"ship the pending orders for Acme company", true, true, false},
		{"ship orders in new york", true, true, false},
		{"ship a 5 lb box to 10 Main St, Austin TX 78701", true, false, true},
		{"I want to ship a package", true, false, true},
		{"ship something for me", true, false, false},
		{"show me orders that shipped last week", false, false, false},
		{"how many shipments are pending?", false, false, false},
		{"do not ship anything yet", false, false, false},
		{"what's the weather", false, false, false},
		{"", false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.shipping, IsShippingRequest(tt.text), "shipping")
			assert.Equal(t, tt.batch, IsBatchShippingRequest(tt.text), "batch")
			assert.Equal(t, tt.single, HasSingleShipmentCue(tt.text), "single")
		})
	}
}

func TestAffirmationAndRefusal(t *testing.T) {
	for _, s := range []string{"yes", "Y", "OK.", "go ahead!", "Go-ahead", "  proceed  "} {
		assert.True(t, IsAffirmation(s), s)
	}
	for _, s := range []string{"yes but only 3", "no", "sure thing maybe"} {
		assert.False(t, IsAffirmation(s), s)
	}
	for _, s := range []string{"no", "Cancel.", "stop"} {
		assert.True(t, IsRefusal(s), s)
	}
	assert.False(t, IsRefusal("yes"))
}

func TestDefaultTable(t *testing.T) {
	table := Default()

	tests := []struct {
		name    string
		sig     Signal
		route   Route
		rule    string
		noInter bool
	}{
		{
			name:  "affirmation with pending batch confirms",
			sig:   Signal{Text: "yes", PendingConfirmation: true, Interactive: true},
			route: RouteConfirm, rule: "pending_affirmed",
		},
		{
			name:  "affirmation without pending batch goes to agent",
			sig:   Signal{Text: "yes"},
			route: RouteAgent, rule: "default",
		},
		{
			name:  "refusal with pending batch cancels",
			sig:   Signal{Text: "no", PendingConfirmation: true},
			route: RouteCancel, rule: "pending_refused",
		},
		{
			name:  "batch request with interactive on fails over",
			sig:   Signal{Text: "ship all orders in Texas", Interactive: true, SourceConnected: true},
			route: RouteBatch, rule: "batch_failover", noInter: true,
		},
		{
			name:  "batch request with interactive off goes to agent",
			sig:   Signal{Text: "ship all orders in Texas", SourceConnected: true},
			route: RouteAgent, rule: "default",
		},
		{
			name:  "ambiguous shipping request clarifies",
			sig:   Signal{Text: "ship something", Interactive: true, SourceConnected: true},
			route: RouteClarify, rule: "ambiguous_with_source",
		},
		{
			name:  "ambiguous without a source goes to agent",
			sig:   Signal{Text: "ship something", Interactive: true},
			route: RouteAgent, rule: "default",
		},
		{
			name:  "explicit single shipment goes to agent",
			sig:   Signal{Text: "ship a box to 78701", Interactive: true, SourceConnected: true},
			route: RouteAgent, rule: "default",
		},
		{
			name:  "pending confirmation with unrelated text goes to agent",
			sig:   Signal{Text: "how much will that cost?", PendingConfirmation: true},
			route: RouteAgent, rule: "default",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := table.Route(tt.sig)
			assert.Equal(t, tt.route, d.Route)
			assert.Equal(t, tt.rule, d.Rule)
			assert.Equal(t, tt.noInter, d.DisableInteractive)
			if d.Route == RouteClarify {
				assert.Equal(t, ClarifyQuestion, d.Reply)
			}
		})
	}
}

func TestFirstMatchWins(t *testing.T) {
	table := NewTable(
		Rule{Name: "a", When: func(Signal) bool { return true }, Decision: Decision{Route: RouteClarify}},
		Rule{Name: "b", When: func(Signal) bool { return true }, Decision: Decision{Route: RouteConfirm}},
	)
	d := table.Route(Signal{})
	assert.Equal(t, RouteClarify, d.Route)
	assert.Equal(t, "a", d.Rule)
}
