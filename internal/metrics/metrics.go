// Package metrics exposes runtime counters on a dedicated prometheus
// registry. Registry implements the observer interfaces of the policy,
// capability, session and batch packages.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shipflow-core/server/internal/agent/batch"
	"github.com/shipflow-core/server/internal/agent/capability"
	"github.com/shipflow-core/server/internal/agent/policy"
	"github.com/shipflow-core/server/internal/agent/session"
	"github.com/shipflow-core/server/internal/agent/stream"
)

const namespace = "shipflow"

type Registry struct {
	reg *prometheus.Registry

	policyDecisions *prometheus.CounterVec
	toolDispatches  *prometheus.CounterVec
	toolAttempts    *prometheus.HistogramVec
	sessionRebuilds prometheus.Counter
	sessionEvicts   prometheus.Counter
	batchStates     *prometheus.CounterVec
	events          *prometheus.CounterVec
}

func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		policyDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_decisions_total",
			Help:      "Tool authorization decisions by tool and verdict.",
		}, []string{"tool", "verdict", "rule"}),
		toolDispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_dispatches_total",
			Help:      "Capability dispatches by tool and outcome.",
		}, []string{"tool", "ok"}),
		toolAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_dispatch_attempts",
			Help:      "Attempts per capability dispatch.",
			Buckets:   []float64{1, 2, 3, 5},
		}, []string{"tool"}),
		sessionRebuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_rebuilds_total",
			Help:      "Agent rebuilds after a fingerprint change.",
		}),
		sessionEvicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_evictions_total",
			Help:      "Sessions evicted after idling.",
		}),
		batchStates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_transitions_total",
			Help:      "Batch state transitions by target state.",
		}, []string{"from", "to"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Conversation events published by type.",
		}, []string{"type"}),
	}
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.policyDecisions, r.toolDispatches, r.toolAttempts,
		r.sessionRebuilds, r.sessionEvicts, r.batchStates, r.events,
	)
	return r
}

func (r *Registry) PolicyDecided(tool string, v policy.Verdict) {
	verdict := "allow"
	if !v.Allowed {
		verdict = "deny"
	}
	r.policyDecisions.WithLabelValues(tool, verdict, v.Rule).Inc()
}

func (r *Registry) ToolDispatched(tool string, ok bool, attempts int) {
	r.toolDispatches.WithLabelValues(tool, strconv.FormatBool(ok)).Inc()
	r.toolAttempts.WithLabelValues(tool).Observe(float64(attempts))
}

func (r *Registry) SessionRebuilt(string) { r.sessionRebuilds.Inc() }

func (r *Registry) SessionEvicted(string) { r.sessionEvicts.Inc() }

func (r *Registry) BatchTransition(from, to batch.State) {
	r.batchStates.WithLabelValues(string(from), string(to)).Inc()
}

// EventPublished is meant for stream.WithPublishHook.
func (r *Registry) EventPublished(ev stream.Event) {
	r.events.WithLabelValues(string(ev.Type)).Inc()
}

// Handler serves the registry in the prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Gatherer is exposed for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

var (
	_ policy.DecisionObserver     = (*Registry)(nil)
	_ capability.DispatchObserver = (*Registry)(nil)
	_ session.Observer            = (*Registry)(nil)
	_ batch.Observer              = (*Registry)(nil)
)
