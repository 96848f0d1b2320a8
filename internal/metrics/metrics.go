// Package metrics exposes the kernel's Prometheus counters and
// histograms behind the /api/metrics HTTP surface.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every metric the kernel emits so callers pass one
// value around instead of a dozen separate counters.
type Registry struct {
	DispatchTotal      *prometheus.CounterVec
	DispatchDuration   *prometheus.HistogramVec
	NodeExecutions     *prometheus.CounterVec
	FSMConflicts       prometheus.Counter
	RetriesScheduled   *prometheus.CounterVec
	SessionsActive     prometheus.Gauge
	FanInBlocked       prometheus.Counter
	AgentTurns         *prometheus.CounterVec
	SSEConnectionsOpen prometheus.Gauge
}

// New registers every metric against reg and returns the bundle. Pass
// prometheus.NewRegistry() in tests to avoid colliding with the
// package-level default registry across parallel test runs.
func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		DispatchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kernel",
			Name:      "dispatch_total",
			Help:      "Total number of Dispatcher.Dispatch invocations by trigger event type.",
		}, []string{"event_type"}),

		DispatchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kernel",
			Name:      "dispatch_duration_seconds",
			Help:      "Latency of one Dispatcher chained-transition run.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),

		NodeExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kernel",
			Name:      "node_executions_total",
			Help:      "Total node executions by node ref and result status.",
		}, []string{"node_ref", "status"}),

		FSMConflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "kernel",
			Name:      "fsm_conflicts_total",
			Help:      "Total optimistic-concurrency conflicts observed during atomic FSM advance.",
		}),

		RetriesScheduled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kernel",
			Name:      "retries_scheduled_total",
			Help:      "Total node retries scheduled by RetryPolicy, by node ref.",
		}, []string{"node_ref"}),

		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "kernel",
			Name:      "sessions_active",
			Help:      "Number of sessions not in a terminal state.",
		}),

		FanInBlocked: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "kernel",
			Name:      "fanin_blocked_total",
			Help:      "Total transitions parked waiting on fan-in prerequisites.",
		}),

		AgentTurns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kernel",
			Name:      "agent_turns_total",
			Help:      "Total agent controller decision-loop turns, by outcome.",
		}, []string{"outcome"}),

		SSEConnectionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "kernel",
			Name:      "sse_connections_open",
			Help:      "Number of currently open agent chat SSE connections.",
		}),
	}
}

// Handler returns the HTTP handler for /api/metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
