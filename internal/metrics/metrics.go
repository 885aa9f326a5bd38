// Package metrics collects counters and histograms for the dispatch
// runtime's own lifecycle events: dispatch attempts, budget decisions,
// compaction runs, and interceptor drops. Collection only — no HTTP
// exporter is registered here since the dashboard/metrics-scrape surface
// is out of scope; a caller that wants /metrics can mount promhttp.Handler
// against the Registry itself.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every collector the runtime registers. Callers construct
// one per process and pass it down instead of relying on the global
// prometheus default registry, so tests can use an isolated instance.
type Registry struct {
	reg *prometheus.Registry

	DispatchAttempts  *prometheus.CounterVec
	DispatchDuration  *prometheus.HistogramVec
	BudgetDecisions   *prometheus.CounterVec
	CompactionRuns    *prometheus.CounterVec
	InterceptorDrops  *prometheus.CounterVec
	CircuitBreakerTrips *prometheus.CounterVec
}

// New creates a Registry with all collectors registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	m := &Registry{
		reg: reg,
		DispatchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatchd",
			Name:      "dispatch_attempts_total",
			Help:      "Dispatch attempts by provider, role, and outcome.",
		}, []string{"provider", "role", "outcome"}),
		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dispatchd",
			Name:      "dispatch_duration_seconds",
			Help:      "Wall-clock duration of a single dispatch executor invocation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "role"}),
		BudgetDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatchd",
			Name:      "budget_decisions_total",
			Help:      "Budget guard decisions by verdict (allow, deny, degrade, queue).",
		}, []string{"verdict"}),
		CompactionRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatchd",
			Name:      "compaction_runs_total",
			Help:      "Prompt compaction passes by whether they reduced token count.",
		}, []string{"reduced"}),
		InterceptorDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatchd",
			Name:      "interceptor_drops_total",
			Help:      "Requests rejected by the interception chain, by rule name.",
		}, []string{"rule"}),
		CircuitBreakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatchd",
			Name:      "circuit_breaker_trips_total",
			Help:      "Dispatches rejected by a provider circuit breaker, by provider and state.",
		}, []string{"provider", "state"}),
	}

	reg.MustRegister(
		m.DispatchAttempts,
		m.DispatchDuration,
		m.BudgetDecisions,
		m.CompactionRuns,
		m.InterceptorDrops,
		m.CircuitBreakerTrips,
	)
	return m
}

// Gatherer exposes the underlying registry for a caller that wants to mount
// promhttp.HandlerFor against it.
func (m *Registry) Gatherer() prometheus.Gatherer {
	return m.reg
}

// ObserveDispatch records the outcome and duration of one dispatch attempt.
func (m *Registry) ObserveDispatch(provider, role, outcome string, seconds float64) {
	m.DispatchAttempts.WithLabelValues(provider, role, outcome).Inc()
	m.DispatchDuration.WithLabelValues(provider, role).Observe(seconds)
}

// ObserveBudgetDecision records one budget guard verdict.
func (m *Registry) ObserveBudgetDecision(verdict string) {
	m.BudgetDecisions.WithLabelValues(verdict).Inc()
}

// ObserveCompaction records one prompt-compaction pass.
func (m *Registry) ObserveCompaction(reduced bool) {
	label := "false"
	if reduced {
		label = "true"
	}
	m.CompactionRuns.WithLabelValues(label).Inc()
}

// ObserveInterceptorDrop records one interception-chain rejection.
func (m *Registry) ObserveInterceptorDrop(rule string) {
	m.InterceptorDrops.WithLabelValues(rule).Inc()
}

// ObserveBreakerTrip records one dispatch rejected by a provider circuit
// breaker.
func (m *Registry) ObserveBreakerTrip(provider, state string) {
	m.CircuitBreakerTrips.WithLabelValues(provider, state).Inc()
}
