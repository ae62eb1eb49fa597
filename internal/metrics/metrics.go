// Package metrics holds the Prometheus instrumentation for pipeline runs and
// the HTTP surface.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/yourorg/yield-adapters/internal/circuitbreaker"
)

const namespace = "yield_adapters"

// Metrics groups every collector the service exports. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	Runs          *prometheus.CounterVec
	RunDuration   *prometheus.HistogramVec
	PoolsEmitted  *prometheus.GaugeVec
	TVLEmitted    *prometheus.GaugeVec
	Drops         *prometheus.CounterVec
	ChainFailures *prometheus.CounterVec
	RewardLookups *prometheus.CounterVec
	BreakerState  *prometheus.GaugeVec
	GuardTrips    *prometheus.CounterVec

	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New registers the collectors with reg. Pass prometheus.DefaultRegisterer in
// commands and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Pipeline runs by project and outcome.",
		}, []string{"project", "status"}),
		RunDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "run_duration_seconds",
			Help:      "Pipeline run latency in seconds.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"project"}),
		PoolsEmitted: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "pools_emitted",
			Help:      "Records emitted by the last run.",
		}, []string{"project"}),
		TVLEmitted: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "tvl_usd",
			Help:      "Total TVL in USD across records emitted by the last run.",
		}, []string{"project"}),
		Drops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "pools_dropped_total",
			Help:      "Pools dropped by reason.",
		}, []string{"project", "reason"}),
		ChainFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "chain_failures_total",
			Help:      "Chains skipped in a run because a source failed.",
		}, []string{"project", "chain", "reason"}),
		RewardLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rewards",
			Name:      "lookups_total",
			Help:      "Incentive registry lookups by outcome.",
		}, []string{"project", "outcome"}),
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "breaker_state",
			Help:      "Upstream circuit breaker state (0=closed, 1=open, 2=half-open).",
		}, []string{"upstream"}),
		GuardTrips: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "guard",
			Name:      "trips_total",
			Help:      "Batches rejected by the output guard.",
		}, []string{"project"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"route", "status_code"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// ObserveRun records the outcome of one pipeline run
func (m *Metrics) ObserveRun(project string, started time.Time, pools int, tvl float64, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.Runs.WithLabelValues(project, status).Inc()
	m.RunDuration.WithLabelValues(project).Observe(time.Since(started).Seconds())
	if err == nil {
		m.PoolsEmitted.WithLabelValues(project).Set(float64(pools))
		m.TVLEmitted.WithLabelValues(project).Set(tvl)
	}
}

// Dropped counts dropped pools by reason
func (m *Metrics) Dropped(project string, byReason map[string]int) {
	if m == nil {
		return
	}
	for reason, n := range byReason {
		m.Drops.WithLabelValues(project, reason).Add(float64(n))
	}
}

// ChainFailed counts a chain skipped within a run
func (m *Metrics) ChainFailed(project, chain, reason string) {
	if m == nil {
		return
	}
	m.ChainFailures.WithLabelValues(project, chain, reason).Inc()
}

// Rewards records incentive registry outcomes
func (m *Metrics) Rewards(project string, merged, failed, skipped int) {
	if m == nil {
		return
	}
	m.RewardLookups.WithLabelValues(project, "merged").Add(float64(merged))
	m.RewardLookups.WithLabelValues(project, "failed").Add(float64(failed))
	m.RewardLookups.WithLabelValues(project, "skipped").Add(float64(skipped))
}

// GuardTripped counts a rejected batch
func (m *Metrics) GuardTripped(project string) {
	if m == nil {
		return
	}
	m.GuardTrips.WithLabelValues(project).Inc()
}

// SetBreakerStates publishes a snapshot of upstream breaker states
func (m *Metrics) SetBreakerStates(states map[string]circuitbreaker.State) {
	if m == nil {
		return
	}
	for upstream, st := range states {
		m.BreakerState.WithLabelValues(upstream).Set(float64(st))
	}
}
