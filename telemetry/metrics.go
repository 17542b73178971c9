package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the prometheus instruments emitted across the fix-session
// lifecycle: one counter/gauge/histogram per concern named in spec.md §7.
type Metrics struct {
	SessionsStarted    *prometheus.CounterVec
	SessionsCompleted  *prometheus.CounterVec
	StageDuration      *prometheus.HistogramVec
	FixRetries         *prometheus.HistogramVec
	LLMCost            *prometheus.CounterVec
	LLMTokens          *prometheus.CounterVec
	CircuitBreakerTrip *prometheus.CounterVec
	RateLimitRejects   *prometheus.CounterVec
	ApprovalsPending   prometheus.Gauge
	ActiveSessions     prometheus.Gauge
	LessonsApplied     *prometheus.CounterVec

	once     sync.Once
	registry *prometheus.Registry
}

// NewMetrics registers every instrument against a fresh registry. Pass the
// registry to an HTTP handler (promhttp.HandlerFor) to expose /metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		SessionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_sessions_started_total",
			Help: "Fix sessions started, labeled by issue source.",
		}, []string{"source"}),
		SessionsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_sessions_completed_total",
			Help: "Fix sessions reaching a terminal state, labeled by outcome.",
		}, []string{"outcome"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orchestrator_stage_duration_seconds",
			Help:    "Wall-clock time spent in each fix-session stage.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"stage"}),
		FixRetries: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orchestrator_fix_retries",
			Help:    "Number of strategize/test or CI-repair retries consumed per session.",
			Buckets: prometheus.LinearBuckets(0, 1, 6),
		}, []string{"outcome"}),
		LLMCost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_llm_cost_usd_total",
			Help: "Estimated USD spent on LLM calls, labeled by model.",
		}, []string{"model"}),
		LLMTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_llm_tokens_total",
			Help: "Prompt/completion tokens consumed, labeled by model and kind.",
		}, []string{"model", "kind"}),
		CircuitBreakerTrip: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_circuit_breaker_trips_total",
			Help: "Circuit breaker open transitions, labeled by adapter name.",
		}, []string{"name"}),
		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_rate_limit_rejections_total",
			Help: "Operations rejected by the rate limiter, labeled by operation.",
		}, []string{"operation"}),
		ApprovalsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_approvals_pending",
			Help: "Sessions currently awaiting human approval.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_active_sessions",
			Help: "Sessions currently past queued and not yet terminal.",
		}),
		LessonsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_lessons_applied_total",
			Help: "Lessons surfaced to a strategize stage, labeled by category.",
		}, []string{"category"}),
	}

	reg.MustRegister(
		m.SessionsStarted, m.SessionsCompleted, m.StageDuration, m.FixRetries,
		m.LLMCost, m.LLMTokens, m.CircuitBreakerTrip, m.RateLimitRejects,
		m.ApprovalsPending, m.ActiveSessions, m.LessonsApplied,
	)

	return m
}

// Registry returns the prometheus registry backing these instruments, for
// mounting under the HTTP control API's /metrics endpoint.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
