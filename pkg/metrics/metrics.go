package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Spend and quota metrics
	TenantSpendUSD = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tenant_spend_current_month_usd",
			Help: "Current-month AI spend per tenant in USD",
		},
		[]string{"tenant_id"},
	)

	QuotaRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_rejections_total",
			Help: "Requests rejected by the quota guard",
		},
		[]string{"tier"},
	)

	QuotaThresholdEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_threshold_events_total",
			Help: "Quota threshold notifications enqueued",
		},
		[]string{"threshold"},
	)

	// Rate limit metrics
	RateLimitDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimit_denials_total",
			Help: "Requests denied by the sliding-window rate limiter",
		},
		[]string{"tier"},
	)

	RateAnomalies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimit_anomalies_total",
			Help: "Tenants observed above 2x their plan rate in a 5-minute sub-window",
		},
		[]string{"tier"},
	)

	// Orchestration metrics
	AgentInvocations = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agent_invocation_duration_seconds",
			Help:    "Per-agent invocation duration by outcome",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"agent", "outcome"},
	)

	ProviderRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_retries_total",
			Help: "Retried AI provider calls by agent",
		},
		[]string{"agent"},
	)

	// Gateway metrics
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "HTTP requests by path and status",
		},
		[]string{"path", "status"},
	)

	DependencyUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dependency_up",
			Help: "Health of external dependencies (1 = up)",
		},
		[]string{"dependency"},
	)
)

// ObserveAgent records one agent invocation.
func ObserveAgent(agent, outcome string, seconds float64) {
	AgentInvocations.WithLabelValues(agent, outcome).Observe(seconds)
}
