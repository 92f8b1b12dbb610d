package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/opencode-ai/gateway/internal/domain"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of requests processed",
		},
		[]string{"workspace_id", "provider", "model", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"workspace_id", "provider", "model"},
	)

	TimeToFirstByte = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_time_to_first_byte_seconds",
			Help:    "Time until the first upstream stream record arrives",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"provider", "model"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_tokens_total",
			Help: "Total number of tokens processed",
		},
		[]string{"workspace_id", "provider", "model", "type"},
	)

	CostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_cost_micro_cents_total",
			Help: "Total billed cost in micro-cents",
		},
		[]string{"workspace_id", "provider", "model"},
	)

	ProviderRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_provider_retries_total",
			Help: "Total number of failover retries per provider",
		},
		[]string{"provider"},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_rate_limit_hits_total",
			Help: "Total number of rate limit rejections",
		},
		[]string{"model"},
	)

	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_active_streams",
			Help: "Number of active streaming connections",
		},
	)
)

func RecordRequest(workspaceID, provider, model, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(workspaceID, provider, model, status).Inc()
	RequestDuration.WithLabelValues(workspaceID, provider, model).Observe(durationSec)
}

func RecordTimeToFirstByte(provider, model string, seconds float64) {
	TimeToFirstByte.WithLabelValues(provider, model).Observe(seconds)
}

func RecordTokens(workspaceID, provider, model string, usage domain.TokenUsage) {
	labels := func(class string) prometheus.Counter {
		return TokensTotal.WithLabelValues(workspaceID, provider, model, class)
	}
	labels("input").Add(float64(usage.InputTokens))
	labels("output").Add(float64(usage.OutputTokens))
	labels("reasoning").Add(float64(usage.ReasoningTokens))
	labels("cache_read").Add(float64(usage.CacheReadTokens))
	labels("cache_write_5m").Add(float64(usage.CacheWrite5mTokens))
	labels("cache_write_1h").Add(float64(usage.CacheWrite1hTokens))
}

func RecordCost(workspaceID, provider, model string, microCents int64) {
	CostTotal.WithLabelValues(workspaceID, provider, model).Add(float64(microCents))
}

func RecordRetry(provider string) {
	ProviderRetries.WithLabelValues(provider).Inc()
}

func RecordRateLimitHit(model string) {
	RateLimitHits.WithLabelValues(model).Inc()
}

func IncrementActiveStreams() {
	ActiveStreams.Inc()
}

func DecrementActiveStreams() {
	ActiveStreams.Dec()
}
