package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Recommendation gateway calls by operation and outcome (ok, fallback, error, open).
	GatewayCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "helpdesk",
			Subsystem: "gateway",
			Name:      "calls_total",
			Help:      "Total recommendation gateway calls",
		},
		[]string{"op", "outcome"},
	)

	GatewayLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "helpdesk",
			Subsystem: "gateway",
			Name:      "latency_seconds",
			Help:      "Recommendation gateway call latency in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"op"},
	)

	GatewayTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "helpdesk",
			Subsystem: "gateway",
			Name:      "tokens_total",
			Help:      "Tokens reported by the language model backend",
		},
		[]string{"direction"},
	)

	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "helpdesk",
			Subsystem: "jobs",
			Name:      "processed_total",
			Help:      "Background jobs by kind and final status",
		},
		[]string{"kind", "status"},
	)

	ClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "helpdesk",
			Subsystem: "routing",
			Name:      "claims_total",
			Help:      "Claim attempts by result",
		},
		[]string{"result"},
	)

	SummaryCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "helpdesk",
			Subsystem: "routing",
			Name:      "summary_cache_total",
			Help:      "Conversation summary cache lookups",
		},
		[]string{"result"},
	)
)

// Handler returns the Prometheus metrics handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordGatewayCall records one gateway call.
func RecordGatewayCall(op, outcome string, latency time.Duration) {
	GatewayCallsTotal.WithLabelValues(op, outcome).Inc()
	GatewayLatency.WithLabelValues(op).Observe(latency.Seconds())
}

// RecordTokens adds backend token usage.
func RecordTokens(input, output int) {
	if input > 0 {
		GatewayTokensTotal.WithLabelValues("input").Add(float64(input))
	}
	if output > 0 {
		GatewayTokensTotal.WithLabelValues("output").Add(float64(output))
	}
}

// RecordJob records a job outcome.
func RecordJob(kind, status string) {
	JobsTotal.WithLabelValues(kind, status).Inc()
}

// RecordClaim records a claim attempt (claimed, conflict, not_found, limited).
func RecordClaim(result string) {
	ClaimsTotal.WithLabelValues(result).Inc()
}

// RecordSummaryCache records a summary cache hit or miss.
func RecordSummaryCache(hit bool) {
	if hit {
		SummaryCacheTotal.WithLabelValues("hit").Inc()
		return
	}
	SummaryCacheTotal.WithLabelValues("miss").Inc()
}
