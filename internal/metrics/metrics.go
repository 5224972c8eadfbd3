package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmcall_requests_total",
			Help: "Total number of model invocations",
		},
		[]string{"adapter", "model", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llmcall_request_duration_seconds",
			Help:    "Model invocation duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"adapter", "model"},
	)

	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmcall_cache_hits_total",
			Help: "Total number of response cache hits",
		},
		[]string{"model"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmcall_cache_misses_total",
			Help: "Total number of response cache misses",
		},
		[]string{"model"},
	)

	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmcall_retries_total",
			Help: "Total number of transient-failure retries",
		},
		[]string{"adapter", "model"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmcall_tokens_total",
			Help: "Total number of tokens processed",
		},
		[]string{"adapter", "model", "type"},
	)

	CostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmcall_cost_usd_total",
			Help: "Total settled cost in USD",
		},
		[]string{"adapter", "model"},
	)

	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "llmcall_active_streams",
			Help: "Number of in-flight streaming responses",
		},
	)
)

func RecordRequest(adapter, modelName, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(adapter, modelName, status).Inc()
	RequestDuration.WithLabelValues(adapter, modelName).Observe(durationSec)
}

func RecordCacheHit(modelName string) {
	CacheHits.WithLabelValues(modelName).Inc()
}

func RecordCacheMiss(modelName string) {
	CacheMisses.WithLabelValues(modelName).Inc()
}

func RecordRetry(adapter, modelName string) {
	RetriesTotal.WithLabelValues(adapter, modelName).Inc()
}

func RecordTokens(adapter, modelName string, inputTokens, outputTokens int) {
	TokensTotal.WithLabelValues(adapter, modelName, "input").Add(float64(inputTokens))
	TokensTotal.WithLabelValues(adapter, modelName, "output").Add(float64(outputTokens))
}

func RecordCost(adapter, modelName string, costUSD float64) {
	CostTotal.WithLabelValues(adapter, modelName).Add(costUSD)
}
