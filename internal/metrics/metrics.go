package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var totalTokens atomic.Int64

var (
	GeneratedTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arbalest_generated_tokens_total",
		Help: "The total number of tokens generated",
	})

	StepDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "arbalest_step_duration_seconds",
		Help: "Duration of single decoding steps",
	})

	PrefillDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "arbalest_prefill_duration_seconds",
		Help:    "Duration of the prompt prefill phase",
		Buckets: prometheus.DefBuckets,
	})

	FirstTokenLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "arbalest_first_token_latency_seconds",
		Help:    "Latency from generation start to the first sampled token",
		Buckets: prometheus.DefBuckets,
	})

	KVCacheCapacityBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arbalest_kv_cache_capacity_bytes",
		Help: "Total bytes reserved for the attention cache",
	})

	KVCacheUsedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arbalest_kv_cache_used_bytes",
		Help: "Bytes of the attention cache currently holding positions",
	})

	KVCacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arbalest_kv_cache_evictions_total",
		Help: "Positions evicted by the sliding window policy",
	})

	KVCacheResets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arbalest_kv_cache_resets_total",
		Help: "Logical truncations of the attention cache to length zero",
	})

	UnsupportedEncodings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbalest_unsupported_encodings_total",
		Help: "Dequantization requests for unrecognized encoding tags",
	}, []string{"encoding"})

	ParseFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbalest_parse_failures_total",
		Help: "Model buffer parse failures by reason",
	}, []string{"reason"})

	ContextLength = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "arbalest_context_length_tokens",
		Help:    "Distribution of context lengths reached during generation",
		Buckets: []float64{64, 256, 1024, 2048, 4096, 8192, 16384, 32768},
	})
)

// RecordStep updates the token counter and step latency for one decoded token.
func RecordStep(tokens int, d time.Duration) {
	totalTokens.Add(int64(tokens))
	GeneratedTokensTotal.Add(float64(tokens))
	StepDuration.Observe(d.Seconds())
}

// RecordKVCacheStats records capacity and used bytes for the attention cache.
func RecordKVCacheStats(capacityBytes, usedBytes int64) {
	KVCacheCapacityBytes.Set(float64(capacityBytes))
	KVCacheUsedBytes.Set(float64(usedBytes))
}

// RecordEviction counts positions dropped by the sliding window.
func RecordEviction(count int) {
	if count > 0 {
		KVCacheEvictions.Add(float64(count))
	}
}

// RecordUnsupportedEncoding counts a decode request for an unknown tag.
func RecordUnsupportedEncoding(name string) {
	UnsupportedEncodings.WithLabelValues(name).Inc()
}

// RecordParseFailure counts a model buffer rejection.
func RecordParseFailure(reason string) {
	ParseFailures.WithLabelValues(reason).Inc()
}

// TotalTokens returns the number of tokens generated since process start.
func TotalTokens() int64 {
	return totalTokens.Load()
}
