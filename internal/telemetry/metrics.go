// Package telemetry provides observability primitives for the gateway.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	UpstreamDuration *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec
	CacheHits        *prometheus.CounterVec
	CacheMisses      *prometheus.CounterVec
	CacheTTLSeconds  *prometheus.GaugeVec
	RateLimitRejects *prometheus.CounterVec
	TokensProcessed  *prometheus.CounterVec
	LogQueueLength   prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "routex",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "routex",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "routex",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "routex",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream vendor call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"vendor", "model"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "routex",
			Name:      "upstream_errors_total",
			Help:      "Total upstream vendor errors.",
		}, []string{"vendor", "status"}),

		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "routex",
			Name:      "cache_hits_total",
			Help:      "Total cache hits per class.",
		}, []string{"class"}),

		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "routex",
			Name:      "cache_misses_total",
			Help:      "Total cache misses per class.",
		}, []string{"class"}),

		CacheTTLSeconds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "routex",
			Name:      "cache_ttl_seconds",
			Help:      "Current adaptive TTL per cache class.",
		}, []string{"class"}),

		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "routex",
			Name:      "ratelimit_rejects_total",
			Help:      "Total rate limit rejections.",
		}, []string{"preset"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "routex",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"model", "type"}),

		LogQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "routex",
			Name:      "log_queue_length",
			Help:      "Current number of queued request log records.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.CacheHits,
		m.CacheMisses,
		m.CacheTTLSeconds,
		m.RateLimitRejects,
		m.TokensProcessed,
		m.LogQueueLength,
	)

	return m
}

// ObserveRequest implements the proxy observer contract.
func (m *Metrics) ObserveRequest(vendor, model string, status int, latency time.Duration) {
	m.UpstreamDuration.WithLabelValues(vendor, model).Observe(latency.Seconds())
	if status >= 400 {
		m.UpstreamErrors.WithLabelValues(vendor, statusLabel(status)).Inc()
	}
}

// ObserveTokens implements the proxy observer contract.
func (m *Metrics) ObserveTokens(model string, input, output int) {
	m.TokensProcessed.WithLabelValues(model, "input").Add(float64(input))
	m.TokensProcessed.WithLabelValues(model, "output").Add(float64(output))
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status == 429:
		return "429"
	case status >= 400:
		return "4xx"
	default:
		return "other"
	}
}
