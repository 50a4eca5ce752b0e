package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all custom Prometheus metrics for the application
type Metrics struct {
	// Chat metrics
	ChatRequests       prometheus.Counter
	ChatRequestLatency prometheus.Histogram
	ChatErrors         *prometheus.CounterVec

	// Upstream metrics
	UpstreamRetries   prometheus.Counter
	UpstreamFallbacks prometheus.Counter

	// Safety metrics
	EmergencyDetections prometheus.Counter

	// Admission metrics
	RateLimitDenials prometheus.Counter

	// Store reference for dynamic metrics
	store *ConversationStore
}

var globalMetrics *Metrics

// InitMetrics initializes the Prometheus metrics
func InitMetrics(store *ConversationStore) *Metrics {
	metrics := &Metrics{
		store: store,

		ChatRequests: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mydoctor_chat_requests_total",
			Help: "Total number of chat requests processed",
		}),

		ChatRequestLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "mydoctor_chat_request_duration_seconds",
			Help:    "Chat request latency in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60}, // LLM calls dominate the tail
		}),

		ChatErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mydoctor_chat_errors_total",
			Help: "Total number of chat errors by type",
		}, []string{"error_type"}),

		UpstreamRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mydoctor_upstream_retries_total",
			Help: "Total number of retried upstream calls after a 429",
		}),

		UpstreamFallbacks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mydoctor_upstream_vision_fallbacks_total",
			Help: "Total number of vision requests degraded to text-only",
		}),

		EmergencyDetections: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mydoctor_emergency_detections_total",
			Help: "Total number of messages flagged as medical emergencies",
		}),

		RateLimitDenials: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mydoctor_rate_limit_denials_total",
			Help: "Total number of chat turns denied by the admission limiter",
		}),
	}

	// Live session count, read from the store on scrape.
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "mydoctor_conversations_active",
		Help: "Number of live conversations in the store",
	}, func() float64 {
		return float64(store.Count())
	})

	globalMetrics = metrics
	return metrics
}

// GetMetrics returns the global metrics instance, or nil before InitMetrics.
func GetMetrics() *Metrics {
	return globalMetrics
}
