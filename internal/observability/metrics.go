package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the relay service.
type Metrics struct {
	ActiveCalls       prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	RelayMessages     *prometheus.CounterVec
	CacheLookups      *prometheus.CounterVec
	CacheEntries      prometheus.Gauge
	ProviderAttempts  *prometheus.CounterVec
	SilencePrompts    prometheus.Counter
	UtteranceLatency  prometheus.Histogram
	DegradationAlerts *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveCalls: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Number of live call sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		RelayMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_messages_total",
			Help:      "Relay channel messages by direction and kind.",
		}, []string{"direction", "kind"}),
		CacheLookups: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Response cache lookups by tier and result.",
		}, []string{"tier", "result"}),
		CacheEntries: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Live response cache entries.",
		}),
		ProviderAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_attempts_total",
			Help:      "Failover provider attempts by language, provider and outcome.",
		}, []string{"language", "provider", "outcome"}),
		SilencePrompts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "silence_prompts_total",
			Help:      "Re-engagement prompts sent after silence timeouts.",
		}),
		UtteranceLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "utterance_latency_ms",
			Help:      "End-to-end utterance processing latency in milliseconds.",
			Buckets:   []float64{50, 100, 200, 300, 500, 700, 1000, 2000, 5000},
		}),
		DegradationAlerts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degradation_alerts_total",
			Help:      "Degradation alerts by source.",
		}, []string{"source"}),
	}
}

func (m *Metrics) ObserveUtteranceLatency(d time.Duration) {
	m.UtteranceLatency.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
