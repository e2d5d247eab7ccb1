package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the indexer
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsStarted   prometheus.Counter
	SessionsCompleted prometheus.Counter
	SessionsFailed    *prometheus.CounterVec
	SessionsByState   *prometheus.GaugeVec

	// Chunk metrics
	ChunksCompleted prometheus.Counter
	ChunksFailed    prometheus.Counter
	ChunkSplits     prometheus.Counter
	ChunkDuration   prometheus.Histogram

	// RPC metrics
	RPCCalls        *prometheus.CounterVec
	RPCFailures     *prometheus.CounterVec
	RPCLatency      *prometheus.HistogramVec
	CircuitState    *prometheus.GaugeVec
	HealthyEndpoints *prometheus.GaugeVec

	// Storage metrics
	StorageWriteDuration prometheus.Histogram
	StorageWriteFailures prometheus.Counter
}

// NewMetrics creates an indexer metrics set on a fresh registry
func NewMetrics(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Indexing sessions started",
		}),
		SessionsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_completed_total",
			Help:      "Indexing sessions completed successfully",
		}),
		SessionsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_failed_total",
			Help:      "Indexing sessions that reached a failure state",
		}, []string{"code"}),
		SessionsByState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_by_state",
			Help:      "Live sessions per state",
		}, []string{"state"}),

		ChunksCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_completed_total",
			Help:      "Chunks fetched, validated and persisted",
		}),
		ChunksFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_failed_total",
			Help:      "Chunk executions that failed",
		}),
		ChunkSplits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_splits_total",
			Help:      "Chunk halvings caused by provider overflow responses",
		}),
		ChunkDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chunk_duration_seconds",
			Help:      "Wall time to execute one chunk",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),

		RPCCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_calls_total",
			Help:      "JSON-RPC calls issued, per chain and endpoint",
		}, []string{"chain", "endpoint"}),
		RPCFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_failures_total",
			Help:      "JSON-RPC calls that failed, per chain and endpoint",
		}, []string{"chain", "endpoint"}),
		RPCLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_latency_seconds",
			Help:      "JSON-RPC round-trip latency",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"chain", "endpoint"}),
		CircuitState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Circuit breaker state per endpoint (0 closed, 1 open, 2 half-open)",
		}, []string{"chain", "endpoint"}),
		HealthyEndpoints: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "healthy_endpoints",
			Help:      "Healthy endpoints per chain",
		}, []string{"chain"}),

		StorageWriteDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_write_duration_seconds",
			Help:      "Latency of repository writes",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		StorageWriteFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_write_failures_total",
			Help:      "Repository writes that failed after retries",
		}),
	}
}

// Handler returns an HTTP handler serving the registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
