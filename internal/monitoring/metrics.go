// Package monitoring holds the tile server's Prometheus metrics and
// health-check machinery.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// ServiceName is the service name reported in metrics and health checks.
	ServiceName = "tileserver"
)

var (
	// Cache metrics, one series per tier (l1/l2/l3).
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tileserver_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"tier"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tileserver_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"tier"},
	)

	CacheSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tileserver_cache_size",
			Help: "Current number of entries held per cache tier",
		},
		[]string{"tier"},
	)

	L3BytesEstimate = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tileserver_l3_bytes_estimate",
			Help: "Estimated bytes stored in the L3 object store, from a bounded sample",
		},
	)

	// Pipeline metrics
	PipelineRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tileserver_pipeline_requests_total",
			Help: "Tile pipeline requests by outcome",
		},
		[]string{"outcome"}, // hit, miss, error
	)

	PipelineRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tileserver_pipeline_request_duration_seconds",
			Help:    "Tile pipeline request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 15.0, 45.0},
		},
		[]string{"outcome"},
	)

	// Backend metrics
	BackendRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tileserver_backend_requests_total",
			Help: "Imagery backend requests by operation and status",
		},
		[]string{"operation", "status"}, // lease_layer|fetch_tile, success|rate_limited|error
	)

	BackendRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tileserver_backend_request_duration_seconds",
			Help:    "Imagery backend request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		},
		[]string{"operation"},
	)

	BreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tileserver_circuit_breaker_state",
			Help: "Circuit breaker state: 0=closed, 1=half-open, 2=open",
		},
	)

	// Worker metrics
	WorkerQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tileserver_worker_queue_depth",
			Help: "Number of queued tasks per lane",
		},
		[]string{"queue"},
	)

	WorkerTasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tileserver_worker_tasks_total",
			Help: "Total worker tasks processed by queue and outcome",
		},
		[]string{"queue", "outcome"},
	)

	// Error metrics
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tileserver_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "error_type"},
	)

	// System metrics
	SystemInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tileserver_system_info",
			Help: "System information",
		},
		[]string{"version", "go_version", "build_commit", "build_date"},
	)

	GoRoutines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tileserver_goroutines",
			Help: "Number of goroutines",
		},
	)

	MemoryUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tileserver_memory_usage_bytes",
			Help: "Memory usage in bytes",
		},
	)

	GCRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tileserver_gc_runs_total",
			Help: "Total number of garbage collection runs",
		},
	)
)

// ServiceHealth is the JSON shape returned by the readiness endpoint.
type ServiceHealth struct {
	Service       string                `json:"service"`
	Version       string                `json:"version"`
	Status        string                `json:"status"` // healthy, degraded, unhealthy
	Uptime        time.Duration         `json:"uptime"`
	UptimeSeconds int64                 `json:"uptime_seconds"`
	StartTime     time.Time             `json:"start_time,omitempty"`
	Connections   map[string]ConnStatus `json:"connections"`
}

// ConnStatus is the health of one monitored dependency (L2, L3, catalog,
// backend).
type ConnStatus struct {
	Status    string `json:"status"` // connected, disconnected, error
	Latency   int64  `json:"latency_ms,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// RecordCacheHit/Miss record a cache lookup outcome for the given tier
// (tracing.CacheTierL1/L2/L3).
func RecordCacheHit(tier string) {
	CacheHits.WithLabelValues(tier).Inc()
}

func RecordCacheMiss(tier string) {
	CacheMisses.WithLabelValues(tier).Inc()
}

func UpdateCacheSize(tier string, size int) {
	CacheSize.WithLabelValues(tier).Set(float64(size))
}

func RecordPipelineRequest(outcome string, duration time.Duration) {
	PipelineRequestsTotal.WithLabelValues(outcome).Inc()
	PipelineRequestDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func RecordBackendRequest(operation, status string, duration time.Duration) {
	BackendRequestsTotal.WithLabelValues(operation, status).Inc()
	BackendRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func RecordError(component, errorType string) {
	ErrorsTotal.WithLabelValues(component, errorType).Inc()
}
