// Package metrics provides Prometheus metrics collection for the bundler.
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/forgepack/forge/infrastructure/runtime"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// HTTP metrics (live-reload dev server)
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Build metrics
	AssetsCompiledTotal *prometheus.CounterVec
	CompileDuration     *prometheus.HistogramVec
	BuildsTotal         *prometheus.CounterVec
	BuildDuration       prometheus.Histogram

	// Cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Worker pool metrics
	WorkersActive prometheus.Gauge
	QueueDepth    prometheus.Gauge

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance with all collectors registered.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry.
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors",
			},
			[]string{"service", "type", "operation"},
		),

		AssetsCompiledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assets_compiled_total",
				Help: "Total number of assets compiled by the worker pool",
			},
			[]string{"service", "type", "status"},
		),
		CompileDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "asset_compile_duration_seconds",
				Help:    "Asset compile duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"service", "type"},
		),
		BuildsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "builds_total",
				Help: "Total number of bundle() passes",
			},
			[]string{"service", "status"},
		),
		BuildDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "build_duration_seconds",
				Help:    "Full bundle() pass duration in seconds",
				Buckets: []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 30, 60},
			},
		),

		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "compile_cache_hits_total",
				Help: "Total number of compile cache hits",
			},
			[]string{"service"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "compile_cache_misses_total",
				Help: "Total number of compile cache misses",
			},
			[]string{"service"},
		),

		WorkersActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "worker_pool_active",
				Help: "Current number of busy compile workers",
			},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "build_queue_depth",
				Help: "Current number of assets queued for processing",
			},
		),

		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Service information",
			},
			[]string{"service", "version", "environment"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ErrorsTotal,
			m.AssetsCompiledTotal,
			m.CompileDuration,
			m.BuildsTotal,
			m.BuildDuration,
			m.CacheHitsTotal,
			m.CacheMissesTotal,
			m.WorkersActive,
			m.QueueDepth,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)

	return m
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an error.
func (m *Metrics) RecordError(service, errorType, operation string) {
	m.ErrorsTotal.WithLabelValues(service, errorType, operation).Inc()
}

// RecordCompile records one asset compile, successful or failed.
func (m *Metrics) RecordCompile(service, assetType, status string, duration time.Duration) {
	m.AssetsCompiledTotal.WithLabelValues(service, assetType, status).Inc()
	m.CompileDuration.WithLabelValues(service, assetType).Observe(duration.Seconds())
}

// RecordBuild records one bundle() pass.
func (m *Metrics) RecordBuild(service, status string, duration time.Duration) {
	m.BuildsTotal.WithLabelValues(service, status).Inc()
	m.BuildDuration.Observe(duration.Seconds())
}

// RecordCacheHit records a compile cache hit.
func (m *Metrics) RecordCacheHit(service string) {
	m.CacheHitsTotal.WithLabelValues(service).Inc()
}

// RecordCacheMiss records a compile cache miss.
func (m *Metrics) RecordCacheMiss(service string) {
	m.CacheMissesTotal.WithLabelValues(service).Inc()
}

// SetWorkersActive sets the number of currently busy compile workers.
func (m *Metrics) SetWorkersActive(count int) {
	m.WorkersActive.Set(float64(count))
}

// SetQueueDepth sets the number of assets currently queued.
func (m *Metrics) SetQueueDepth(count int) {
	m.QueueDepth.Set(float64(count))
}

// UpdateUptime updates the service uptime.
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight increments the in-flight requests counter.
func (m *Metrics) IncrementInFlight() {
	m.RequestsInFlight.Inc()
}

// DecrementInFlight decrements the in-flight requests counter.
func (m *Metrics) DecrementInFlight() {
	m.RequestsInFlight.Dec()
}

// Helper functions

func getEnvironment() string {
	return string(runtime.Env())
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
// - production: disabled unless explicitly enabled via METRICS_ENABLED
// - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return !runtime.IsProduction()
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Global metrics instance
var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance.
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
