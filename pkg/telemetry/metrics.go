package telemetry

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Generation sources reported on metrics, events, logs and the ledger.
const (
	SourceHit         = "hit"
	SourceIncremental = "incremental"
	SourceFresh       = "fresh"
	SourceCancelled   = "cancelled"
	SourceFailed      = "failed"
)

// Metrics provides Prometheus metrics for the generator and the cache.
type Metrics struct {
	config MetricsConfig

	// Generation metrics
	generationsStarted   prometheus.Counter
	generationsCompleted *prometheus.CounterVec
	generationDuration   *prometheus.HistogramVec
	activeGenerations    prometheus.Gauge

	// Chunk metrics
	chunksExecuted *prometheus.CounterVec
	chunkDuration  *prometheus.HistogramVec
	kernelSteps    prometheus.Counter
	pixelsComputed prometheus.Counter

	// Cache metrics
	cacheLookups      *prometheus.CounterVec
	cachedArtifacts   prometheus.Gauge
	cacheBytesWritten prometheus.Counter

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// no-op instance, every recorder checks for nil collectors
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		generationsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "generations_started_total",
				Help:      "Total number of generate calls",
			},
		),
		generationsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "generations_completed_total",
				Help:      "Total number of generate calls by source",
			},
			[]string{"source", "precision"},
		),
		generationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "generation_duration_seconds",
				Help:      "Duration of generate calls in seconds",
				Buckets:   buckets,
			},
			[]string{"source"},
		),
		activeGenerations: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_generations",
				Help:      "Current number of generate calls in progress",
			},
		),

		chunksExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chunks_executed_total",
				Help:      "Total number of row chunks iterated",
			},
			[]string{"precision", "status"},
		),
		chunkDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "chunk_duration_seconds",
				Help:      "Duration of a row chunk in seconds",
				Buckets:   buckets,
			},
			[]string{"precision"},
		),
		kernelSteps: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "kernel_steps_total",
				Help:      "Total number of escape-time iterations run across chunks",
			},
		),
		pixelsComputed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pixels_computed_total",
				Help:      "Total number of pixels passed through the kernel",
			},
		),

		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Total number of cache lookups by operation and result",
			},
			[]string{"operation", "result"},
		),
		cachedArtifacts: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cached_artifacts",
				Help:      "Current number of indexed cache artifacts",
			},
		),
		cacheBytesWritten: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_bytes_written_total",
				Help:      "Total number of compressed artifact bytes committed",
			},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.generationsStarted,
		m.generationsCompleted,
		m.generationDuration,
		m.activeGenerations,
		m.chunksExecuted,
		m.chunkDuration,
		m.kernelSteps,
		m.pixelsComputed,
		m.cacheLookups,
		m.cachedArtifacts,
		m.cacheBytesWritten,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

// Generation Metrics

// RecordGenerationStarted increments the started counter and the active gauge.
func (m *Metrics) RecordGenerationStarted() {
	if m == nil || m.generationsStarted == nil {
		return
	}
	m.generationsStarted.Inc()
	m.activeGenerations.Inc()
}

// RecordGenerationCompleted records the outcome of a generate call.
func (m *Metrics) RecordGenerationCompleted(source, precision string, duration time.Duration) {
	if m == nil || m.generationsCompleted == nil {
		return
	}
	m.generationsCompleted.WithLabelValues(source, precision).Inc()
	m.generationDuration.WithLabelValues(source).Observe(duration.Seconds())
	m.activeGenerations.Dec()
}

// Chunk Metrics

// RecordChunk records one row chunk passing through the kernel.
func (m *Metrics) RecordChunk(precision, status string, pixels, steps int, duration time.Duration) {
	if m == nil || m.chunksExecuted == nil {
		return
	}
	m.chunksExecuted.WithLabelValues(precision, status).Inc()
	m.chunkDuration.WithLabelValues(precision).Observe(duration.Seconds())
	m.kernelSteps.Add(float64(steps))
	m.pixelsComputed.Add(float64(pixels))
}

// Cache Metrics

// RecordCacheLookup records a cache lookup. operation is exists, get or closest and
// result is hit, miss or corrupt.
func (m *Metrics) RecordCacheLookup(operation, result string) {
	if m == nil || m.cacheLookups == nil {
		return
	}
	m.cacheLookups.WithLabelValues(operation, result).Inc()
}

// SetCachedArtifacts sets the number of indexed artifacts.
func (m *Metrics) SetCachedArtifacts(count int) {
	if m == nil || m.cachedArtifacts == nil {
		return
	}
	m.cachedArtifacts.Set(float64(count))
}

// RecordCacheWrite records the size of a committed artifact.
func (m *Metrics) RecordCacheWrite(bytes int64) {
	if m == nil || m.cacheBytesWritten == nil {
		return
	}
	m.cacheBytesWritten.Add(float64(bytes))
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Registry returns the underlying registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server exposing the metrics. It returns nil when
// metrics are disabled. Serve errors are reported to logger.
func (m *Metrics) StartMetricsServer(logger *Logger) *http.Server {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server stopped")
		}
	}()

	return server
}
