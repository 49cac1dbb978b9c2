package service

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/election-sync/internal/models"
)

// MetricsSnapshot is a lightweight view of the collectors for status endpoints.
type MetricsSnapshot struct {
	CacheHitRatio            float64   `json:"cache_hit_ratio"`
	CacheHits                uint64    `json:"cache_hits"`
	CacheMisses              uint64    `json:"cache_misses"`
	RequestsTotal            uint64    `json:"requests_total"`
	AverageRequestDurationMs float64   `json:"average_request_duration_ms"`
	SyncCycles               uint64    `json:"sync_cycles"`
	SyncCycleFailures        uint64    `json:"sync_cycle_failures"`
	Goroutines               int       `json:"goroutines"`
	GeneratedAt              time.Time `json:"generated_at"`
}

// MetricsService encapsulates Prometheus instrumentation and provides lightweight snapshots for API consumption.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	cacheLatency    prometheus.Observer
	cacheWrite      prometheus.Observer
	cacheHitRatio   prometheus.Gauge
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	dbQueryDuration *prometheus.HistogramVec

	syncCycles        *prometheus.CounterVec
	syncCycleDuration *prometheus.HistogramVec
	syncBatches       *prometheus.CounterVec
	syncChanges       *prometheus.CounterVec
	queueEntries      *prometheus.GaugeVec
	reconciled        *prometheus.CounterVec

	cacheHitCount        uint64
	cacheMissCount       uint64
	requestCount         uint64
	requestDurationTotal uint64
	cycleCount           uint64
	cycleFailureCount    uint64
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	cacheLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_latency_seconds",
		Help:    "Latency for cache operations",
		Buckets: prometheus.DefBuckets,
	})

	cacheWrite := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_write_seconds",
		Help:    "Latency for cache set operations",
		Buckets: prometheus.DefBuckets,
	})

	cacheHitRatio := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cache_hit_ratio",
		Help: "Ratio of cache hits to total cache lookups",
	})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Total cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Total cache misses",
	})

	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "db_query_duration_seconds",
		Help:    "Duration of database queries",
		Buckets: prometheus.DefBuckets,
	}, []string{"query"})

	syncCycles := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_cycles_total",
		Help: "Sync engine cycles by kind and result",
	}, []string{"kind", "result"})

	syncCycleDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sync_cycle_duration_seconds",
		Help:    "Duration of sync engine cycles",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"kind"})

	syncBatches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_push_batches_total",
		Help: "Push batches by cycle kind and transport result",
	}, []string{"kind", "result"})

	syncChanges := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_changes_total",
		Help: "Changes handled by direction and outcome",
	}, []string{"direction", "outcome"})

	queueEntries := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sync_queue_entries",
		Help: "Durable queue entries by status",
	}, []string{"status"})

	reconciled := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_reconciled_changes_total",
		Help: "Server-side reconciliation outcomes",
	}, []string{"entity_type", "outcome"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, cacheLatency, cacheWrite, cacheHitRatio, cacheHits, cacheMisses, dbQueryDuration,
		syncCycles, syncCycleDuration, syncBatches, syncChanges, queueEntries, reconciled, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:          registry,
		handler:           handler,
		requestDuration:   requestDuration,
		requestTotal:      requestTotal,
		cacheLatency:      cacheLatency,
		cacheWrite:        cacheWrite,
		cacheHitRatio:     cacheHitRatio,
		cacheHits:         cacheHits,
		cacheMisses:       cacheMisses,
		dbQueryDuration:   dbQueryDuration,
		syncCycles:        syncCycles,
		syncCycleDuration: syncCycleDuration,
		syncBatches:       syncBatches,
		syncChanges:       syncChanges,
		queueEntries:      queueEntries,
		reconciled:        reconciled,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics and aggregates simple stats for snapshots.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
	atomic.AddUint64(&m.requestCount, 1)
	atomic.AddUint64(&m.requestDurationTotal, uint64(duration.Nanoseconds()))
}

// RecordCacheOperation records cache hit/miss metrics and updates hit ratio.
func (m *MetricsService) RecordCacheOperation(hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	if m.cacheLatency != nil {
		m.cacheLatency.Observe(duration.Seconds())
	}
	if hit {
		m.cacheHits.Inc()
		atomic.AddUint64(&m.cacheHitCount, 1)
	} else {
		m.cacheMisses.Inc()
		atomic.AddUint64(&m.cacheMissCount, 1)
	}
	hits := atomic.LoadUint64(&m.cacheHitCount)
	misses := atomic.LoadUint64(&m.cacheMissCount)
	total := hits + misses
	if total > 0 {
		m.cacheHitRatio.Set(float64(hits) / float64(total))
	}
}

// ObserveCacheWrite tracks the duration for cache write operations.
func (m *MetricsService) ObserveCacheWrite(duration time.Duration) {
	if m == nil || m.cacheWrite == nil {
		return
	}
	m.cacheWrite.Observe(duration.Seconds())
}

// ObserveDBQuery records database query timing.
func (m *MetricsService) ObserveDBQuery(label string, duration time.Duration) {
	if m == nil {
		return
	}
	m.dbQueryDuration.WithLabelValues(label).Observe(duration.Seconds())
}

// ObserveSyncCycle records one engine cycle.
func (m *MetricsService) ObserveSyncCycle(kind models.CycleKind, duration time.Duration, success bool) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
		atomic.AddUint64(&m.cycleFailureCount, 1)
	}
	atomic.AddUint64(&m.cycleCount, 1)
	m.syncCycles.WithLabelValues(string(kind), result).Inc()
	m.syncCycleDuration.WithLabelValues(string(kind)).Observe(duration.Seconds())
}

// ObservePushBatch counts a transmitted batch.
func (m *MetricsService) ObservePushBatch(kind models.CycleKind, result string) {
	if m == nil {
		return
	}
	m.syncBatches.WithLabelValues(string(kind), result).Inc()
}

// AddSyncChanges counts changes by direction (push, pull) and outcome.
func (m *MetricsService) AddSyncChanges(direction, outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.syncChanges.WithLabelValues(direction, outcome).Add(float64(n))
}

// SetQueueCounters publishes the queue gauges.
func (m *MetricsService) SetQueueCounters(c models.QueueCounters) {
	if m == nil {
		return
	}
	m.queueEntries.WithLabelValues(string(models.QueueStatusPending)).Set(float64(c.Pending))
	m.queueEntries.WithLabelValues(string(models.QueueStatusRetryScheduled)).Set(float64(c.RetryScheduled))
	m.queueEntries.WithLabelValues(string(models.QueueStatusDependencyConflict)).Set(float64(c.DependencyConflict))
	m.queueEntries.WithLabelValues(string(models.QueueStatusFailed)).Set(float64(c.Failed))
}

// ObserveReconciled counts a server-side reconciliation outcome.
func (m *MetricsService) ObserveReconciled(entityType models.EntityType, outcome string) {
	if m == nil {
		return
	}
	m.reconciled.WithLabelValues(string(entityType), outcome).Inc()
}

// Snapshot returns aggregated metrics suitable for status endpoints.
func (m *MetricsService) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	hits := atomic.LoadUint64(&m.cacheHitCount)
	misses := atomic.LoadUint64(&m.cacheMissCount)
	requests := atomic.LoadUint64(&m.requestCount)
	reqDuration := atomic.LoadUint64(&m.requestDurationTotal)

	var cacheRatio float64
	if total := hits + misses; total > 0 {
		cacheRatio = float64(hits) / float64(total)
	}

	var avgRequestMs float64
	if requests > 0 {
		avgRequestMs = float64(reqDuration) / float64(requests) / float64(time.Millisecond)
	}

	return MetricsSnapshot{
		CacheHitRatio:            cacheRatio,
		CacheHits:                hits,
		CacheMisses:              misses,
		RequestsTotal:            requests,
		AverageRequestDurationMs: avgRequestMs,
		SyncCycles:               atomic.LoadUint64(&m.cycleCount),
		SyncCycleFailures:        atomic.LoadUint64(&m.cycleFailureCount),
		Goroutines:               runtime.NumGoroutine(),
		GeneratedAt:              time.Now().UTC(),
	}
}
