package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"time"
)

// Metrics holds all Prometheus metrics for the vector database
type Metrics struct {
	// Registry holds every metric below; gather or serve it to export them.
	Registry *prometheus.Registry

	// Vector operation metrics
	VectorsInserted  prometheus.Counter
	VectorsDeleted   prometheus.Counter
	VectorsUpdated   prometheus.Counter
	VectorsSearched  prometheus.Counter

	// Index metrics
	IndexSize        *prometheus.GaugeVec
	IndexMemoryBytes *prometheus.GaugeVec
	IndexMaxLayer    *prometheus.GaugeVec

	// Search metrics
	SearchLatency    prometheus.Histogram
	SearchRecall     prometheus.Histogram
	SearchResultSize prometheus.Histogram

	// Batch operation metrics
	BatchInsertTotal    prometheus.Counter
	BatchInsertDuration prometheus.Histogram
	BatchDeleteTotal    prometheus.Counter
	BatchDeleteDuration prometheus.Histogram

	// Registry metrics: one open collection is this engine's analogue of the
	// teacher's tenant, so these gauges track the registry's live collection
	// count and each collection's quota usage rather than per-tenant SaaS
	// limits.
	TenantsTotal     prometheus.Gauge
	TenantQuotaUsage *prometheus.GaugeVec

	// System metrics
	GoroutinesCount prometheus.Gauge
	MemoryUsage     prometheus.Gauge
	CPUUsage        prometheus.Gauge
}

// NewMetrics creates all Prometheus metrics and registers them on a new
// registry owned by the returned Metrics, so separate instances never
// collide.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	// From here on promauto is a Factory bound to reg, shadowing the package.
	promauto := promauto.With(reg)
	m := &Metrics{
		Registry: reg,

		// Vector operation metrics
		VectorsInserted: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "vectordb_vectors_inserted_total",
				Help: "Total number of vectors inserted",
			},
		),
		VectorsDeleted: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "vectordb_vectors_deleted_total",
				Help: "Total number of vectors deleted",
			},
		),
		VectorsUpdated: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "vectordb_vectors_updated_total",
				Help: "Total number of vectors updated",
			},
		),
		VectorsSearched: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "vectordb_vectors_searched_total",
				Help: "Total number of search operations",
			},
		),

		// Index metrics
		IndexSize: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vectordb_index_size",
				Help: "Number of vectors in index by namespace",
			},
			[]string{"namespace"},
		),
		IndexMemoryBytes: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vectordb_index_memory_bytes",
				Help: "Memory usage of index in bytes by namespace",
			},
			[]string{"namespace"},
		),
		IndexMaxLayer: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vectordb_index_max_layer",
				Help: "Maximum layer in HNSW graph by namespace",
			},
			[]string{"namespace"},
		),

		// Search metrics
		SearchLatency: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "vectordb_search_latency_seconds",
				Help:    "Search latency in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
		),
		SearchRecall: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "vectordb_search_recall",
				Help:    "Search recall percentage (0-1)",
				Buckets: []float64{.8, .85, .9, .92, .94, .95, .96, .97, .98, .99, 1.0},
			},
		),
		SearchResultSize: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "vectordb_search_result_size",
				Help:    "Number of results returned by search",
				Buckets: []float64{1, 5, 10, 20, 50, 100, 200, 500, 1000},
			},
		),

		// Batch operation metrics
		BatchInsertTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "vectordb_batch_insert_total",
				Help: "Total number of batch insert operations",
			},
		),
		BatchInsertDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "vectordb_batch_insert_duration_seconds",
				Help:    "Batch insert duration in seconds",
				Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
		),
		BatchDeleteTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "vectordb_batch_delete_total",
				Help: "Total number of batch delete operations",
			},
		),
		BatchDeleteDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "vectordb_batch_delete_duration_seconds",
				Help:    "Batch delete duration in seconds",
				Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60},
			},
		),

		// Registry metrics
		TenantsTotal: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "vectordb_collections_total",
				Help: "Total number of open collections",
			},
		),
		TenantQuotaUsage: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vectordb_collection_quota_usage",
				Help: "Collection quota usage percentage by collection and resource",
			},
			[]string{"namespace", "resource"},
		),

		// System metrics
		GoroutinesCount: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "vectordb_goroutines",
				Help: "Current number of goroutines",
			},
		),
		MemoryUsage: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "vectordb_memory_bytes",
				Help: "Memory usage in bytes",
			},
		),
		CPUUsage: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "vectordb_cpu_usage",
				Help: "CPU usage percentage",
			},
		),
	}

	return m
}

// RecordInsert records a vector insertion
func (m *Metrics) RecordInsert(namespace string, count int) {
	m.VectorsInserted.Add(float64(count))
	// Update index size (this should be called after successful insert)
}

// RecordDelete records a vector deletion
func (m *Metrics) RecordDelete(namespace string, count int) {
	m.VectorsDeleted.Add(float64(count))
}

// RecordUpdate records a vector update
func (m *Metrics) RecordUpdate(namespace string, count int) {
	m.VectorsUpdated.Add(float64(count))
}

// RecordSearch records a search operation
func (m *Metrics) RecordSearch(duration time.Duration, resultSize int) {
	m.VectorsSearched.Inc()
	m.SearchLatency.Observe(duration.Seconds())
	m.SearchResultSize.Observe(float64(resultSize))
}

// UpdateIndexSize updates the index size metric
func (m *Metrics) UpdateIndexSize(namespace string, size int) {
	m.IndexSize.WithLabelValues(namespace).Set(float64(size))
}

// UpdateIndexMemory updates the index memory metric
func (m *Metrics) UpdateIndexMemory(namespace string, bytes int64) {
	m.IndexMemoryBytes.WithLabelValues(namespace).Set(float64(bytes))
}

// UpdateIndexMaxLayer updates the max layer metric
func (m *Metrics) UpdateIndexMaxLayer(namespace string, maxLayer int) {
	m.IndexMaxLayer.WithLabelValues(namespace).Set(float64(maxLayer))
}

// RecordBatchInsert records a batch insert operation
func (m *Metrics) RecordBatchInsert(duration time.Duration, count int) {
	m.BatchInsertTotal.Inc()
	m.BatchInsertDuration.Observe(duration.Seconds())
	m.VectorsInserted.Add(float64(count))
}

// RecordBatchDelete records a batch delete operation
func (m *Metrics) RecordBatchDelete(duration time.Duration, count int) {
	m.BatchDeleteTotal.Inc()
	m.BatchDeleteDuration.Observe(duration.Seconds())
	m.VectorsDeleted.Add(float64(count))
}

// UpdateTenantCount updates the registry's open-collection count.
func (m *Metrics) UpdateTenantCount(count int) {
	m.TenantsTotal.Set(float64(count))
}

// UpdateTenantQuota updates a collection's quota usage percentage for
// resource (e.g. "vectors", "storage").
func (m *Metrics) UpdateTenantQuota(namespace, resource string, usage float64) {
	m.TenantQuotaUsage.WithLabelValues(namespace, resource).Set(usage)
}

// UpdateGoroutineCount updates goroutine count
func (m *Metrics) UpdateGoroutineCount(count int) {
	m.GoroutinesCount.Set(float64(count))
}

// UpdateMemoryUsage updates memory usage
func (m *Metrics) UpdateMemoryUsage(bytes uint64) {
	m.MemoryUsage.Set(float64(bytes))
}

// UpdateCPUUsage updates CPU usage
func (m *Metrics) UpdateCPUUsage(percentage float64) {
	m.CPUUsage.Set(percentage)
}

