// Package metrics provides datastore metrics for observability
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// DatastoreMetrics contains Prometheus metrics for database operations
type DatastoreMetrics struct {
	dbOperationsTotal      *prometheus.CounterVec
	dbOperationDuration    *prometheus.HistogramVec
	dbOperationErrorsTotal *prometheus.CounterVec
	dbRowsAffected         *prometheus.HistogramVec

	// collectors is a slice of all collectors for easier iteration
	collectors []prometheus.Collector
}

// NewDatastoreMetrics creates and registers new datastore metrics
func NewDatastoreMetrics(registry prometheus.Registerer) (*DatastoreMetrics, error) {
	m := &DatastoreMetrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *DatastoreMetrics) initMetrics() {
	m.dbOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datastore_db_operations_total",
			Help: "Total number of database operations",
		},
		[]string{"operation", "table", "status"}, // status: success, error
	)

	m.dbOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "datastore_db_operation_duration_seconds",
			Help:    "Time taken for database operations",
			Buckets: prometheus.ExponentialBuckets(BucketStart1ms, BucketFactor2, BucketCount15), // 1ms to ~16s
		},
		[]string{"operation", "table"},
	)

	m.dbOperationErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datastore_db_operation_errors_total",
			Help: "Total number of database operation errors",
		},
		[]string{"operation", "table", "error_type"},
	)

	m.dbRowsAffected = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "datastore_db_rows_affected",
			Help:    "Rows affected or returned per database operation",
			Buckets: []float64{0, 1, 10, 100, 1000, 10000},
		},
		[]string{"operation"},
	)

	m.collectors = []prometheus.Collector{
		m.dbOperationsTotal,
		m.dbOperationDuration,
		m.dbOperationErrorsTotal,
		m.dbRowsAffected,
	}
}

// Describe implements the Collector interface
func (m *DatastoreMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *DatastoreMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}

// RecordDbOperation records a database operation
func (m *DatastoreMetrics) RecordDbOperation(operation, table, status string) {
	m.dbOperationsTotal.WithLabelValues(operation, table, status).Inc()
}

// RecordDbOperationDuration records the duration of a database operation
func (m *DatastoreMetrics) RecordDbOperationDuration(operation, table string, duration float64) {
	m.dbOperationDuration.WithLabelValues(operation, table).Observe(duration)
}

// RecordDbOperationError records a database operation error
func (m *DatastoreMetrics) RecordDbOperationError(operation, table, errorType string) {
	m.dbOperationErrorsTotal.WithLabelValues(operation, table, errorType).Inc()
}

// RecordRowsAffected records the row count of an operation
func (m *DatastoreMetrics) RecordRowsAffected(operation string, rows int64) {
	if rows < 0 {
		return
	}
	m.dbRowsAffected.WithLabelValues(operation).Observe(float64(rows))
}
