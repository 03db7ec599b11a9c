// Package metrics provides HTTP handler metrics for observability
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// HTTPMetrics contains Prometheus metrics for the operator API.
type HTTPMetrics struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestErrors   *prometheus.CounterVec
	httpResponseSize    *prometheus.HistogramVec

	// Job control operations issued through the API
	handlerOperationsTotal *prometheus.CounterVec

	collectors []prometheus.Collector
}

// NewHTTPMetrics creates and registers new HTTP handler metrics
func NewHTTPMetrics(registry prometheus.Registerer) (*HTTPMetrics, error) {
	m := &HTTPMetrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *HTTPMetrics) initMetrics() {
	m.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status_code"}, // path is the route pattern, e.g. /api/v1/jobs/:id
	)

	m.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Time taken for HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	m.httpRequestErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_request_errors_total",
			Help: "Total number of HTTP request errors",
		},
		[]string{"method", "path", "error_type"},
	)

	m.httpResponseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Size of HTTP responses",
			Buckets: prometheus.ExponentialBuckets(100, 10, 6), // 100B to 10MB
		},
		[]string{"method", "path"},
	)

	m.handlerOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_handler_operations_total",
			Help: "Total number of job control operations issued through the API",
		},
		[]string{"handler", "operation", "status"},
	)

	m.collectors = []prometheus.Collector{
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.httpRequestErrors,
		m.httpResponseSize,
		m.handlerOperationsTotal,
	}
}

// Describe implements the Collector interface
func (m *HTTPMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *HTTPMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}

// RecordHTTPRequest records an HTTP request
func (m *HTTPMetrics) RecordHTTPRequest(method, path string, statusCode int, duration float64) {
	m.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, path).Observe(duration)
}

// RecordHTTPRequestError records an HTTP request error
func (m *HTTPMetrics) RecordHTTPRequestError(method, path, errorType string) {
	m.httpRequestErrors.WithLabelValues(method, path, errorType).Inc()
}

// RecordHTTPResponseSize records HTTP response size
func (m *HTTPMetrics) RecordHTTPResponseSize(method, path string, sizeBytes int64) {
	if sizeBytes < 0 {
		return
	}
	m.httpResponseSize.WithLabelValues(method, path).Observe(float64(sizeBytes))
}

// RecordHandlerOperation records a job control operation
func (m *HTTPMetrics) RecordHandlerOperation(handler, operation, status string) {
	m.handlerOperationsTotal.WithLabelValues(handler, operation, status).Inc()
}
