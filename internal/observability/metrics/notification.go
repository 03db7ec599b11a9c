package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// NotificationMetrics tracks delivery of job transition notifications.
type NotificationMetrics struct {
	deliveriesTotal  *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec
	droppedTotal     *prometheus.CounterVec
	breakerState     *prometheus.GaugeVec

	collectors []prometheus.Collector
}

// NewNotificationMetrics creates and registers notification metrics.
func NewNotificationMetrics(registry prometheus.Registerer) (*NotificationMetrics, error) {
	m := &NotificationMetrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *NotificationMetrics) initMetrics() {
	m.deliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_deliveries_total",
			Help: "Notification deliveries by provider, type and status",
		},
		[]string{"provider", "type", "status"}, // status: success, error, rejected
	)

	m.deliveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notification_delivery_duration_seconds",
			Help:    "Time taken to deliver a notification",
			Buckets: prometheus.ExponentialBuckets(BucketStart10ms, BucketFactor2, 12), // 10ms to ~20s
		},
		[]string{"provider"},
	)

	m.droppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_dropped_total",
			Help: "Notifications dropped before delivery",
		},
		[]string{"reason"}, // queue_full, stopped
	)

	m.breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "notification_circuit_breaker_state",
			Help: "Circuit breaker state per provider (0=closed, 1=half-open, 2=open)",
		},
		[]string{"provider"},
	)

	m.collectors = []prometheus.Collector{
		m.deliveriesTotal,
		m.deliveryDuration,
		m.droppedTotal,
		m.breakerState,
	}
}

// Describe implements the Collector interface
func (m *NotificationMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *NotificationMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}

// RecordDelivery records one delivery attempt and its duration.
func (m *NotificationMetrics) RecordDelivery(provider, notificationType, status string, seconds float64) {
	m.deliveriesTotal.WithLabelValues(provider, notificationType, status).Inc()
	m.deliveryDuration.WithLabelValues(provider).Observe(seconds)
}

// RecordDropped records a notification that never reached a provider.
func (m *NotificationMetrics) RecordDropped(reason string) {
	m.droppedTotal.WithLabelValues(reason).Inc()
}

// SetCircuitBreakerState sets the breaker state gauge of a provider.
func (m *NotificationMetrics) SetCircuitBreakerState(provider string, state int) {
	m.breakerState.WithLabelValues(provider).Set(float64(state))
}
