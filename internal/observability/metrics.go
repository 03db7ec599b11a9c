package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tphakala/recordmigrate/internal/observability/metrics"
)

// Metrics holds all the metric collectors for the application.
type Metrics struct {
	registry     *prometheus.Registry
	Engine       *metrics.EngineMetrics
	Datastore    *metrics.DatastoreMetrics
	HTTP         *metrics.HTTPMetrics
	Notification *metrics.NotificationMetrics
}

// NewMetrics creates a new instance of Metrics on its own registry,
// initializing all metric collectors.
func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()

	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("failed to register Go collector: %w", err)
	}
	if err := registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, fmt.Errorf("failed to register process collector: %w", err)
	}

	engineMetrics, err := metrics.NewEngineMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine metrics: %w", err)
	}

	datastoreMetrics, err := metrics.NewDatastoreMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create Datastore metrics: %w", err)
	}

	httpMetrics, err := metrics.NewHTTPMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP metrics: %w", err)
	}

	notificationMetrics, err := metrics.NewNotificationMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create notification metrics: %w", err)
	}

	return &Metrics{
		registry:     registry,
		Engine:       engineMetrics,
		Datastore:    datastoreMetrics,
		HTTP:         httpMetrics,
		Notification: notificationMetrics,
	}, nil
}

// Registry returns the registry backing the metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorLog:      promLogger{},
		ErrorHandling: promhttp.HTTPErrorOnError,
	})
}
