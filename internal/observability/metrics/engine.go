package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Record outcomes.
const (
	OutcomeCommitted   = "committed"
	OutcomeMerged      = "merged"
	OutcomeSkipped     = "skipped"
	OutcomeConflict    = "conflict"
	OutcomeQuarantined = "quarantined"
	OutcomeAbandoned   = "abandoned"
)

// Pipeline stages timed per record.
const (
	StageFetch     = "fetch"
	StageTransform = "transform"
	StageDetect    = "detect"
	StageReserve   = "reserve"
	StageWrite     = "write"
	StageCommit    = "commit"
)

// EngineMetrics contains Prometheus metrics for migration jobs.
//
// All recording methods are safe on a nil receiver so components can run
// without metrics.
type EngineMetrics struct {
	recordsTotal        *prometheus.CounterVec
	stageDuration       *prometheus.HistogramVec
	batchesTotal        *prometheus.CounterVec
	batchDuration       *prometheus.HistogramVec
	jobTransitionsTotal *prometheus.CounterVec
	jobsRunning         prometheus.Gauge
	conflictsTotal      *prometheus.CounterVec
	reservationsTotal   *prometheus.CounterVec
	quarantineRetries   *prometheus.CounterVec
	sourceErrorsTotal   *prometheus.CounterVec
	rollbackTotal       *prometheus.CounterVec

	collectors []prometheus.Collector
}

// NewEngineMetrics creates and registers the engine metrics.
func NewEngineMetrics(registry prometheus.Registerer) (*EngineMetrics, error) {
	m := &EngineMetrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *EngineMetrics) initMetrics() {
	m.recordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recordmigrate_records_total",
			Help: "Total number of processed legacy records by outcome",
		},
		[]string{"entity_type", "outcome"},
	)

	m.stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "recordmigrate_stage_duration_seconds",
			Help:    "Time spent per record in each pipeline stage",
			Buckets: prometheus.ExponentialBuckets(BucketStart100us, BucketFactor2, BucketCount15), // 0.1ms to ~1.6s
		},
		[]string{"stage"},
	)

	m.batchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recordmigrate_batches_total",
			Help: "Total number of batches by result",
		},
		[]string{"entity_type", "status"}, // status: committed, failed
	)

	m.batchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "recordmigrate_batch_duration_seconds",
			Help:    "Time taken to process a batch end to end",
			Buckets: prometheus.ExponentialBuckets(BucketStart10ms, BucketFactor2, BucketCount15), // 10ms to ~160s
		},
		[]string{"entity_type"},
	)

	m.jobTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recordmigrate_job_transitions_total",
			Help: "Total number of job state transitions by target state",
		},
		[]string{"status"},
	)

	m.jobsRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "recordmigrate_jobs_running",
		Help: "Number of jobs currently running in this process",
	})

	m.conflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recordmigrate_conflicts_total",
			Help: "Total number of conflict detections by kind and bucket",
		},
		[]string{"kind", "bucket"},
	)

	m.reservationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recordmigrate_lineage_reservations_total",
			Help: "Total number of lineage reservation attempts by outcome",
		},
		[]string{"outcome"},
	)

	m.quarantineRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recordmigrate_quarantine_retries_total",
			Help: "Total number of quarantine retries by result",
		},
		[]string{"result"}, // result: resolved, failed, abandoned
	)

	m.sourceErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recordmigrate_source_errors_total",
			Help: "Total number of source fetch errors by adapter kind and class",
		},
		[]string{"kind", "class"},
	)

	m.rollbackTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recordmigrate_rollback_entities_total",
			Help: "Total number of entities handled by rollback by result",
		},
		[]string{"entity_type", "result"}, // result: restored, retracted, left_in_place, skipped, version_conflict
	)

	m.collectors = []prometheus.Collector{
		m.recordsTotal,
		m.stageDuration,
		m.batchesTotal,
		m.batchDuration,
		m.jobTransitionsTotal,
		m.jobsRunning,
		m.conflictsTotal,
		m.reservationsTotal,
		m.quarantineRetries,
		m.sourceErrorsTotal,
		m.rollbackTotal,
	}
}

// Describe implements the Collector interface
func (m *EngineMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *EngineMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}

// RecordRecord counts one processed record.
func (m *EngineMetrics) RecordRecord(entityType, outcome string) {
	if m == nil {
		return
	}
	m.recordsTotal.WithLabelValues(entityType, outcome).Inc()
}

// RecordStageDuration records the time a record spent in a stage.
func (m *EngineMetrics) RecordStageDuration(stage string, seconds float64) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(seconds)
}

// RecordBatch records a finished batch.
func (m *EngineMetrics) RecordBatch(entityType, status string, seconds float64) {
	if m == nil {
		return
	}
	m.batchesTotal.WithLabelValues(entityType, status).Inc()
	m.batchDuration.WithLabelValues(entityType).Observe(seconds)
}

// RecordJobTransition counts a job state transition and tracks the number
// of running jobs.
func (m *EngineMetrics) RecordJobTransition(from, to string) {
	if m == nil {
		return
	}
	m.jobTransitionsTotal.WithLabelValues(to).Inc()
	if to == "running" && from != "running" {
		m.jobsRunning.Inc()
	}
	if from == "running" && to != "running" {
		m.jobsRunning.Dec()
	}
}

// RecordConflict counts a classified record that had candidates.
func (m *EngineMetrics) RecordConflict(kind, bucket string) {
	if m == nil {
		return
	}
	m.conflictsTotal.WithLabelValues(kind, bucket).Inc()
}

// RecordReservation counts a lineage reservation attempt.
func (m *EngineMetrics) RecordReservation(outcome string) {
	if m == nil {
		return
	}
	m.reservationsTotal.WithLabelValues(outcome).Inc()
}

// RecordQuarantineRetry counts one quarantine retry.
func (m *EngineMetrics) RecordQuarantineRetry(result string) {
	if m == nil {
		return
	}
	m.quarantineRetries.WithLabelValues(result).Inc()
}

// RecordSourceError counts a failed source fetch.
func (m *EngineMetrics) RecordSourceError(kind, class string) {
	if m == nil {
		return
	}
	m.sourceErrorsTotal.WithLabelValues(kind, class).Inc()
}

// RecordRollback adds n entities with the given rollback result.
func (m *EngineMetrics) RecordRollback(entityType, result string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.rollbackTotal.WithLabelValues(entityType, result).Add(float64(n))
}
