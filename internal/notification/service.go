package notification

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tphakala/recordmigrate/internal/datastore/entities"
	"github.com/tphakala/recordmigrate/internal/errors"
	"github.com/tphakala/recordmigrate/internal/logger"
)

const (
	defaultQueueSize   = 64
	defaultSendTimeout = 10 * time.Second
	defaultTitle       = "recordmigrate"
)

// ServiceConfig configures a Service.
type ServiceConfig struct {
	URLs      []string
	Title     string
	QueueSize int
	Timeout   time.Duration
	Breaker   CircuitBreakerConfig
	Logger    logger.Logger
	Metrics   DeliveryRecorder
}

// DeliveryRecorder receives delivery metrics.
// *metrics.NotificationMetrics implements it.
type DeliveryRecorder interface {
	RecordDelivery(provider, notificationType, status string, seconds float64)
	RecordDropped(reason string)
	SetCircuitBreakerState(provider string, state int)
}

type nopRecorder struct{}

func (nopRecorder) RecordDelivery(string, string, string, float64) {}
func (nopRecorder) RecordDropped(string)                           {}
func (nopRecorder) SetCircuitBreakerState(string, int)             {}

// Service queues notifications and delivers them from a single worker.
// A Service without providers accepts and drops everything.
type Service struct {
	providers []Provider
	breakers  map[string]*PushCircuitBreaker
	queue     chan *Notification
	title     string
	timeout   time.Duration
	log       logger.Logger
	metrics   DeliveryRecorder

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewService validates the configured URLs and creates the service.
func NewService(cfg ServiceConfig) (*Service, error) {
	log := cfg.Logger
	if log == nil {
		log = logger.Global().Module("notification")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSendTimeout
	}
	if cfg.Breaker == (CircuitBreakerConfig{}) {
		cfg.Breaker = DefaultCircuitBreakerConfig()
	}
	if cfg.Title == "" {
		cfg.Title = defaultTitle
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopRecorder{}
	}

	s := &Service{
		breakers: make(map[string]*PushCircuitBreaker),
		queue:    make(chan *Notification, cfg.QueueSize),
		title:    cfg.Title,
		timeout:  cfg.Timeout,
		log:      log,
		metrics:  cfg.Metrics,
		done:     make(chan struct{}),
	}
	if len(cfg.URLs) > 0 {
		p := NewShoutrrrProvider("shoutrrr", cfg.URLs, nil, cfg.Timeout)
		if err := s.AddProvider(p, cfg.Breaker); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// AddProvider validates p and adds it. It must be called before Start.
func (s *Service) AddProvider(p Provider, breaker CircuitBreakerConfig) error {
	if err := p.ValidateConfig(); err != nil {
		return err
	}
	s.providers = append(s.providers, p)
	cb := NewPushCircuitBreaker(breaker, p.GetName(), s.log)
	cb.onStateChange = func(state CircuitState) {
		s.metrics.SetCircuitBreakerState(p.GetName(), int(state))
	}
	s.breakers[p.GetName()] = cb
	s.metrics.SetCircuitBreakerState(p.GetName(), int(StateClosed))
	return nil
}

// Enabled reports whether any provider is configured.
func (s *Service) Enabled() bool {
	return len(s.providers) > 0
}

// Start runs the delivery worker until Stop or ctx ends.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
}

// Stop delivers what is already queued and stops the worker.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.stopped = true
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.queue)
	s.mu.Unlock()
	<-s.done
	s.cancel()
}

// Notify queues n. It never blocks: when the queue is full or the service
// is stopped the notification is dropped and false returned.
func (s *Service) Notify(n *Notification) bool {
	if !s.Enabled() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		s.metrics.RecordDropped("stopped")
		return false
	}
	select {
	case s.queue <- n:
		return true
	default:
		s.metrics.RecordDropped("queue_full")
		s.log.Warn("notification queue full, dropping notification",
			logger.String("notification_id", n.ID),
			logger.String("title", n.Title))
		return false
	}
}

// JobTransition notifies about a job state change. Intermediate states
// are not reported.
func (s *Service) JobTransition(job *entities.MigrationJob, from, to entities.JobStatus, reason string) {
	n := JobNotification(s.title, job, from, to, reason)
	if n == nil {
		return
	}
	s.Notify(n)
}

// JobNotification builds the notification for a job transition, or nil
// when the transition is not reported.
func JobNotification(title string, job *entities.MigrationJob, from, to entities.JobStatus, reason string) *Notification {
	var t Type
	switch to {
	case entities.JobFailed:
		t = TypeError
	case entities.JobBlocked, entities.JobPaused, entities.JobCancelled, entities.JobRolledBack:
		t = TypeWarning
	case entities.JobRunning, entities.JobCompleted:
		t = TypeInfo
	default:
		return nil
	}

	msg := fmt.Sprintf("job %s (%s/%s from %s): %s -> %s; succeeded %d, failed %d, skipped %d, conflicts %d, quarantined %d",
		job.ID, job.Tenant, job.EntityType, job.LegacySystem, from, to,
		job.SuccessCount, job.FailureCount, job.SkippedCount, job.ConflictCount, job.QuarantinedCount)
	if reason != "" {
		msg += "; reason: " + reason
	}
	return NewNotification(t, fmt.Sprintf("%s: job %s %s", title, job.ID, to), msg).
		WithComponent("migration").
		WithMetadata("job_id", job.ID).
		WithMetadata("tenant", job.Tenant).
		WithMetadata("status", string(to))
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)
	for n := range s.queue {
		s.deliver(ctx, n)
	}
}

func (s *Service) deliver(ctx context.Context, n *Notification) {
	for _, p := range s.providers {
		if !p.SupportsType(n.Type) {
			continue
		}
		sendCtx, cancel := context.WithTimeout(ctx, s.timeout)
		start := time.Now()
		err := s.breakers[p.GetName()].Call(sendCtx, func(ctx context.Context) error {
			return p.Send(ctx, n)
		})
		cancel()
		s.metrics.RecordDelivery(p.GetName(), string(n.Type), deliveryStatus(err), time.Since(start).Seconds())
		if err != nil {
			s.log.Warn("notification delivery failed",
				logger.String("provider", p.GetName()),
				logger.String("notification_id", n.ID),
				logger.Error(err))
		}
	}
}

func deliveryStatus(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrCircuitBreakerOpen):
		return "rejected"
	default:
		return "error"
	}
}
