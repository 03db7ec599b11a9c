// Package migration runs legacy data migration jobs.
//
// An Orchestrator owns the job state machine and the worker runs of the jobs
// started in this process. Every state change is a conditional update on
// the persisted status, so several processes can share one database. Pause,
// resume and cancel are observed at batch boundaries. A run interrupted by
// a crash leaves the job in a running state; Recover picks it up again from
// its checkpoint.
package migration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tphakala/recordmigrate/internal/checkpoint"
	"github.com/tphakala/recordmigrate/internal/conf"
	"github.com/tphakala/recordmigrate/internal/conflict"
	"github.com/tphakala/recordmigrate/internal/datastore/entities"
	"github.com/tphakala/recordmigrate/internal/errors"
	"github.com/tphakala/recordmigrate/internal/lineage"
	"github.com/tphakala/recordmigrate/internal/logger"
	"github.com/tphakala/recordmigrate/internal/observability/metrics"
	"github.com/tphakala/recordmigrate/internal/quarantine"
	"github.com/tphakala/recordmigrate/internal/snapshot"
	"github.com/tphakala/recordmigrate/internal/source"
	"github.com/tphakala/recordmigrate/internal/target"
	"github.com/tphakala/recordmigrate/internal/transform"
)

// Orchestration-level failures that move a job to failed.
var (
	ErrSourceUnreachable = errors.NewStd("legacy source unreachable")
	ErrStalePlan         = errors.NewStd("job plan is stale")
	ErrJobActive         = errors.NewStd("job has a live run in this process")
)

// Source reads legacy records. *source.Registry implements it.
type Source interface {
	Fetch(ctx context.Context, cfg entities.SourceConfig, cursor string, limit int) (source.Batch, error)
	Kinds() []string
}

// Target is the domain write path jobs load into and roll back from.
// *target.Store implements it.
type Target interface {
	target.Writer
	target.Restorer
	target.Schema
}

// Notifier is told about job state changes. *notification.Service
// implements it.
type Notifier interface {
	JobTransition(job *entities.MigrationJob, from, to entities.JobStatus, reason string)
}

// Deps are the stores an Orchestrator drives.
type Deps struct {
	DB          *gorm.DB
	Source      Source
	Target      Target
	Detector    *conflict.Detector
	Resolver    *conflict.Resolver
	Lineage     *lineage.Registry
	Quarantine  *quarantine.Store
	Checkpoints *checkpoint.Store
	Snapshots   *snapshot.Store
}

// Config configures an Orchestrator.
type Config struct {
	Engine conf.EngineSettings
	// RetryWindow bounds how long after the source is drained the retry
	// phase waits for quarantined records to become due.
	RetryWindow time.Duration
	// RetractCreated makes rollback delete entities the job created.
	RetractCreated bool
	// Checks run after the built-in preflight checks.
	Checks []PreflightCheck
	// NewTransformer builds the transformer of a job. Defaults to the
	// field mapper.
	NewTransformer func(mappings []entities.FieldMapping) (transform.Transformer, error)
	Metrics        *metrics.EngineMetrics
	Notifier       Notifier
	Logger         logger.Logger
	Now            func() time.Time
}

// Orchestrator creates, runs and rolls back migration jobs.
type Orchestrator struct {
	db          *gorm.DB
	src         Source
	target      Target
	detector    *conflict.Detector
	resolver    *conflict.Resolver
	lineage     *lineage.Registry
	quarantine  *quarantine.Store
	checkpoints *checkpoint.Store
	snapshots   *snapshot.Store

	cfg      Config
	checks   []PreflightCheck
	metrics  *metrics.EngineMetrics
	notifier Notifier
	log      logger.Logger
	now      func() time.Time

	mu     sync.Mutex
	runs   map[string]*run
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// run is a live worker run of one job.
type run struct {
	cancel context.CancelFunc
	done   chan struct{}
	wake   chan struct{}
	err    error
}

// signal wakes a run waiting at a batch boundary.
func (r *run) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// New creates an Orchestrator.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	switch {
	case deps.DB == nil, deps.Source == nil, deps.Target == nil, deps.Detector == nil, deps.Resolver == nil,
		deps.Lineage == nil, deps.Quarantine == nil, deps.Checkpoints == nil, deps.Snapshots == nil:
		return nil, errors.Newf("orchestrator requires every store").
			Component("migration").
			Category(errors.CategoryConfiguration).
			Build()
	}

	if cfg.Engine.BatchSize <= 0 {
		cfg.Engine.BatchSize = 100
	}
	if cfg.Engine.Workers <= 0 {
		cfg.Engine.Workers = 4
	}
	if cfg.Engine.PollInterval <= 0 {
		cfg.Engine.PollInterval = time.Second
	}
	if cfg.Engine.FetchRetries < 0 {
		cfg.Engine.FetchRetries = 0
	}
	if cfg.NewTransformer == nil {
		cfg.NewTransformer = func(m []entities.FieldMapping) (transform.Transformer, error) {
			return transform.NewFieldMapper(m)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Global().Module("migration")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		db:          deps.DB,
		src:         deps.Source,
		target:      deps.Target,
		detector:    deps.Detector,
		resolver:    deps.Resolver,
		lineage:     deps.Lineage,
		quarantine:  deps.Quarantine,
		checkpoints: deps.Checkpoints,
		snapshots:   deps.Snapshots,
		cfg:         cfg,
		metrics:     cfg.Metrics,
		notifier:    cfg.Notifier,
		log:         cfg.Logger,
		now:         cfg.Now,
		runs:        make(map[string]*run),
		ctx:         ctx,
		cancel:      cancel,
	}
	o.checks = append(o.builtinChecks(), cfg.Checks...)
	return o, nil
}

// Close stops every live run and waits for them to exit. Jobs keep their
// persisted status, so a later Recover resumes them.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.cancel()
	o.wg.Wait()
}

// Create validates spec and stores a pending job.
func (o *Orchestrator) Create(ctx context.Context, tenant string, spec JobSpec) (*entities.MigrationJob, error) {
	if tenant == "" {
		return nil, errors.Newf("tenant is required").
			Component("migration").
			Category(errors.CategoryValidation).
			Build()
	}
	spec = spec.withDefaults(o.cfg.Engine)
	if err := spec.validate(o.src.Kinds()); err != nil {
		return nil, err
	}

	tr, err := o.cfg.NewTransformer(spec.Mappings)
	if err != nil {
		return nil, err
	}
	fingerprint, err := checkpoint.Fingerprint(checkpoint.Plan{
		EntityType:       spec.EntityType,
		LegacySystem:     spec.LegacySystem,
		Source:           spec.Source,
		Mappings:         spec.Mappings,
		MergePolicy:      spec.MergePolicy,
		ConflictStrategy: spec.ConflictStrategy,
		TransformVersion: tr.Version(),
	})
	if err != nil {
		return nil, errors.New(err).
			Component("migration").
			Category(errors.CategoryValidation).
			Build()
	}

	job := &entities.MigrationJob{
		ID:               uuid.NewString(),
		Tenant:           tenant,
		EntityType:       spec.EntityType,
		LegacySystem:     spec.LegacySystem,
		Source:           spec.Source,
		Mappings:         spec.Mappings,
		MergePolicy:      spec.MergePolicy,
		ConflictStrategy: spec.ConflictStrategy,
		Status:           entities.JobPending,
		BatchSize:        spec.BatchSize,
		Workers:          spec.Workers,
		RateLimit:        spec.RateLimit,
		MaxRuntime:       spec.MaxRuntime,
		TransformVersion: tr.Version(),
		PlanFingerprint:  fingerprint,
	}
	if err := o.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, jobDBError(err, "create job", job.ID)
	}

	o.log.Info("job created",
		logger.String("job_id", job.ID),
		logger.String("tenant", tenant),
		logger.String("entity_type", job.EntityType),
		logger.String("legacy_system", job.LegacySystem),
		logger.String("strategy", string(job.ConflictStrategy)))
	return job, nil
}

// Status returns the job with its counters.
func (o *Orchestrator) Status(ctx context.Context, tenant, jobID string) (*entities.MigrationJob, error) {
	return o.loadJob(ctx, tenant, jobID)
}

// ListJobs returns the jobs of tenant, newest first.
func (o *Orchestrator) ListJobs(ctx context.Context, tenant string) ([]entities.MigrationJob, error) {
	var jobs []entities.MigrationJob
	if err := o.db.WithContext(ctx).Where("tenant = ?", tenant).Order("created_at DESC, id ASC").Find(&jobs).Error; err != nil {
		return nil, jobDBError(err, "list jobs", "")
	}
	return jobs, nil
}

// Start moves a ready job to running and spawns its workers.
func (o *Orchestrator) Start(ctx context.Context, tenant, jobID string) (*entities.MigrationJob, error) {
	if o.live(jobID) != nil {
		return nil, activeError(jobID)
	}
	now := o.now().UTC()
	job, err := o.transition(ctx, tenant, jobID, []entities.JobStatus{entities.JobReady}, entities.JobRunning,
		func(j *entities.MigrationJob) []string {
			if j.StartedAt == nil {
				j.StartedAt = &now
			}
			return []string{"started_at"}
		})
	if err != nil {
		return job, err
	}
	if err := o.spawn(job); err != nil {
		return job, err
	}
	return job, nil
}

// Pause asks a running job to stop at its next batch boundary.
func (o *Orchestrator) Pause(ctx context.Context, tenant, jobID string) (*entities.MigrationJob, error) {
	return o.transition(ctx, tenant, jobID, []entities.JobStatus{entities.JobRunning}, entities.JobPaused, nil)
}

// Resume continues a paused job. A run waiting in this process is woken;
// otherwise a new run is spawned from the checkpoint.
func (o *Orchestrator) Resume(ctx context.Context, tenant, jobID string) (*entities.MigrationJob, error) {
	job, err := o.transition(ctx, tenant, jobID, []entities.JobStatus{entities.JobPaused}, entities.JobRunning, nil)
	if err != nil {
		return job, err
	}
	if r := o.live(jobID); r != nil {
		r.signal()
		return job, nil
	}
	if err := o.prepareRestart(ctx, jobID); err != nil {
		return job, err
	}
	return job, o.spawn(job)
}

// Cancel stops a job. A job that is not running is cancelled at once. A
// running job moves to cancelling, finishes its in-flight batches and then
// becomes cancelled. Lineage and snapshots are kept.
func (o *Orchestrator) Cancel(ctx context.Context, tenant, jobID string) (*entities.MigrationJob, error) {
	job, err := o.loadJob(ctx, tenant, jobID)
	if err != nil {
		return nil, err
	}

	switch job.Status {
	case entities.JobPending, entities.JobReady, entities.JobBlocked:
		now := o.now().UTC()
		return o.transition(ctx, tenant, jobID,
			[]entities.JobStatus{entities.JobPending, entities.JobReady, entities.JobBlocked},
			entities.JobCancelled, finishedAt(now))
	case entities.JobRunning, entities.JobPaused:
		job, err = o.transition(ctx, tenant, jobID,
			[]entities.JobStatus{entities.JobRunning, entities.JobPaused}, entities.JobCancelling, nil)
		if err != nil {
			return job, err
		}
		if r := o.live(jobID); r != nil {
			r.signal()
			return job, nil
		}
		return o.finishCancel(ctx, tenant, jobID)
	case entities.JobCancelling:
		if o.live(jobID) != nil {
			return job, nil
		}
		return o.finishCancel(ctx, tenant, jobID)
	default:
		return job, transitionError(jobID, job.Status, entities.JobCancelled)
	}
}

// Wait blocks until the live run of jobID exits and returns its error.
// It returns nil at once when the job has no live run.
func (o *Orchestrator) Wait(ctx context.Context, jobID string) error {
	r := o.live(jobID)
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recover resumes a job left behind by a crashed process: a running or
// paused job is re-spawned from its checkpoint, a cancelling job is
// cancelled, a rollback is continued and an interrupted preflight is
// blocked. Reservations the dead run held are released first.
func (o *Orchestrator) Recover(ctx context.Context, tenant, jobID string) (*entities.MigrationJob, error) {
	if o.live(jobID) != nil {
		return nil, activeError(jobID)
	}
	job, err := o.loadJob(ctx, tenant, jobID)
	if err != nil {
		return nil, err
	}

	switch job.Status {
	case entities.JobRunning, entities.JobPaused:
		if err := o.prepareRestart(ctx, jobID); err != nil {
			return job, err
		}
		o.log.Info("recovering job", logger.String("job_id", jobID), logger.String("status", string(job.Status)))
		return job, o.spawn(job)
	case entities.JobCancelling:
		return o.finishCancel(ctx, tenant, jobID)
	case entities.JobRollingBack:
		return o.Rollback(ctx, tenant, jobID)
	case entities.JobPreflight:
		now := o.now().UTC()
		return o.transition(ctx, tenant, jobID, []entities.JobStatus{entities.JobPreflight}, entities.JobBlocked,
			func(j *entities.MigrationJob) []string {
				j.PreflightResults = []entities.CheckResult{{
					Name: "preflight", Message: "interrupted before completion", CheckedAt: now,
				}}
				return []string{"preflight_results"}
			})
	default:
		o.log.Debug("nothing to recover", logger.String("job_id", jobID), logger.String("status", string(job.Status)))
		return job, nil
	}
}

// ListConflicts returns the conflicts of a job.
func (o *Orchestrator) ListConflicts(ctx context.Context, tenant, jobID string, statuses ...entities.ConflictStatus) ([]entities.Conflict, error) {
	if _, err := o.loadJob(ctx, tenant, jobID); err != nil {
		return nil, err
	}
	return o.resolver.List(ctx, tenant, jobID, statuses...)
}

// ListExplanations returns the merge explanations of a job.
func (o *Orchestrator) ListExplanations(ctx context.Context, tenant, jobID string) ([]entities.MergeExplanation, error) {
	if _, err := o.loadJob(ctx, tenant, jobID); err != nil {
		return nil, err
	}
	return o.resolver.Explanations(ctx, jobID)
}

// ListQuarantine returns the quarantine rows of a job.
func (o *Orchestrator) ListQuarantine(ctx context.Context, tenant, jobID string, statuses ...entities.QuarantineStatus) ([]entities.QuarantineEntry, error) {
	if _, err := o.loadJob(ctx, tenant, jobID); err != nil {
		return nil, err
	}
	return o.quarantine.List(ctx, tenant, jobID, statuses...)
}

// Resolution is the result of ResolveConflict. Outcome is empty when the
// decision was recorded but not applied because the job is rolled back.
type Resolution struct {
	Conflict   *entities.Conflict
	Resolution *entities.ConflictResolution
	Outcome    Outcome
}

// ResolveConflict records an operator decision and applies it to the
// target through the record pipeline.
func (o *Orchestrator) ResolveConflict(ctx context.Context, tenant, conflictID string, d conflict.ManualDecision) (Resolution, error) {
	c, res, err := o.resolver.ResolveManual(ctx, tenant, conflictID, d)
	if err != nil {
		return Resolution{}, err
	}
	out := Resolution{Conflict: c, Resolution: res}

	job, err := o.loadJob(ctx, tenant, c.JobID)
	if err != nil {
		return out, err
	}
	if job.Status == entities.JobRollingBack || job.Status == entities.JobRolledBack {
		return out, nil
	}

	p := o.newPipeline(job, nil)
	outcome, err := p.applyResolution(ctx, conflictItem(c), c, res)
	if err != nil {
		return out, err
	}
	out.Outcome = outcome

	var t tally
	t.addReplay(outcome)
	if err := addCounters(o.db.WithContext(ctx), job.ID, t); err != nil {
		return out, err
	}
	o.log.Info("conflict resolution applied",
		logger.String("job_id", job.ID),
		logger.String("conflict_id", c.ID),
		logger.String("decision", string(res.Decision)),
		logger.String("outcome", string(outcome)))
	return out, nil
}

// live returns the live run of jobID, or nil.
func (o *Orchestrator) live(jobID string) *run {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runs[jobID]
}

// spawn starts a run of job.
func (o *Orchestrator) spawn(job *entities.MigrationJob) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return errors.Newf("orchestrator is closed").
			Component("migration").
			Category(errors.CategoryState).
			Context("job_id", job.ID).
			Build()
	}
	if _, ok := o.runs[job.ID]; ok {
		return activeError(job.ID)
	}

	ctx, cancel := context.WithCancel(o.ctx)
	r := &run{cancel: cancel, done: make(chan struct{}), wake: make(chan struct{}, 1)}
	o.runs[job.ID] = r
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer close(r.done)
		defer o.forget(job.ID, r)
		defer cancel()
		r.err = o.execute(ctx, job.Tenant, job.ID, r)
	}()
	return nil
}

func (o *Orchestrator) forget(jobID string, r *run) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.runs[jobID] == r {
		delete(o.runs, jobID)
	}
}

// prepareRestart makes the work a dead run left behind claimable again.
func (o *Orchestrator) prepareRestart(ctx context.Context, jobID string) error {
	if _, err := o.lineage.ReleaseJob(ctx, jobID); err != nil {
		return err
	}
	if _, err := o.quarantine.Requeue(ctx, jobID); err != nil {
		return err
	}
	return nil
}

// finishCancel completes a cancel once no run is left.
func (o *Orchestrator) finishCancel(ctx context.Context, tenant, jobID string) (*entities.MigrationJob, error) {
	if err := o.prepareRestart(ctx, jobID); err != nil {
		return nil, err
	}
	return o.transition(ctx, tenant, jobID, []entities.JobStatus{entities.JobCancelling}, entities.JobCancelled,
		finishedAt(o.now().UTC()))
}

// fail moves the job to failed with cause as the reason. The error is
// reported to telemetry.
func (o *Orchestrator) fail(ctx context.Context, tenant, jobID string, category errors.ErrorCategory, cause error) error {
	ee := errors.New(cause).
		Component("migration").
		Category(category).
		Context("job_id", jobID).
		Context("tenant", tenant).
		Report().
		Build()
	now := o.now().UTC()
	_, err := o.transition(ctx, tenant, jobID,
		[]entities.JobStatus{entities.JobRunning, entities.JobPaused, entities.JobCancelling}, entities.JobFailed,
		func(j *entities.MigrationJob) []string {
			j.FailureReason = ee.Error()
			j.FinishedAt = &now
			return []string{"failure_reason", "finished_at"}
		})
	return err
}

func finishedAt(now time.Time) mutation {
	return func(j *entities.MigrationJob) []string {
		j.FinishedAt = &now
		return []string{"finished_at"}
	}
}

func activeError(jobID string) error {
	return errors.New(fmt.Errorf("%w: %s", ErrJobActive, jobID)).
		Component("migration").
		Category(errors.CategoryState).
		Context("job_id", jobID).
		Build()
}
