package migration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/tphakala/recordmigrate/internal/checkpoint"
	"github.com/tphakala/recordmigrate/internal/datastore/entities"
	"github.com/tphakala/recordmigrate/internal/errors"
	"github.com/tphakala/recordmigrate/internal/logger"
	"github.com/tphakala/recordmigrate/internal/observability/metrics"
	"github.com/tphakala/recordmigrate/internal/source"
)

// pendingBatch is a fetched batch handed to a worker. cursor resumes after
// its last record.
type pendingBatch struct {
	index   int64
	cursor  string
	records []source.Record
}

// batchResult is a batch whose records all reached a terminal state.
type batchResult struct {
	index      int64
	cursor     string
	loadedUpTo string
	tally      tally
	elapsed    time.Duration
}

// sequencer commits batch results strictly in index order. A result that
// completes early waits until every lower index has been committed.
type sequencer struct {
	mu      sync.Mutex
	next    int64
	pending map[int64]batchResult
	commit  func(batchResult) error
}

func newSequencer(first int64, commit func(batchResult) error) *sequencer {
	return &sequencer{next: first, pending: make(map[int64]batchResult), commit: commit}
}

func (s *sequencer) complete(res batchResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[res.index] = res
	for {
		r, ok := s.pending[s.next]
		if !ok {
			return nil
		}
		if err := s.commit(r); err != nil {
			return err
		}
		delete(s.pending, s.next)
		s.next++
	}
}

// runClock measures the runtime bound. It restarts whenever a paused job
// resumes.
type runClock struct {
	started time.Time
	paused  bool
}

// execute is the body of a run. A failure that is not an interruption
// moves the job to failed; an interrupted run leaves the status for Recover.
func (o *Orchestrator) execute(ctx context.Context, tenant, jobID string, r *run) error {
	log := o.log.With(logger.String("job_id", jobID), logger.String("tenant", tenant))
	job, err := o.loadJob(ctx, tenant, jobID)
	if err != nil {
		return err
	}

	log.Info("job run started",
		logger.String("entity_type", job.EntityType),
		logger.Int("workers", job.Workers),
		logger.Int("batch_size", job.BatchSize))
	err = o.runJob(ctx, job, r, log)
	if err == nil {
		log.Info("job run finished")
		return nil
	}
	if ctx.Err() != nil {
		log.Warn("job run interrupted", logger.Error(err))
		return err
	}
	if errors.Is(err, ErrInvalidTransition) {
		log.Warn("job state changed outside the run", logger.Error(err))
		return err
	}

	category := errors.CategoryDatabase
	switch {
	case errors.Is(err, ErrSourceUnreachable):
		category = errors.CategorySource
	case errors.Is(err, ErrStalePlan), errors.Is(err, checkpoint.ErrPlanChanged):
		category = errors.CategoryState
	case errors.IsCategory(err, errors.CategoryValidation), errors.IsCategory(err, errors.CategoryConfiguration):
		category = errors.CategoryConfiguration
	}
	log.Error("job failed", logger.Error(err), logger.String("category", string(category)))
	if ferr := o.fail(context.WithoutCancel(ctx), tenant, jobID, category, err); ferr != nil {
		log.Error("failed to record job failure", logger.Error(ferr))
	}
	return err
}

func (o *Orchestrator) runJob(ctx context.Context, job *entities.MigrationJob, r *run, log logger.Logger) error {
	tr, err := o.cfg.NewTransformer(job.Mappings)
	if err != nil {
		return err
	}
	if tr.Version() != job.TransformVersion {
		return fmt.Errorf("%w: transform version is %s, job was created with %s", ErrStalePlan, tr.Version(), job.TransformVersion)
	}

	state, err := o.checkpoints.Load(ctx, job.ID, job.EntityType)
	if err != nil {
		return err
	}
	if state.Found && (state.PlanFingerprint != job.PlanFingerprint || state.TransformVersion != job.TransformVersion) {
		return fmt.Errorf("%w: checkpoint at batch %d was written under another plan", ErrStalePlan, state.BatchIndex)
	}
	if state.Found {
		log.Info("resuming from checkpoint",
			logger.Int64("batch_index", state.BatchIndex),
			logger.String("loaded_up_to", state.LoadedUpTo))
	}

	p := o.newPipeline(job, tr)
	clock := &runClock{started: o.now()}

	drained, err := o.load(ctx, job, p, state, r, clock, log)
	if err != nil {
		return err
	}
	if !drained {
		return o.finishStopped(ctx, job, log)
	}

	drainedAt := o.now()
	log.Info("source drained, replaying quarantine")
	for {
		done, err := o.retryPhase(ctx, job, p, r, clock, drainedAt, log)
		if err != nil {
			return err
		}
		if !done {
			return o.finishStopped(ctx, job, log)
		}
		err = o.complete(ctx, job)
		if errors.Is(err, ErrInvalidTransition) {
			// Paused or cancelled after the last gate; the gate decides.
			continue
		}
		return err
	}
}

// load runs the dispatcher and the workers until the source is drained or
// the job stops being runnable.
func (o *Orchestrator) load(ctx context.Context, job *entities.MigrationJob, p *pipeline, state checkpoint.State,
	r *run, clock *runClock, log logger.Logger,
) (bool, error) {
	g, gctx := errgroup.WithContext(ctx)
	batches := make(chan pendingBatch)
	seq := newSequencer(state.BatchIndex+1, func(res batchResult) error {
		return o.commitBatch(gctx, job, res, log)
	})

	var drained bool
	g.Go(func() error {
		defer close(batches)
		d, err := o.dispatch(gctx, job, state, r, clock, batches, log)
		drained = d
		return err
	})

	for range job.Workers {
		limiter := newLimiter(job.RateLimit)
		g.Go(func() error {
			for b := range batches {
				res, err := p.processBatch(gctx, b, limiter)
				if err != nil {
					return err
				}
				if err := seq.complete(res); err != nil {
					return err
				}
			}
			return nil
		})
	}

	err := g.Wait()
	return drained && err == nil, err
}

// dispatch owns the cursor. It checks the persisted status before every
// fetch and hands fetched batches to the workers.
func (o *Orchestrator) dispatch(ctx context.Context, job *entities.MigrationJob, state checkpoint.State, r *run,
	clock *runClock, batches chan<- pendingBatch, log logger.Logger,
) (bool, error) {
	cursor := state.Cursor
	index := state.BatchIndex
	for {
		ok, err := o.gate(ctx, job, r, clock, log)
		if err != nil || !ok {
			return false, err
		}

		batch, err := o.fetch(ctx, job, cursor, log)
		if err != nil {
			return false, err
		}
		if len(batch.Records) == 0 && (batch.Done || batch.NextCursor == cursor) {
			return true, nil
		}

		index++
		select {
		case batches <- pendingBatch{index: index, cursor: batch.NextCursor, records: batch.Records}:
		case <-ctx.Done():
			return false, ctx.Err()
		}
		if batch.Done {
			return true, nil
		}
		cursor = batch.NextCursor
	}
}

// gate reports whether the run may continue. A paused job waits here; any
// status other than running or paused stops the run. It also enforces the
// runtime bound by pausing the job.
func (o *Orchestrator) gate(ctx context.Context, job *entities.MigrationJob, r *run, clock *runClock, log logger.Logger) (bool, error) {
	for {
		cur, err := o.loadJob(ctx, job.Tenant, job.ID)
		if err != nil {
			return false, err
		}

		switch cur.Status {
		case entities.JobRunning:
			if clock.paused {
				clock.paused = false
				clock.started = o.now()
				log.Info("job resumed")
			}
			if job.MaxRuntime > 0 && o.now().Sub(clock.started) >= job.MaxRuntime {
				_, err := o.transition(ctx, job.Tenant, job.ID, []entities.JobStatus{entities.JobRunning}, entities.JobPaused, nil)
				if err != nil && !errors.Is(err, ErrInvalidTransition) {
					return false, err
				}
				log.Warn("runtime bound reached, job paused", logger.Duration("max_runtime", job.MaxRuntime))
				continue
			}
			return true, nil
		case entities.JobPaused:
			if !clock.paused {
				clock.paused = true
				log.Info("job paused at batch boundary")
			}
			if err := o.sleep(ctx, r, o.cfg.Engine.PollInterval); err != nil {
				return false, err
			}
		default:
			log.Info("run stopping", logger.String("status", string(cur.Status)))
			return false, nil
		}
	}
}

// sleep waits for d, a wake signal or the end of ctx.
func (o *Orchestrator) sleep(ctx context.Context, r *run, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.wake:
		return nil
	case <-timer.C:
		return nil
	}
}

// fetch reads the next batch, retrying failures with backoff. When the
// retries are exhausted the source is unreachable.
func (o *Orchestrator) fetch(ctx context.Context, job *entities.MigrationJob, cursor string, log logger.Logger) (source.Batch, error) {
	policy := o.quarantine.Policy()
	attempts := o.cfg.Engine.FetchRetries + 1

	var lastErr error
	for attempt := range attempts {
		if attempt > 0 {
			timer := time.NewTimer(policy.Backoff(attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return source.Batch{}, ctx.Err()
			case <-timer.C:
			}
		}

		start := time.Now()
		batch, err := o.src.Fetch(ctx, job.Source, cursor, job.BatchSize)
		o.metrics.RecordStageDuration(metrics.StageFetch, time.Since(start).Seconds())
		if err == nil {
			return batch, nil
		}
		if ctx.Err() != nil {
			return source.Batch{}, ctx.Err()
		}

		class, code := errors.Classify(err)
		o.metrics.RecordSourceError(job.Source.Kind, string(class))
		log.Warn("source fetch failed",
			logger.Int("attempt", attempt+1),
			logger.Int("max_attempts", attempts),
			logger.String("code", code),
			logger.Error(err))
		lastErr = err
		if class == errors.ClassPermanent {
			break
		}
	}
	return source.Batch{}, fmt.Errorf("%w: %s at cursor %q: %w", ErrSourceUnreachable, job.Source.Kind, cursor, lastErr)
}

// commitBatch adds the batch counters and advances the checkpoint in one
// transaction.
func (o *Orchestrator) commitBatch(ctx context.Context, job *entities.MigrationJob, res batchResult, log logger.Logger) error {
	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := addCounters(tx, job.ID, res.tally); err != nil {
			return err
		}
		return o.checkpoints.CommitTx(tx, checkpoint.CommitRequest{
			JobID:            job.ID,
			EntityType:       job.EntityType,
			Cursor:           res.cursor,
			BatchIndex:       res.index,
			LoadedUpTo:       res.loadedUpTo,
			TransformVersion: job.TransformVersion,
			PlanFingerprint:  job.PlanFingerprint,
		})
	})
	if err != nil {
		o.metrics.RecordBatch(job.EntityType, metrics.StatusError, res.elapsed.Seconds())
		if errors.Is(err, checkpoint.ErrPlanChanged) {
			return err
		}
		var ee *errors.EnhancedError
		if errors.As(err, &ee) {
			return err
		}
		return jobDBError(err, "commit batch", job.ID)
	}

	o.metrics.RecordBatch(job.EntityType, metrics.StatusSuccess, res.elapsed.Seconds())
	log.Debug("batch committed",
		logger.Int64("batch_index", res.index),
		logger.Int64("succeeded", res.tally.success),
		logger.Int64("skipped", res.tally.skipped),
		logger.Int64("conflicts", res.tally.conflicts),
		logger.Int64("quarantined", res.tally.quarantined),
		logger.Duration("elapsed", res.elapsed))
	return nil
}

// retryPhase replays due quarantine rows through the pipeline. It returns
// true once nothing is due and nothing will become due within the retry
// window, and false when the job stopped being runnable.
func (o *Orchestrator) retryPhase(ctx context.Context, job *entities.MigrationJob, p *pipeline, r *run,
	clock *runClock, drainedAt time.Time, log logger.Logger,
) (bool, error) {
	limiter := newLimiter(job.RateLimit)
	deadline := drainedAt.Add(o.cfg.RetryWindow)
	for {
		ok, err := o.gate(ctx, job, r, clock, log)
		if err != nil || !ok {
			return false, err
		}

		due, err := o.quarantine.DueForRetry(ctx, job.ID, job.BatchSize)
		if err != nil {
			return false, err
		}
		if len(due) > 0 {
			t, err := o.replay(ctx, job, p, due, limiter)
			if err != nil {
				return false, err
			}
			if err := addCounters(o.db.WithContext(ctx), job.ID, t); err != nil {
				return false, err
			}
			log.Debug("quarantine replayed",
				logger.Int("records", len(due)),
				logger.Int64("succeeded", t.success),
				logger.Int64("abandoned", t.failure))
			continue
		}

		next, waiting, err := o.quarantine.NextReplayAt(ctx, job.ID)
		if err != nil {
			return false, err
		}
		if !waiting || next.After(deadline) {
			return true, nil
		}
		wait := min(max(next.Sub(o.now()), time.Millisecond), o.cfg.Engine.PollInterval)
		if err := o.sleep(ctx, r, wait); err != nil {
			return false, err
		}
	}
}

// replay runs claimed quarantine rows through the pipeline with at most
// job.Workers records in flight.
func (o *Orchestrator) replay(ctx context.Context, job *entities.MigrationJob, p *pipeline,
	due []entities.QuarantineEntry, limiter *rate.Limiter,
) (tally, error) {
	var (
		mu sync.Mutex
		t  tally
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(job.Workers)
	for i := range due {
		entry := due[i]
		g.Go(func() error {
			if err := limiter.Wait(gctx); err != nil {
				return err
			}
			out, err := p.process(gctx, replayItem(&entry))
			if err != nil {
				return err
			}
			o.metrics.RecordQuarantineRetry(string(out))
			mu.Lock()
			t.addReplay(out)
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	return t, err
}

// complete records the post-flight results and moves the job to completed.
func (o *Orchestrator) complete(ctx context.Context, job *entities.MigrationJob) error {
	results, err := o.postflight(ctx, job)
	if err != nil {
		return err
	}
	now := o.now().UTC()
	_, err = o.transition(ctx, job.Tenant, job.ID, []entities.JobStatus{entities.JobRunning}, entities.JobCompleted,
		func(j *entities.MigrationJob) []string {
			j.PostflightResults = results
			j.FinishedAt = &now
			return []string{"postflight_results", "finished_at"}
		})
	return err
}

func (o *Orchestrator) postflight(ctx context.Context, job *entities.MigrationJob) ([]entities.CheckResult, error) {
	committed, err := o.lineage.CountCommitted(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	counts, err := o.quarantine.Counts(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	open, err := o.resolver.CountOpen(ctx, job.ID)
	if err != nil {
		return nil, err
	}

	now := o.now().UTC()
	active := counts[entities.QuarantineQuarantined] + counts[entities.QuarantineRetrying]
	abandoned := counts[entities.QuarantineAbandoned]
	return []entities.CheckResult{
		{Name: "lineage_committed", Passed: true, Message: fmt.Sprintf("%d records committed", committed), CheckedAt: now},
		{Name: "quarantined", Passed: active == 0, Message: fmt.Sprintf("%d records still quarantined", active), CheckedAt: now},
		{Name: "abandoned", Passed: abandoned == 0, Message: fmt.Sprintf("%d records abandoned", abandoned), CheckedAt: now},
		{Name: "conflicts_pending", Passed: open == 0, Message: fmt.Sprintf("%d conflicts awaiting review", open), CheckedAt: now},
	}, nil
}

// finishStopped settles a run that stopped before completing. Only a
// cancelling job needs a further transition.
func (o *Orchestrator) finishStopped(ctx context.Context, job *entities.MigrationJob, log logger.Logger) error {
	cur, err := o.loadJob(ctx, job.Tenant, job.ID)
	if err != nil {
		return err
	}
	if cur.Status != entities.JobCancelling {
		log.Debug("run stopped", logger.String("status", string(cur.Status)))
		return nil
	}
	_, err = o.finishCancel(ctx, job.Tenant, job.ID)
	return err
}

// addCounters increments the job counters by t with an atomic update.
func addCounters(db *gorm.DB, jobID string, t tally) error {
	updates := make(map[string]any, 5)
	for col, n := range map[string]int64{
		"success_count":     t.success,
		"failure_count":     t.failure,
		"skipped_count":     t.skipped,
		"conflict_count":    t.conflicts,
		"quarantined_count": t.quarantined,
	} {
		if n != 0 {
			updates[col] = gorm.Expr(col+" + ?", n)
		}
	}
	if len(updates) == 0 {
		return nil
	}
	if err := db.Model(&entities.MigrationJob{}).Where("id = ?", jobID).Updates(updates).Error; err != nil {
		return jobDBError(err, "update job counters", jobID)
	}
	return nil
}

// newLimiter returns a per-record limiter; a non-positive rate is unlimited.
func newLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(perSecond), max(1, int(perSecond)))
}
