package migration

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"gorm.io/gorm"

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

// Outcome is the terminal state of one record in a run.
type Outcome string

const (
	OutcomeCommitted   Outcome = "committed"
	OutcomeSkipped     Outcome = "skipped"
	OutcomeEscalated   Outcome = "escalated"
	OutcomeQuarantined Outcome = "quarantined"
	OutcomeAbandoned   Outcome = "abandoned"
)

// dedupeOption names the core field whose normalized value must be unique
// across legacy systems.
const dedupeOption = "dedupe_field"

// tally counts record outcomes for the job counters.
type tally struct {
	success     int64
	failure     int64
	skipped     int64
	conflicts   int64
	quarantined int64
}

// add counts a first-pass outcome. An abandoned record was also quarantined.
func (t *tally) add(o Outcome) {
	switch o {
	case OutcomeCommitted:
		t.success++
	case OutcomeSkipped:
		t.skipped++
	case OutcomeEscalated:
		t.conflicts++
	case OutcomeQuarantined:
		t.quarantined++
	case OutcomeAbandoned:
		t.quarantined++
		t.failure++
	}
}

// addReplay counts the outcome of a record that was already counted as
// quarantined or as a conflict.
func (t *tally) addReplay(o Outcome) {
	switch o {
	case OutcomeCommitted:
		t.success++
	case OutcomeSkipped:
		t.skipped++
	case OutcomeEscalated:
		t.conflicts++
	case OutcomeAbandoned:
		t.failure++
	}
}

// item is one record entering the pipeline.
type item struct {
	legacyID   string
	payload    map[string]any
	extractErr error
}

// sourceItem builds the item of a fetched record. A record without a
// legacy id is keyed by its payload hash.
func sourceItem(r source.Record, idField string) item {
	it := item{legacyID: r.LegacyID, payload: r.Payload, extractErr: r.Err}
	if it.extractErr == nil && it.legacyID == "" {
		it.extractErr = errors.NewPermanent(errors.CodeMissingID, fmt.Errorf("record has no %q attribute", idField))
	}
	if it.extractErr != nil {
		it.legacyID = source.PayloadKey(r.Payload)
	}
	return it
}

// replayItem builds the item of a quarantine row. An extract failure is
// rebuilt from the row so that the replay reports the same signature.
func replayItem(e *entities.QuarantineEntry) item {
	it := item{legacyID: e.LegacyID, payload: e.RawPayload}
	if e.Stage == entities.StageExtract {
		msg := strings.TrimPrefix(e.ErrorMessage, "permanent "+e.ErrorCode+": ")
		it.extractErr = errors.NewPermanent(e.ErrorCode, errors.NewStd(msg))
	}
	return it
}

// conflictItem builds the item of a conflict being resolved.
func conflictItem(c *entities.Conflict) item {
	return item{legacyID: c.LegacyID, payload: map[string]any{"core": c.Core, "custom": c.Custom}}
}

// pipeline runs records of one job through extract, transform, detect,
// reserve, load, snapshot and commit.
type pipeline struct {
	o       *Orchestrator
	job     *entities.MigrationJob
	tr      transform.Transformer
	version string
	log     logger.Logger
}

func (o *Orchestrator) newPipeline(job *entities.MigrationJob, tr transform.Transformer) *pipeline {
	version := job.TransformVersion
	if tr != nil {
		version = tr.Version()
	}
	return &pipeline{
		o:       o,
		job:     job,
		tr:      tr,
		version: version,
		log:     o.log.With(logger.String("job_id", job.ID), logger.String("entity_type", job.EntityType)),
	}
}

// processBatch runs every record of b. Only orchestration-level errors are
// returned; record failures end in quarantine.
func (p *pipeline) processBatch(ctx context.Context, b pendingBatch, limiter *rate.Limiter) (batchResult, error) {
	start := time.Now()
	res := batchResult{index: b.index, cursor: b.cursor}
	for _, r := range b.records {
		if err := limiter.Wait(ctx); err != nil {
			return res, err
		}
		out, err := p.process(ctx, sourceItem(r, p.job.Source.IDField))
		if err != nil {
			return res, err
		}
		res.tally.add(out)
		if r.LegacyID != "" {
			res.loadedUpTo = r.LegacyID
		}
	}
	res.elapsed = time.Since(start)
	return res, nil
}

// process takes one record to a terminal outcome.
func (p *pipeline) process(ctx context.Context, it item) (Outcome, error) {
	out, err := p.run(ctx, it)
	if err == nil {
		p.o.metrics.RecordRecord(p.job.EntityType, metricOutcome(out))
	}
	return out, err
}

func (p *pipeline) run(ctx context.Context, it item) (Outcome, error) {
	job := p.job
	rec := p.record(it)
	if it.extractErr != nil {
		return p.quarantine(ctx, rec, entities.StageExtract, it.extractErr, "")
	}

	abandoned, err := p.o.quarantine.IsAbandoned(ctx, job.ID, job.EntityType, job.LegacySystem, it.legacyID)
	if err != nil {
		return "", err
	}
	if abandoned {
		return OutcomeSkipped, nil
	}

	look, err := p.o.lineage.Lookup(ctx, job.Tenant, job.EntityType, job.LegacySystem, it.legacyID)
	if err != nil {
		return p.quarantine(ctx, rec, entities.StageReserve, err, "")
	}
	if look.State == lineage.StateCommitted {
		return p.alreadyCommitted(ctx, rec, look)
	}

	c, res, err := p.o.resolver.FindForRecord(ctx, job.ID, job.EntityType, job.LegacySystem, it.legacyID)
	switch {
	case errors.Is(err, conflict.ErrNotFound):
	case err != nil:
		return p.quarantine(ctx, rec, entities.StageDetect, err, "")
	case res != nil:
		return p.applyResolution(ctx, it, c, res)
	default:
		return p.escalate(ctx, rec, c)
	}

	start := time.Now()
	out, err := p.tr.Transform(ctx, it.payload)
	p.o.metrics.RecordStageDuration(metrics.StageTransform, time.Since(start).Seconds())
	if err != nil {
		return p.quarantine(ctx, rec, entities.StageTransform, err, "")
	}
	payload := target.Payload{Core: out.Core, Custom: out.Custom}

	start = time.Now()
	key := idempotencyKey(job, it.legacyID)
	result, err := p.o.detector.Classify(ctx, job, conflict.Record{LegacyID: it.legacyID, IdempotencyKey: key, Payload: payload})
	p.o.metrics.RecordStageDuration(metrics.StageDetect, time.Since(start).Seconds())
	if err != nil {
		return p.quarantine(ctx, rec, entities.StageDetect, err, "")
	}

	switch result.Kind {
	case conflict.KindNone:
		return p.create(ctx, rec, payload, key)
	case conflict.KindAutoMatch:
		p.o.metrics.RecordConflict(string(result.Kind), string(result.Match.Bucket))
		switch job.ConflictStrategy {
		case entities.StrategyMerge, entities.StrategyOverwrite:
			return p.autoMerge(ctx, rec, payload, result)
		case entities.StrategySkip:
			return p.autoSkip(ctx, rec, result)
		default:
			stored, err := p.o.detector.Persist(ctx, result.Conflict)
			if err != nil {
				return p.quarantine(ctx, rec, entities.StageDetect, err, "")
			}
			return p.escalate(ctx, rec, stored)
		}
	default:
		p.o.metrics.RecordConflict(string(result.Kind), string(result.Conflict.Bucket))
		return p.escalate(ctx, rec, result.Conflict)
	}
}

func (p *pipeline) record(it item) quarantine.Record {
	return quarantine.Record{
		Tenant:           p.job.Tenant,
		JobID:            p.job.ID,
		EntityType:       p.job.EntityType,
		LegacySystem:     p.job.LegacySystem,
		LegacyID:         it.legacyID,
		RawPayload:       it.payload,
		TransformVersion: p.version,
	}
}

// alreadyCommitted handles a record whose lineage is committed. A commit
// of this job whose batch was not checkpointed counts as committed again,
// since its counters were never written.
func (p *pipeline) alreadyCommitted(ctx context.Context, rec quarantine.Record, look lineage.LookupResult) (Outcome, error) {
	if err := p.resolveQuarantine(ctx, rec); err != nil {
		return "", err
	}
	if look.JobID == p.job.ID {
		return OutcomeCommitted, nil
	}
	return OutcomeSkipped, nil
}

// escalate parks the record in manual review. A conflict resolved in the
// meantime is applied instead.
func (p *pipeline) escalate(ctx context.Context, rec quarantine.Record, c *entities.Conflict) (Outcome, error) {
	err := p.o.resolver.Escalate(ctx, p.job.Tenant, c.ID)
	if errors.Is(err, conflict.ErrAlreadyResolved) {
		stored, res, ferr := p.o.resolver.FindForRecord(ctx, c.JobID, c.EntityType, c.LegacySystem, c.LegacyID)
		if ferr == nil && res != nil {
			return p.applyResolution(ctx, item{legacyID: rec.LegacyID, payload: rec.RawPayload}, stored, res)
		}
	}
	if err != nil {
		return p.quarantine(ctx, rec, entities.StageDetect, err, "")
	}
	if err := p.resolveQuarantine(ctx, rec); err != nil {
		return "", err
	}
	p.log.Debug("record escalated to manual review",
		logger.String("legacy_id", rec.LegacyID),
		logger.String("conflict_id", c.ID),
		logger.Error(errors.ErrConflictEscalation))
	return OutcomeEscalated, nil
}

// applyResolution carries out a terminal conflict decision.
func (p *pipeline) applyResolution(ctx context.Context, it item, c *entities.Conflict, res *entities.ConflictResolution) (Outcome, error) {
	rec := p.record(it)
	payload := target.Payload{Core: c.Core, Custom: c.Custom}

	switch res.Decision {
	case entities.DecisionSkipped:
		if err := p.resolveQuarantine(ctx, rec); err != nil {
			return "", err
		}
		return OutcomeSkipped, nil
	case entities.DecisionCreatedNew:
		return p.create(ctx, rec, payload, idempotencyKey(p.job, c.LegacyID))
	case entities.DecisionMerged:
		if res.ChosenCandidateID == nil {
			return p.quarantine(ctx, rec, entities.StageDetect,
				errors.NewPermanent(errors.CodeValidation, fmt.Errorf("merge resolution %d has no chosen candidate", res.ID)), "")
		}
		targetID := *res.ChosenCandidateID
		token, out, err := p.reserve(ctx, rec, payload)
		if token == "" {
			return out, err
		}
		policy := conflict.PolicyFor(p.job.ConflictStrategy, p.job.MergePolicy)
		version, _, stage, err := p.mergeInto(ctx, targetID, payload, policy, res.FieldProvenance, res.Overrides)
		if err != nil {
			return p.quarantine(ctx, rec, stage, err, token)
		}
		err = p.o.lineage.Commit(ctx, lineage.CommitRequest{
			Token: token, TargetID: targetID, TargetVersion: version, Origin: entities.OriginMerged,
		})
		return p.afterCommit(ctx, rec, token, err)
	default:
		return p.quarantine(ctx, rec, entities.StageDetect,
			errors.NewPermanent(errors.CodeValidation, fmt.Errorf("unknown decision %q", res.Decision)), "")
	}
}

// autoSkip records the skip decision of a confident match. No lineage is
// committed for a skipped record.
func (p *pipeline) autoSkip(ctx context.Context, rec quarantine.Record, result conflict.Result) (Outcome, error) {
	_, err := p.o.resolver.ResolveAuto(ctx, conflict.AutoRequest{
		Conflict: result.Conflict,
		Strategy: p.job.ConflictStrategy,
		Decision: entities.DecisionSkipped,
		Chosen:   result.Match,
	})
	if err != nil && !errors.Is(err, conflict.ErrAlreadyResolved) {
		return p.quarantine(ctx, rec, entities.StageDetect, err, "")
	}
	if err := p.resolveQuarantine(ctx, rec); err != nil {
		return "", err
	}
	return OutcomeSkipped, nil
}

// autoMerge merges the record into its confident match. The conflict, its
// resolution and explanation and the lineage commit share one transaction.
func (p *pipeline) autoMerge(ctx context.Context, rec quarantine.Record, payload target.Payload, result conflict.Result) (Outcome, error) {
	token, out, err := p.reserve(ctx, rec, payload)
	if token == "" {
		return out, err
	}

	origin := entities.OriginMerged
	if p.job.ConflictStrategy == entities.StrategyOverwrite {
		origin = entities.OriginOverwritten
	}
	policy := conflict.PolicyFor(p.job.ConflictStrategy, p.job.MergePolicy)
	targetID := result.Match.TargetID
	version, prov, stage, err := p.mergeInto(ctx, targetID, payload, policy, nil, nil)
	if err != nil {
		return p.quarantine(ctx, rec, stage, err, token)
	}

	start := time.Now()
	_, err = p.o.resolver.ResolveAuto(ctx, conflict.AutoRequest{
		Conflict:   result.Conflict,
		Strategy:   p.job.ConflictStrategy,
		Decision:   entities.DecisionMerged,
		Chosen:     result.Match,
		Provenance: prov,
		Finalize: func(tx *gorm.DB) error {
			return p.o.lineage.CommitTx(tx, lineage.CommitRequest{
				Token: token, TargetID: targetID, TargetVersion: version, Origin: origin,
			})
		},
	})
	p.o.metrics.RecordStageDuration(metrics.StageCommit, time.Since(start).Seconds())
	return p.afterCommit(ctx, rec, token, err)
}

// create inserts a new entity and commits its lineage.
func (p *pipeline) create(ctx context.Context, rec quarantine.Record, payload target.Payload, key string) (Outcome, error) {
	token, out, err := p.reserve(ctx, rec, payload)
	if token == "" {
		return out, err
	}

	start := time.Now()
	ref, err := p.o.target.Create(ctx, p.job.Tenant, p.job.EntityType, key, payload)
	p.o.metrics.RecordStageDuration(metrics.StageWrite, time.Since(start).Seconds())
	if err != nil {
		return p.quarantine(ctx, rec, entities.StageLoad, err, token)
	}

	info, _ := p.o.target.SchemaOf(p.job.EntityType)
	if _, err := p.o.snapshots.CaptureOnce(ctx, snapshot.CaptureRequest{
		JobID:         p.job.ID,
		Tenant:        p.job.Tenant,
		EntityType:    p.job.EntityType,
		TargetID:      ref.ID,
		SchemaVersion: info.Version,
		Origin:        entities.SnapshotCreated,
	}); err != nil {
		return p.quarantine(ctx, rec, entities.StageSnapshot, err, token)
	}
	if err := p.o.snapshots.RecordWrite(ctx, p.job.ID, p.job.EntityType, ref.ID, ref.Version); err != nil {
		return p.quarantine(ctx, rec, entities.StageSnapshot, err, token)
	}

	start = time.Now()
	err = p.o.lineage.Commit(ctx, lineage.CommitRequest{
		Token: token, TargetID: ref.ID, TargetVersion: ref.Version, Origin: entities.OriginCreated,
	})
	p.o.metrics.RecordStageDuration(metrics.StageCommit, time.Since(start).Seconds())
	return p.afterCommit(ctx, rec, token, err)
}

// mergeInto snapshots the current state of the target entity and writes the
// merged payload under optimistic locking. A target already claimed by a
// committed lineage row is rejected before anything is written. On error it
// returns the stage that failed.
func (p *pipeline) mergeInto(ctx context.Context, targetID string, incoming target.Payload, policy entities.MergePolicy,
	decisions map[string]entities.Provenance, overrides map[string]any,
) (int64, map[string]entities.Provenance, entities.Stage, error) {
	job := p.job
	claimed, err := p.o.lineage.IsTargetClaimed(ctx, job.Tenant, job.EntityType, targetID)
	if err != nil {
		return 0, nil, entities.StageLoad, err
	}
	if claimed {
		return 0, nil, entities.StageLoad, errors.NewPermanent(errors.CodeTargetClaimed,
			fmt.Errorf("%w: %s", lineage.ErrTargetClaimed, targetID))
	}

	ent, err := p.o.target.Get(ctx, job.Tenant, job.EntityType, targetID)
	if err != nil {
		return 0, nil, entities.StageLoad, err
	}

	if _, err := p.o.snapshots.CaptureOnce(ctx, snapshot.CaptureRequest{
		JobID:         job.ID,
		Tenant:        job.Tenant,
		EntityType:    job.EntityType,
		TargetID:      targetID,
		Core:          ent.Core,
		Custom:        ent.Custom,
		Version:       ent.Version,
		SchemaVersion: ent.SchemaVersion,
		Origin:        entities.SnapshotExisting,
	}); err != nil {
		return 0, nil, entities.StageSnapshot, err
	}

	merged, prov := conflict.Merge(policy, incoming, ent.Payload, decisions, overrides)
	start := time.Now()
	version, err := p.o.target.Update(ctx, job.Tenant, job.EntityType, targetID, ent.Version, merged)
	p.o.metrics.RecordStageDuration(metrics.StageWrite, time.Since(start).Seconds())
	if err != nil {
		return 0, nil, entities.StageLoad, err
	}
	if err := p.o.snapshots.RecordWrite(ctx, job.ID, job.EntityType, targetID, version); err != nil {
		return 0, nil, entities.StageSnapshot, err
	}
	return version, prov, "", nil
}

// reserve claims the record's lineage. An empty token means the record
// already reached an outcome, or err is orchestration-level.
func (p *pipeline) reserve(ctx context.Context, rec quarantine.Record, payload target.Payload) (string, Outcome, error) {
	start := time.Now()
	res, err := p.o.lineage.Reserve(ctx, lineage.ReserveRequest{
		Tenant:       p.job.Tenant,
		EntityType:   p.job.EntityType,
		LegacySystem: p.job.LegacySystem,
		LegacyID:     rec.LegacyID,
		JobID:        p.job.ID,
		DedupeKey:    p.dedupeKey(payload),
	})
	p.o.metrics.RecordStageDuration(metrics.StageReserve, time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, lineage.ErrDedupeConflict) {
			p.o.metrics.RecordReservation("dedupe_conflict")
		} else {
			p.o.metrics.RecordReservation("error")
		}
		out, err := p.quarantine(ctx, rec, entities.StageReserve, err, "")
		return "", out, err
	}
	p.o.metrics.RecordReservation(string(res.Outcome))

	switch res.Outcome {
	case lineage.AlreadyCommitted:
		out, err := p.alreadyCommitted(ctx, rec, lineage.LookupResult{State: lineage.StateCommitted, JobID: res.JobID})
		return "", out, err
	case lineage.AlreadyReserved:
		out, err := p.quarantine(ctx, rec, entities.StageReserve,
			errors.NewTransient(errors.CodeLockContention, fmt.Errorf("legacy record reserved by job %s", res.JobID)), "")
		return "", out, err
	}
	return res.Token, "", nil
}

// afterCommit maps a lineage commit error to the record outcome.
func (p *pipeline) afterCommit(ctx context.Context, rec quarantine.Record, token string, err error) (Outcome, error) {
	switch {
	case err == nil:
	case errors.Is(err, errors.ErrReservationLost):
		look, lerr := p.o.lineage.Lookup(ctx, p.job.Tenant, p.job.EntityType, p.job.LegacySystem, rec.LegacyID)
		if lerr == nil && look.State == lineage.StateCommitted {
			if rerr := p.resolveQuarantine(ctx, rec); rerr != nil {
				return "", rerr
			}
			return OutcomeSkipped, nil
		}
		return p.quarantine(ctx, rec, entities.StageLoad, err, token)
	case errors.Is(err, lineage.ErrTargetClaimed):
		return p.quarantine(ctx, rec, entities.StageLoad, errors.NewPermanent(errors.CodeTargetClaimed, err), token)
	case errors.Is(err, lineage.ErrDedupeConflict):
		return p.quarantine(ctx, rec, entities.StageLoad, errors.NewPermanent(errors.CodeDedupeConflict, err), token)
	default:
		return p.quarantine(ctx, rec, entities.StageLoad, err, token)
	}

	if err := p.resolveQuarantine(ctx, rec); err != nil {
		return "", err
	}
	return OutcomeCommitted, nil
}

// quarantine records a stage failure. It releases the record's reservation
// so that a retry can reclaim it at once. A failure that cannot be recorded
// is returned and stops the run.
func (p *pipeline) quarantine(ctx context.Context, rec quarantine.Record, stage entities.Stage, cause error, token string) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if errors.IsOrchestration(cause) {
		return "", cause
	}
	if token != "" {
		if err := p.o.lineage.Release(ctx, token); err != nil {
			p.log.Warn("failed to release reservation",
				logger.String("legacy_id", rec.LegacyID),
				logger.Error(err))
		}
	}

	res, err := p.o.quarantine.Report(ctx, quarantine.ReportRequest{Record: rec, Stage: stage, Err: cause})
	if err != nil {
		return "", err
	}
	if res.Abandoned {
		p.log.Warn("record abandoned",
			logger.String("legacy_id", rec.LegacyID),
			logger.String("stage", string(stage)),
			logger.Int("retry_count", res.Entry.RetryCount),
			logger.Error(cause))
		return OutcomeAbandoned, nil
	}
	return OutcomeQuarantined, nil
}

func (p *pipeline) resolveQuarantine(ctx context.Context, rec quarantine.Record) error {
	_, err := p.o.quarantine.Resolve(ctx, p.job.ID, p.job.EntityType, p.job.LegacySystem, rec.LegacyID)
	return err
}

func (p *pipeline) dedupeKey(payload target.Payload) string {
	field := p.job.Source.Options[dedupeOption]
	if field == "" {
		return ""
	}
	v, ok := payload.Core[field].(string)
	if !ok {
		return ""
	}
	return transform.NormalizeIdentifier(v)
}

// idempotencyKey is the create key of a legacy record in a job, so that a
// create repeated after a crash returns the first entity.
func idempotencyKey(job *entities.MigrationJob, legacyID string) string {
	return job.ID + "/" + job.LegacySystem + "/" + legacyID
}

func metricOutcome(o Outcome) string {
	switch o {
	case OutcomeEscalated:
		return metrics.OutcomeConflict
	case OutcomeSkipped:
		return metrics.OutcomeSkipped
	case OutcomeQuarantined:
		return metrics.OutcomeQuarantined
	case OutcomeAbandoned:
		return metrics.OutcomeAbandoned
	default:
		return metrics.OutcomeCommitted
	}
}
