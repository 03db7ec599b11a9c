package migration

import (
	"context"
	"fmt"

	"github.com/tphakala/recordmigrate/internal/datastore/entities"
	"github.com/tphakala/recordmigrate/internal/errors"
	"github.com/tphakala/recordmigrate/internal/lineage"
	"github.com/tphakala/recordmigrate/internal/logger"
	"github.com/tphakala/recordmigrate/internal/snapshot"
)

// Rollback restores every target entity the job wrote from its snapshots.
// The expected version of an entity is the last version the job recorded
// writing, so entities whose lineage commit failed are restored too.
//
// Entities changed after the migration are reported as version conflicts
// and left untouched, as are snapshots taken under another schema version.
// The lineage of each restored entity is removed so the legacy record can
// be migrated again. A rollback interrupted by an error leaves the job in
// rolling_back and can be resumed by calling Rollback again.
//
// The job is rolled back even when conflicts are found; the returned error
// then wraps errors.ErrVersionConflict and the job carries the report.
func (o *Orchestrator) Rollback(ctx context.Context, tenant, jobID string) (*entities.MigrationJob, error) {
	if o.live(jobID) != nil {
		return nil, activeError(jobID)
	}
	job, err := o.loadJob(ctx, tenant, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != entities.JobRollingBack {
		job, err = o.transition(ctx, tenant, jobID,
			[]entities.JobStatus{entities.JobCompleted, entities.JobFailed, entities.JobCancelled}, entities.JobRollingBack, nil)
		if err != nil {
			return job, err
		}
	}

	log := o.log.With(logger.String("job_id", jobID), logger.String("entity_type", job.EntityType))
	report, err := o.snapshots.RollbackTarget(ctx, jobID, job.EntityType, o.target, snapshot.RollbackOptions{
		ExpectedVersion: func(ctx context.Context, t snapshot.Target) (int64, bool, error) {
			row, err := o.lineage.FindCommittedByTarget(ctx, t.Tenant, t.EntityType, t.TargetID)
			switch {
			case errors.Is(err, lineage.ErrNotFound):
				row = nil
			case err != nil:
				return 0, false, err
			}
			if row != nil && row.JobID != jobID {
				// Another job's record now owns the entity.
				return 0, false, nil
			}
			if t.HasWrite {
				return t.Written, true, nil
			}
			if row != nil {
				return row.TargetVersion, true, nil
			}
			return 0, false, nil
		},
		RetractCreated: o.cfg.RetractCreated,
		OnRestored: func(ctx context.Context, t snapshot.Target) error {
			row, err := o.lineage.FindCommittedByTarget(ctx, t.Tenant, t.EntityType, t.TargetID)
			if errors.Is(err, lineage.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if row.JobID != jobID {
				return nil
			}
			return o.lineage.DeleteByID(ctx, row.ID)
		},
	})
	if err != nil {
		log.Error("rollback interrupted", logger.Error(err))
		o.metrics.RecordRollback(job.EntityType, "error", 1)
		return job, errors.New(err).
			Component("migration").
			Category(errors.CategorySnapshot).
			Context("job_id", jobID).
			Context("operation", "rollback").
			Build()
	}

	o.metrics.RecordRollback(job.EntityType, "restored", report.Restored)
	o.metrics.RecordRollback(job.EntityType, "retracted", report.Retracted)
	o.metrics.RecordRollback(job.EntityType, "left_in_place", report.LeftInPlace)
	o.metrics.RecordRollback(job.EntityType, "skipped", report.Skipped)
	o.metrics.RecordRollback(job.EntityType, "version_conflict", len(report.VersionConflicts))

	now := o.now().UTC()
	job, err = o.transition(context.WithoutCancel(ctx), tenant, jobID,
		[]entities.JobStatus{entities.JobRollingBack}, entities.JobRolledBack,
		func(j *entities.MigrationJob) []string {
			j.RollbackReport = &entities.RollbackReport{
				Restored:         report.Restored,
				Retracted:        report.Retracted,
				LeftInPlace:      report.LeftInPlace,
				VersionConflicts: report.VersionConflicts,
				SchemaDrift:      report.SchemaDrift,
				CompletedAt:      now,
			}
			j.FinishedAt = &now
			return []string{"rollback_report", "finished_at"}
		})
	if err != nil {
		return job, err
	}

	log.Info("rollback finished",
		logger.Int("restored", report.Restored),
		logger.Int("retracted", report.Retracted),
		logger.Int("left_in_place", report.LeftInPlace),
		logger.Int("skipped", report.Skipped),
		logger.Int("version_conflicts", len(report.VersionConflicts)),
		logger.Int("schema_drift", len(report.SchemaDrift)))

	if len(report.VersionConflicts) == 0 && len(report.SchemaDrift) == 0 {
		return job, nil
	}
	var cause error
	if n := len(report.VersionConflicts); n > 0 {
		cause = fmt.Errorf("%w: %d target(s) changed after migration", errors.ErrVersionConflict, n)
	}
	return job, errors.New(errors.Join(cause, report.DriftError())).
		Component("migration").
		Category(errors.CategoryConflict).
		Context("job_id", jobID).
		Context("version_conflicts", len(report.VersionConflicts)).
		Context("schema_drift", len(report.SchemaDrift)).
		Build()
}
