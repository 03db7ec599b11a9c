// Package snapshot captures the pre-write state of target entities and
// restores it on rollback.
//
// A snapshot is written once per (job, entity type, target entity), before
// the first migration write for existing entities and right after create
// for new ones. Rollback walks a job's snapshots and restores existing
// entities under optimistic locking; an entity changed since the migration
// wrote it is reported as a version conflict and left alone.
package snapshot

import (
	"context"
	"fmt"
	"maps"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tphakala/recordmigrate/internal/datastore/entities"
	"github.com/tphakala/recordmigrate/internal/errors"
	"github.com/tphakala/recordmigrate/internal/logger"
	"github.com/tphakala/recordmigrate/internal/target"
)

// ErrSchemaDrift means a snapshot was captured under another entity schema
// version or envelope format and cannot be restored as is.
var ErrSchemaDrift = errors.NewStd("snapshot schema drift")

const rollbackBatchSize = 200

// CaptureRequest is the state of one target entity before the job wrote it.
type CaptureRequest struct {
	JobID         string
	Tenant        string
	EntityType    string
	TargetID      string
	Core          map[string]any
	Custom        map[string]any
	Version       int64
	SchemaVersion int
	Origin        entities.SnapshotOrigin
}

// Store persists row snapshots.
type Store struct {
	db     *gorm.DB
	schema target.Schema
	log    logger.Logger
	now    func() time.Time
}

// NewStore creates a snapshot store. schema may be nil, which disables
// schema drift detection.
func NewStore(db *gorm.DB, schema target.Schema, log logger.Logger) *Store {
	if log == nil {
		log = logger.Global().Module("snapshot")
	}
	return &Store{db: db, schema: schema, log: log, now: time.Now}
}

// CaptureOnce stores the snapshot unless one exists for the same job,
// entity type and target. The first capture wins; captured reports whether
// this call wrote it.
func (s *Store) CaptureOnce(ctx context.Context, req CaptureRequest) (captured bool, err error) {
	return s.CaptureOnceTx(s.db.WithContext(ctx), req)
}

// CaptureOnceTx is CaptureOnce inside the caller's transaction.
func (s *Store) CaptureOnceTx(tx *gorm.DB, req CaptureRequest) (bool, error) {
	if req.Origin == "" {
		req.Origin = entities.SnapshotExisting
	}
	row := entities.RowSnapshot{
		Tenant:     req.Tenant,
		JobID:      req.JobID,
		EntityType: req.EntityType,
		TargetID:   req.TargetID,
		Envelope: entities.SnapshotEnvelope{
			Format:        entities.SnapshotFormat,
			SchemaVersion: req.SchemaVersion,
			Origin:        req.Origin,
			Core:          cloneMap(req.Core),
			Custom:        cloneMap(req.Custom),
		},
		Version:    req.Version,
		Origin:     req.Origin,
		CapturedAt: s.now().UTC(),
	}
	result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if result.Error != nil {
		return false, errors.New(fmt.Errorf("failed to capture snapshot: %w", result.Error)).
			Component("snapshot").
			Category(errors.CategorySnapshot).
			Context("job_id", req.JobID).
			Context("target_id", req.TargetID).
			Build()
	}
	return result.RowsAffected == 1, nil
}

// RecordWrite stores version as the latest version jobID wrote to the
// target. It is called after every successful target write, before the
// lineage commit.
func (s *Store) RecordWrite(ctx context.Context, jobID, entityType, targetID string, version int64) error {
	row := entities.SnapshotWrite{
		JobID:      jobID,
		EntityType: entityType,
		TargetID:   targetID,
		Version:    version,
		WrittenAt:  s.now().UTC(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "job_id"}, {Name: "entity_type"}, {Name: "target_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"version", "written_at"}),
	}).Create(&row).Error
	if err != nil {
		return errors.New(fmt.Errorf("failed to record target write: %w", err)).
			Component("snapshot").
			Category(errors.CategorySnapshot).
			Context("job_id", jobID).
			Context("target_id", targetID).
			Build()
	}
	return nil
}

// Get returns the snapshot of a target entity in a job.
func (s *Store) Get(ctx context.Context, jobID, entityType, targetID string) (*entities.RowSnapshot, error) {
	var row entities.RowSnapshot
	err := s.db.WithContext(ctx).
		Where("job_id = ? AND entity_type = ? AND target_id = ?", jobID, entityType, targetID).
		Take(&row).Error
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// Count returns the number of snapshots of jobID.
func (s *Store) Count(ctx context.Context, jobID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&entities.RowSnapshot{}).Where("job_id = ?", jobID).Count(&n).Error
	return n, err
}

// Target is the rollback target of one snapshot.
type Target struct {
	Tenant     string
	EntityType string
	TargetID   string
	Snapshot   *entities.RowSnapshot
	// Written is the last version the job wrote, valid when HasWrite.
	Written  int64
	HasWrite bool
}

// RollbackOptions configure RollbackTarget.
type RollbackOptions struct {
	// ExpectedVersion returns the version the migration left the entity at.
	// ok=false skips the entity. Without it the recorded write is used, and
	// an entity the job never wrote is skipped.
	ExpectedVersion func(ctx context.Context, t Target) (version int64, ok bool, err error)
	// RetractCreated deletes entities the job created, if the restorer
	// implements target.Retractor.
	RetractCreated bool
	// OnRestored runs after each successful restore or retraction.
	OnRestored func(ctx context.Context, t Target) error
}

// Report summarises a rollback of one entity type.
type Report struct {
	Restored         int
	Retracted        int
	LeftInPlace      int
	Skipped          int
	VersionConflicts []entities.VersionConflictEntry
	SchemaDrift      []string
}

// RollbackTarget restores every snapshot of (jobID, entityType) through r.
//
// Snapshots are streamed in batches. Version conflicts and schema drift are
// collected in the report, never overwritten. Created entities are left in
// place unless opts.RetractCreated is set.
func (s *Store) RollbackTarget(ctx context.Context, jobID, entityType string, r target.Restorer, opts RollbackOptions) (Report, error) {
	var report Report
	retractor, canRetract := r.(target.Retractor)

	var batchErr error
	var rows []entities.RowSnapshot
	result := s.db.WithContext(ctx).
		Where("job_id = ? AND entity_type = ?", jobID, entityType).
		Order("id ASC").
		FindInBatches(&rows, rollbackBatchSize, func(_ *gorm.DB, _ int) error {
			written, err := s.writes(ctx, jobID, entityType, rows)
			if err != nil {
				batchErr = err
				return err
			}
			for i := range rows {
				if err := ctx.Err(); err != nil {
					batchErr = err
					return err
				}
				if err := s.rollbackOne(ctx, &rows[i], written, r, retractor, canRetract, opts, &report); err != nil {
					batchErr = err
					return err
				}
			}
			return nil
		})
	if batchErr != nil {
		return report, batchErr
	}
	if result.Error != nil {
		return report, errors.New(fmt.Errorf("failed to stream snapshots: %w", result.Error)).
			Component("snapshot").
			Category(errors.CategoryDatabase).
			Context("job_id", jobID).
			Build()
	}

	s.log.Info("rollback finished",
		logger.String("job_id", jobID),
		logger.String("entity_type", entityType),
		logger.Int("restored", report.Restored),
		logger.Int("retracted", report.Retracted),
		logger.Int("left_in_place", report.LeftInPlace),
		logger.Int("version_conflicts", len(report.VersionConflicts)),
		logger.Int("schema_drift", len(report.SchemaDrift)))
	return report, nil
}

// writes loads the recorded writes of a batch of snapshots by target id.
func (s *Store) writes(ctx context.Context, jobID, entityType string, rows []entities.RowSnapshot) (map[string]int64, error) {
	ids := make([]string, len(rows))
	for i := range rows {
		ids[i] = rows[i].TargetID
	}
	var found []entities.SnapshotWrite
	err := s.db.WithContext(ctx).
		Where("job_id = ? AND entity_type = ? AND target_id IN ?", jobID, entityType, ids).
		Find(&found).Error
	if err != nil {
		return nil, errors.New(fmt.Errorf("failed to load target writes: %w", err)).
			Component("snapshot").
			Category(errors.CategoryDatabase).
			Context("job_id", jobID).
			Build()
	}
	written := make(map[string]int64, len(found))
	for _, w := range found {
		written[w.TargetID] = w.Version
	}
	return written, nil
}

func (s *Store) rollbackOne(ctx context.Context, snap *entities.RowSnapshot, written map[string]int64, r target.Restorer,
	retractor target.Retractor, canRetract bool, opts RollbackOptions, report *Report,
) error {
	t := Target{Tenant: snap.Tenant, EntityType: snap.EntityType, TargetID: snap.TargetID, Snapshot: snap}
	t.Written, t.HasWrite = written[snap.TargetID]

	if snap.Origin == entities.SnapshotCreated && (!opts.RetractCreated || !canRetract) {
		report.LeftInPlace++
		return nil
	}

	if snap.Origin != entities.SnapshotCreated {
		if drift := s.drift(snap); drift != "" {
			report.SchemaDrift = append(report.SchemaDrift, snap.TargetID)
			s.log.Warn("snapshot schema drift",
				logger.String("target_id", snap.TargetID),
				logger.String("detail", drift))
			return nil
		}
	}

	expected, ok, err := s.expectedVersion(ctx, t, opts)
	if err != nil {
		return err
	}
	if !ok {
		report.Skipped++
		return nil
	}

	if snap.Origin == entities.SnapshotCreated {
		err = retractor.Delete(ctx, snap.Tenant, snap.EntityType, snap.TargetID, expected)
	} else {
		err = r.Restore(ctx, snap.Tenant, snap.EntityType, snap.TargetID, expected, snap.Version,
			target.Payload{Core: snap.Envelope.Core, Custom: snap.Envelope.Custom})
	}

	var vc *errors.VersionConflictError
	switch {
	case errors.As(err, &vc):
		report.VersionConflicts = append(report.VersionConflicts, entities.VersionConflictEntry{
			EntityType: snap.EntityType,
			TargetID:   snap.TargetID,
			Expected:   vc.Expected,
			Actual:     vc.Actual,
		})
		return nil
	case errors.Is(err, target.ErrNotFound):
		report.Skipped++
		return nil
	case err != nil:
		return errors.New(fmt.Errorf("failed to roll back %s: %w", snap.TargetID, err)).
			Component("snapshot").
			Category(errors.CategorySnapshot).
			Context("target_id", snap.TargetID).
			Build()
	}

	if snap.Origin == entities.SnapshotCreated {
		report.Retracted++
	} else {
		report.Restored++
	}
	if opts.OnRestored != nil {
		return opts.OnRestored(ctx, t)
	}
	return nil
}

func (s *Store) expectedVersion(ctx context.Context, t Target, opts RollbackOptions) (int64, bool, error) {
	if opts.ExpectedVersion == nil {
		return t.Written, t.HasWrite, nil
	}
	return opts.ExpectedVersion(ctx, t)
}

// drift describes why the snapshot cannot be restored, or returns "".
func (s *Store) drift(snap *entities.RowSnapshot) string {
	if snap.Envelope.Format != entities.SnapshotFormat {
		return fmt.Sprintf("envelope format %d, want %d", snap.Envelope.Format, entities.SnapshotFormat)
	}
	if s.schema == nil {
		return ""
	}
	info, ok := s.schema.SchemaOf(snap.EntityType)
	if ok && info.Version != snap.Envelope.SchemaVersion {
		return fmt.Sprintf("schema version %d, current %d", snap.Envelope.SchemaVersion, info.Version)
	}
	return ""
}

// DriftError wraps ErrSchemaDrift for the drifted targets of a report.
func (r Report) DriftError() error {
	if len(r.SchemaDrift) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %d snapshot(s) not restored", ErrSchemaDrift, len(r.SchemaDrift))
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return maps.Clone(m)
}
