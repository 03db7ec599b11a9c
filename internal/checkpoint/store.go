// Package checkpoint stores the single resumable cursor of each
// (job, entity type) pair.
package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tphakala/recordmigrate/internal/datastore/entities"
	"github.com/tphakala/recordmigrate/internal/errors"
	"github.com/tphakala/recordmigrate/internal/logger"
)

// ErrPlanChanged means the stored checkpoint was written under a different
// plan fingerprint. The job must be started fresh instead of resumed.
var ErrPlanChanged = errors.NewStd("checkpoint plan fingerprint changed")

// State is the persisted cursor state. Found is false when no checkpoint
// exists yet, in which case reading starts at the beginning of the source.
type State struct {
	Found            bool
	Cursor           string
	BatchIndex       int64
	LoadedUpTo       string
	TransformVersion string
	PlanFingerprint  string
}

// CommitRequest is one batch boundary.
type CommitRequest struct {
	JobID            string
	EntityType       string
	Cursor           string
	BatchIndex       int64
	LoadedUpTo       string
	TransformVersion string
	PlanFingerprint  string
}

// Store reads and writes checkpoints.
type Store struct {
	db  *gorm.DB
	log logger.Logger
}

// NewStore creates a checkpoint store. A nil log uses the global "checkpoint" module.
func NewStore(db *gorm.DB, log logger.Logger) *Store {
	if log == nil {
		log = logger.Global().Module("checkpoint")
	}
	return &Store{db: db, log: log}
}

// Load returns the checkpoint of (jobID, entityType), or a zero State with
// Found=false when none was committed.
func (s *Store) Load(ctx context.Context, jobID, entityType string) (State, error) {
	var row entities.Checkpoint
	err := s.db.WithContext(ctx).
		Where("job_id = ? AND entity_type = ?", jobID, entityType).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return State{}, nil
	}
	if err != nil {
		return State{}, errors.New(fmt.Errorf("failed to load checkpoint: %w", err)).
			Component("checkpoint").
			Category(errors.CategoryDatabase).
			Context("job_id", jobID).
			Context("entity_type", entityType).
			Build()
	}
	return State{
		Found:            true,
		Cursor:           row.Cursor,
		BatchIndex:       row.BatchIndex,
		LoadedUpTo:       row.LoadedUpTo,
		TransformVersion: row.TransformVersion,
		PlanFingerprint:  row.PlanFingerprint,
	}, nil
}

// Commit upserts the checkpoint. If a checkpoint with a different plan
// fingerprint exists, it is left untouched and ErrPlanChanged is returned.
func (s *Store) Commit(ctx context.Context, req CommitRequest) error {
	return s.CommitTx(s.db.WithContext(ctx), req)
}

// CommitTx is Commit inside the caller's transaction, so that job counters
// and the cursor advance together.
func (s *Store) CommitTx(db *gorm.DB, req CommitRequest) error {
	err := db.Transaction(func(tx *gorm.DB) error {
		var existing entities.Checkpoint
		err := tx.Where("job_id = ? AND entity_type = ?", req.JobID, req.EntityType).Take(&existing).Error
		switch {
		case err == nil && existing.PlanFingerprint != req.PlanFingerprint:
			return ErrPlanChanged
		case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		row := entities.Checkpoint{
			JobID:            req.JobID,
			EntityType:       req.EntityType,
			Cursor:           req.Cursor,
			BatchIndex:       req.BatchIndex,
			LoadedUpTo:       req.LoadedUpTo,
			TransformVersion: req.TransformVersion,
			PlanFingerprint:  req.PlanFingerprint,
		}
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "job_id"}, {Name: "entity_type"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"cursor", "batch_index", "loaded_up_to", "transform_version", "updated_at",
			}),
		}).Create(&row).Error
	})

	if errors.Is(err, ErrPlanChanged) {
		s.log.Warn("checkpoint plan fingerprint mismatch",
			logger.String("job_id", req.JobID),
			logger.String("entity_type", req.EntityType))
		return errors.New(ErrPlanChanged).
			Component("checkpoint").
			Category(errors.CategoryState).
			Context("job_id", req.JobID).
			Build()
	}
	if err != nil {
		return errors.New(fmt.Errorf("failed to commit checkpoint: %w", err)).
			Component("checkpoint").
			Category(errors.CategoryDatabase).
			Context("job_id", req.JobID).
			Context("batch_index", req.BatchIndex).
			Build()
	}

	s.log.Debug("checkpoint committed",
		logger.String("job_id", req.JobID),
		logger.Int64("batch_index", req.BatchIndex),
		logger.String("loaded_up_to", req.LoadedUpTo))
	return nil
}

// Plan is everything that decides how source records become target
// records. Resuming under a different plan would mix two migrations.
type Plan struct {
	EntityType       string                    `json:"entity_type"`
	LegacySystem     string                    `json:"legacy_system"`
	Source           entities.SourceConfig     `json:"source"`
	Mappings         []entities.FieldMapping   `json:"mappings"`
	MergePolicy      entities.MergePolicy      `json:"merge_policy"`
	ConflictStrategy entities.ConflictStrategy `json:"conflict_strategy"`
	TransformVersion string                    `json:"transform_version"`
}

const fingerprintDomain = "recordmigrate/plan/v1\x00"

// Fingerprint returns the hex sha256 of the plan's canonical JSON, prefixed
// with a domain tag. encoding/json sorts map keys, so equal plans hash equally.
func Fingerprint(plan Plan) (string, error) {
	data, err := json.Marshal(plan)
	if err != nil {
		return "", fmt.Errorf("failed to encode plan: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(fingerprintDomain))
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}
