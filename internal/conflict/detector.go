// Package conflict detects duplicate candidates for incoming legacy records
// and records how each ambiguous record was resolved.
//
// Classify scores existing entities through a pluggable Scorer and sorts the
// record into no match, a single confident match, or a conflict. Conflicts
// are persisted once per (job, entity type, legacy record). Resolutions and
// merge explanations are written in the same transaction as the conflict's
// terminal status and are never changed afterwards.
package conflict

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tphakala/recordmigrate/internal/datastore/entities"
	"github.com/tphakala/recordmigrate/internal/errors"
	"github.com/tphakala/recordmigrate/internal/lineage"
	"github.com/tphakala/recordmigrate/internal/logger"
	"github.com/tphakala/recordmigrate/internal/target"
)

// DefaultMaxCandidates bounds the candidate lookup.
const DefaultMaxCandidates = 10

// Kind is the classification of a record.
type Kind string

const (
	KindNone      Kind = "none"
	KindAutoMatch Kind = "auto_match"
	KindConflict  Kind = "conflict"
)

// Record is a transformed legacy record to classify.
type Record struct {
	LegacyID string
	// IdempotencyKey is the key the record's create would use. Entities
	// carrying it are the record's own earlier write, not duplicates.
	IdempotencyKey string
	Payload        target.Payload
}

// Result is the outcome of Classify.
//
// For KindAutoMatch, Match is the chosen candidate and Conflict is an
// unsaved draft for ResolveAuto. For KindConflict, Conflict is the stored row.
type Result struct {
	Kind       Kind
	Match      entities.Candidate
	Candidates []entities.Candidate
	Conflict   *entities.Conflict
}

// ClaimChecker finds the legacy record already mapped onto a target entity.
// *lineage.Registry implements it.
type ClaimChecker interface {
	FindCommittedByTarget(ctx context.Context, tenant, entityType, targetID string) (*entities.Lineage, error)
}

// DetectorConfig configures a Detector.
type DetectorConfig struct {
	Thresholds    Thresholds
	MaxCandidates int
	Logger        logger.Logger
}

// Detector classifies records against existing entities.
type Detector struct {
	db     *gorm.DB
	finder target.CandidateFinder
	scorer Scorer
	claims ClaimChecker
	cfg    DetectorConfig
	log    logger.Logger
}

// NewDetector creates a Detector. Zero thresholds take the defaults.
func NewDetector(db *gorm.DB, finder target.CandidateFinder, scorer Scorer, claims ClaimChecker, cfg DetectorConfig) (*Detector, error) {
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = DefaultMaxCandidates
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Global().Module("conflict")
	}
	return &Detector{db: db, finder: finder, scorer: scorer, claims: claims, cfg: cfg, log: log}, nil
}

// Thresholds returns the bucket thresholds in use.
func (d *Detector) Thresholds() Thresholds {
	return d.cfg.Thresholds
}

// Classify scores the existing entities that may duplicate rec.
//
// A record is an auto match when exactly one candidate clears the high
// threshold and no other legacy record already claims it. Any other
// candidate at or above the low threshold makes a conflict, which is
// persisted as pending; classifying the same record again returns the
// stored conflict.
func (d *Detector) Classify(ctx context.Context, job *entities.MigrationJob, rec Record) (Result, error) {
	found, err := d.finder.FindCandidates(ctx, job.Tenant, job.EntityType, rec.Payload, d.cfg.MaxCandidates)
	if err != nil {
		return Result{}, err
	}

	candidates := make([]entities.Candidate, 0, len(found))
	for i := range found {
		e := &found[i]
		if rec.IdempotencyKey != "" && e.IdempotencyKey == rec.IdempotencyKey {
			continue
		}
		score := d.scorer.Score(rec.Payload, *e)
		bucket, ok := d.cfg.Thresholds.Bucket(score.Total)
		if !ok {
			continue
		}
		candidates = append(candidates, entities.Candidate{
			TargetID: e.ID,
			Version:  e.Version,
			Score:    score.Total,
			Bucket:   bucket,
			Reasons:  score.Reasons,
			Diff:     score.Diff,
		})
	}
	if len(candidates) == 0 {
		return Result{Kind: KindNone}, nil
	}

	slices.SortStableFunc(candidates, func(a, b entities.Candidate) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.TargetID, b.TargetID)
	})

	draft := d.draft(job, rec, candidates)
	top := candidates[0]
	unique := len(candidates) == 1 || candidates[1].Bucket != entities.BucketHigh
	if top.Bucket == entities.BucketHigh && unique {
		claimed, err := d.claimedByOther(ctx, job, rec, top.TargetID)
		if err != nil {
			return Result{}, err
		}
		if !claimed {
			return Result{Kind: KindAutoMatch, Match: top, Candidates: candidates, Conflict: draft}, nil
		}
		draft.Candidates[0].Reasons = append(slices.Clone(top.Reasons), "already mapped from another legacy record")
	}

	stored, err := d.persist(ctx, draft)
	if err != nil {
		return Result{}, err
	}
	d.log.Debug("conflict detected",
		logger.String("job_id", job.ID),
		logger.String("legacy_id", rec.LegacyID),
		logger.Int("candidates", len(candidates)),
		logger.Float64("top_score", top.Score))
	return Result{Kind: KindConflict, Candidates: stored.Candidates, Conflict: stored}, nil
}

func (d *Detector) draft(job *entities.MigrationJob, rec Record, candidates []entities.Candidate) *entities.Conflict {
	return &entities.Conflict{
		ID:           uuid.NewString(),
		Tenant:       job.Tenant,
		JobID:        job.ID,
		EntityType:   job.EntityType,
		LegacySystem: job.LegacySystem,
		LegacyID:     rec.LegacyID,
		Core:         rec.Payload.Core,
		Custom:       rec.Payload.Custom,
		Candidates:   slices.Clone(candidates),
		TopScore:     candidates[0].Score,
		Bucket:       candidates[0].Bucket,
		Status:       entities.ConflictPending,
	}
}

func (d *Detector) claimedByOther(ctx context.Context, job *entities.MigrationJob, rec Record, targetID string) (bool, error) {
	if d.claims == nil {
		return false, nil
	}
	row, err := d.claims.FindCommittedByTarget(ctx, job.Tenant, job.EntityType, targetID)
	if errors.Is(err, lineage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return row.LegacySystem != job.LegacySystem || row.LegacyID != rec.LegacyID, nil
}

// Persist stores an auto-match draft as a pending conflict, for strategies
// that route every match to an operator.
func (d *Detector) Persist(ctx context.Context, draft *entities.Conflict) (*entities.Conflict, error) {
	c := *draft
	c.Status = entities.ConflictPending
	return d.persist(ctx, &c)
}

// persist inserts the conflict unless the record already has one and
// returns the stored row.
func (d *Detector) persist(ctx context.Context, c *entities.Conflict) (*entities.Conflict, error) {
	db := d.db.WithContext(ctx)
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(c).Error; err != nil {
		return nil, conflictDBError(err, "persist conflict", c.JobID, c.LegacyID)
	}
	return findForRecord(db, c.JobID, c.EntityType, c.LegacySystem, c.LegacyID)
}

func findForRecord(db *gorm.DB, jobID, entityType, legacySystem, legacyID string) (*entities.Conflict, error) {
	var row entities.Conflict
	err := db.Where("job_id = ? AND entity_type = ? AND legacy_system = ? AND legacy_id = ?",
		jobID, entityType, legacySystem, legacyID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, conflictDBError(err, "find conflict", jobID, legacyID)
	}
	return &row, nil
}

func conflictDBError(err error, op, jobID, legacyID string) error {
	return errors.New(fmt.Errorf("failed to %s: %w", op, err)).
		Component("conflict").
		Category(errors.CategoryDatabase).
		Context("job_id", jobID).
		Context("legacy_id", legacyID).
		Build()
}

// nowUTC is the resolver clock; stored times are UTC.
func nowUTC(now func() time.Time) time.Time {
	return now().UTC()
}
