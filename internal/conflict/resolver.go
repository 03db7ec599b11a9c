package conflict

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/tphakala/recordmigrate/internal/datastore"
	"github.com/tphakala/recordmigrate/internal/datastore/entities"
	"github.com/tphakala/recordmigrate/internal/errors"
	"github.com/tphakala/recordmigrate/internal/lineage"
	"github.com/tphakala/recordmigrate/internal/logger"
)

// Resolver sentinel errors.
var (
	ErrNotFound         = errors.NewStd("conflict not found")
	ErrAlreadyResolved  = errors.NewStd("conflict already resolved")
	ErrCandidateClaimed = errors.NewStd("candidate already mapped from another legacy record")
	ErrInvalidDecision  = errors.NewStd("invalid conflict decision")
)

// AutoResolver is the resolver name recorded for automatic decisions.
const AutoResolver = "auto"

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	Thresholds Thresholds
	Logger     logger.Logger
	Now        func() time.Time
}

// Resolver records conflict decisions.
type Resolver struct {
	db     *gorm.DB
	claims ClaimChecker
	high   float64
	log    logger.Logger
	now    func() time.Time
}

// NewResolver creates a Resolver. claims may be nil, which skips the
// claimed-candidate check of manual merges.
func NewResolver(db *gorm.DB, claims ClaimChecker, cfg ResolverConfig) *Resolver {
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	r := &Resolver{db: db, claims: claims, high: cfg.Thresholds.High, log: cfg.Logger, now: cfg.Now}
	if r.log == nil {
		r.log = logger.Global().Module("conflict")
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// AutoRequest is an automatic decision on a classified record.
type AutoRequest struct {
	// Conflict is the draft returned by Classify.
	Conflict   *entities.Conflict
	Strategy   entities.ConflictStrategy
	Decision   entities.Decision
	Chosen     entities.Candidate
	Provenance map[string]entities.Provenance
	// Finalize runs inside the resolution transaction, after the
	// resolution and explanation are written.
	Finalize func(tx *gorm.DB) error
}

// ResolveAuto stores the draft conflict with its terminal status together
// with the resolution, the merge explanation and req.Finalize, atomically.
//
// Only a candidate that clears the high threshold can be auto-resolved, and
// only as merged (merge and overwrite strategies) or skipped (skip strategy).
func (r *Resolver) ResolveAuto(ctx context.Context, req AutoRequest) (*entities.ConflictResolution, error) {
	if err := r.validateAuto(req); err != nil {
		return nil, err
	}

	c := *req.Conflict
	c.Status = req.Decision.Status()
	resolution := &entities.ConflictResolution{
		ConflictID:        c.ID,
		Tenant:            c.Tenant,
		Decision:          req.Decision,
		ChosenCandidateID: &req.Chosen.TargetID,
		FieldProvenance:   req.Provenance,
		ResolverKind:      entities.ResolverAuto,
		ResolvedBy:        AutoResolver,
		ResolvedAt:        nowUTC(r.now),
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&c).Error; err != nil {
			if datastore.IsDuplicateKey(err) {
				return errors.New(fmt.Errorf("%w: record %s", ErrAlreadyResolved, c.LegacyID)).
					Component("conflict").
					Category(errors.CategoryConflict).
					Context("job_id", c.JobID).
					Build()
			}
			return err
		}
		if err := r.record(tx, &c, resolution, req.Chosen); err != nil {
			return err
		}
		if req.Finalize != nil {
			return req.Finalize(tx)
		}
		return nil
	})
	if err != nil {
		return nil, r.txError(err, "auto-resolve", c.ID)
	}

	r.log.Debug("conflict auto-resolved",
		logger.String("conflict_id", c.ID),
		logger.String("decision", string(req.Decision)),
		logger.String("target_id", req.Chosen.TargetID),
		logger.Float64("score", req.Chosen.Score))
	return resolution, nil
}

func (r *Resolver) validateAuto(req AutoRequest) error {
	var reason string
	switch {
	case req.Conflict == nil:
		reason = "missing conflict draft"
	case req.Chosen.Score < r.high:
		reason = fmt.Sprintf("score %.2f below the high threshold %.2f", req.Chosen.Score, r.high)
	case req.Decision == entities.DecisionMerged &&
		req.Strategy != entities.StrategyMerge && req.Strategy != entities.StrategyOverwrite:
		reason = fmt.Sprintf("strategy %s cannot auto-merge", req.Strategy)
	case req.Decision == entities.DecisionSkipped && req.Strategy != entities.StrategySkip:
		reason = fmt.Sprintf("strategy %s cannot auto-skip", req.Strategy)
	case req.Decision != entities.DecisionMerged && req.Decision != entities.DecisionSkipped:
		reason = fmt.Sprintf("decision %q cannot be automatic", req.Decision)
	default:
		return nil
	}
	return errors.New(fmt.Errorf("%w: %s", ErrInvalidDecision, reason)).
		Component("conflict").
		Category(errors.CategoryValidation).
		Build()
}

// ManualDecision is an operator's decision on a conflict.
type ManualDecision struct {
	Decision          entities.Decision
	ChosenCandidateID string
	// FieldDecisions override the merge policy per field. Custom fields
	// use the "custom." prefix.
	FieldDecisions map[string]entities.Provenance
	// Overrides hold the values of manual_override fields.
	Overrides  map[string]any
	ResolvedBy string
}

// ResolveManual records an operator decision on a pending or escalated
// conflict. The conditional status update claims the conflict, so of two
// concurrent decisions exactly one succeeds; the other gets
// ErrAlreadyResolved.
func (r *Resolver) ResolveManual(ctx context.Context, tenant, conflictID string, d ManualDecision) (*entities.Conflict, *entities.ConflictResolution, error) {
	c, err := r.Get(ctx, tenant, conflictID)
	if err != nil {
		return nil, nil, err
	}

	chosen, err := r.validateManual(ctx, c, d)
	if err != nil {
		return nil, nil, err
	}

	resolution := &entities.ConflictResolution{
		ConflictID:      c.ID,
		Tenant:          tenant,
		Decision:        d.Decision,
		FieldProvenance: d.FieldDecisions,
		Overrides:       d.Overrides,
		ResolverKind:    entities.ResolverManual,
		ResolvedBy:      d.ResolvedBy,
		ResolvedAt:      nowUTC(r.now),
	}
	if d.ChosenCandidateID != "" {
		resolution.ChosenCandidateID = &d.ChosenCandidateID
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&entities.Conflict{}).
			Where("id = ? AND tenant = ? AND status IN ?", c.ID, tenant,
				[]entities.ConflictStatus{entities.ConflictPending, entities.ConflictManualReview}).
			Update("status", d.Decision.Status())
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return errors.New(fmt.Errorf("%w: %s", ErrAlreadyResolved, c.ID)).
				Component("conflict").
				Category(errors.CategoryState).
				Context("conflict_id", c.ID).
				Build()
		}
		c.Status = d.Decision.Status()
		return r.record(tx, c, resolution, chosen)
	})
	if err != nil {
		return nil, nil, r.txError(err, "resolve", c.ID)
	}

	r.log.Info("conflict resolved",
		logger.String("conflict_id", c.ID),
		logger.String("decision", string(d.Decision)),
		logger.String("resolved_by", d.ResolvedBy))
	return c, resolution, nil
}

func (r *Resolver) validateManual(ctx context.Context, c *entities.Conflict, d ManualDecision) (entities.Candidate, error) {
	invalid := func(reason string) error {
		return errors.New(fmt.Errorf("%w: %s", ErrInvalidDecision, reason)).
			Component("conflict").
			Category(errors.CategoryValidation).
			Context("conflict_id", c.ID).
			Build()
	}

	if c.Status.IsTerminal() {
		return entities.Candidate{}, errors.New(fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, c.ID, c.Status)).
			Component("conflict").
			Category(errors.CategoryState).
			Build()
	}
	if !d.Decision.Valid() {
		return entities.Candidate{}, invalid(fmt.Sprintf("unknown decision %q", d.Decision))
	}
	if d.ResolvedBy == "" {
		return entities.Candidate{}, invalid("resolved_by is required")
	}
	for field, p := range d.FieldDecisions {
		switch p {
		case entities.KeptSource, entities.KeptTarget:
		case entities.ManualOverride:
			if _, ok := d.Overrides[field]; !ok {
				return entities.Candidate{}, invalid(fmt.Sprintf("field %s: manual_override needs a value", field))
			}
		default:
			return entities.Candidate{}, invalid(fmt.Sprintf("field %s: unknown provenance %q", field, p))
		}
	}

	if d.Decision != entities.DecisionMerged {
		if d.ChosenCandidateID != "" {
			if cand, ok := c.Candidate(d.ChosenCandidateID); ok {
				return cand, nil
			}
		}
		return entities.Candidate{}, nil
	}

	cand, ok := c.Candidate(d.ChosenCandidateID)
	if !ok {
		return entities.Candidate{}, invalid(fmt.Sprintf("candidate %q is not on the conflict", d.ChosenCandidateID))
	}
	if r.claims != nil {
		row, err := r.claims.FindCommittedByTarget(ctx, c.Tenant, c.EntityType, cand.TargetID)
		switch {
		case err == nil && (row.LegacySystem != c.LegacySystem || row.LegacyID != c.LegacyID):
			return entities.Candidate{}, errors.New(fmt.Errorf("%w: %s", ErrCandidateClaimed, cand.TargetID)).
				Component("conflict").
				Category(errors.CategoryConflict).
				Context("conflict_id", c.ID).
				Build()
		case err != nil && !errors.Is(err, lineage.ErrNotFound):
			return entities.Candidate{}, err
		}
	}
	return cand, nil
}

// Escalate moves a pending conflict to manual review. Escalating an
// escalated conflict is a no-op.
func (r *Resolver) Escalate(ctx context.Context, tenant, conflictID string) error {
	result := r.db.WithContext(ctx).Model(&entities.Conflict{}).
		Where("id = ? AND tenant = ? AND status = ?", conflictID, tenant, entities.ConflictPending).
		Update("status", entities.ConflictManualReview)
	if result.Error != nil {
		return conflictDBError(result.Error, "escalate conflict", "", "")
	}
	if result.RowsAffected == 1 {
		return nil
	}
	c, err := r.Get(ctx, tenant, conflictID)
	if err != nil {
		return err
	}
	if c.Status == entities.ConflictManualReview {
		return nil
	}
	return errors.New(fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, conflictID, c.Status)).
		Component("conflict").
		Category(errors.CategoryState).
		Build()
}

// record writes the resolution and the explanation of c.
func (r *Resolver) record(tx *gorm.DB, c *entities.Conflict, res *entities.ConflictResolution, chosen entities.Candidate) error {
	if err := tx.Create(res).Error; err != nil {
		if datastore.IsDuplicateKey(err) {
			return errors.New(fmt.Errorf("%w: %s", ErrAlreadyResolved, c.ID)).
				Component("conflict").
				Category(errors.CategoryState).
				Build()
		}
		return err
	}

	explanation := &entities.MergeExplanation{
		Tenant:     c.Tenant,
		JobID:      c.JobID,
		ConflictID: c.ID,
		EntityType: c.EntityType,
		LegacyID:   c.LegacyID,
		TargetID:   chosen.TargetID,
		Decision:   res.Decision,
		TotalScore: chosen.Score,
		Reasons:    explain(res, chosen),
	}
	if res.Decision == entities.DecisionCreatedNew {
		explanation.TargetID = ""
		explanation.TotalScore = c.TopScore
	}
	return tx.Create(explanation).Error
}

func explain(res *entities.ConflictResolution, chosen entities.Candidate) []string {
	reasons := append([]string{}, chosen.Reasons...)
	switch res.ResolverKind {
	case entities.ResolverAuto:
		reasons = append(reasons, fmt.Sprintf("auto-%s at score %.2f", res.Decision, chosen.Score))
	default:
		reasons = append(reasons, fmt.Sprintf("%s by %s", res.Decision, res.ResolvedBy))
	}
	return reasons
}

func (r *Resolver) txError(err error, op, conflictID string) error {
	var ee *errors.EnhancedError
	if errors.As(err, &ee) {
		return err
	}
	return errors.New(fmt.Errorf("failed to %s conflict: %w", op, err)).
		Component("conflict").
		Category(errors.CategoryDatabase).
		Context("conflict_id", conflictID).
		Build()
}

// Get returns a conflict of tenant.
func (r *Resolver) Get(ctx context.Context, tenant, conflictID string) (*entities.Conflict, error) {
	var row entities.Conflict
	err := r.db.WithContext(ctx).Where("id = ? AND tenant = ?", conflictID, tenant).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.New(fmt.Errorf("%w: %s", ErrNotFound, conflictID)).
			Component("conflict").
			Category(errors.CategoryNotFound).
			Build()
	}
	if err != nil {
		return nil, conflictDBError(err, "get conflict", "", "")
	}
	return &row, nil
}

// FindForRecord returns the conflict of a legacy record in a job and its
// resolution, if any. It returns ErrNotFound when the record has none.
func (r *Resolver) FindForRecord(ctx context.Context, jobID, entityType, legacySystem, legacyID string) (*entities.Conflict, *entities.ConflictResolution, error) {
	db := r.db.WithContext(ctx)
	c, err := findForRecord(db, jobID, entityType, legacySystem, legacyID)
	if err != nil {
		return nil, nil, err
	}
	if !c.Status.IsTerminal() {
		return c, nil, nil
	}
	res, err := r.Resolution(ctx, c.ID)
	if err != nil {
		return nil, nil, err
	}
	return c, res, nil
}

// Resolution returns the resolution of a conflict.
func (r *Resolver) Resolution(ctx context.Context, conflictID string) (*entities.ConflictResolution, error) {
	var res entities.ConflictResolution
	err := r.db.WithContext(ctx).Where("conflict_id = ?", conflictID).Take(&res).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, conflictDBError(err, "get resolution", "", "")
	}
	return &res, nil
}

// List returns the conflicts of a job, optionally filtered by status.
func (r *Resolver) List(ctx context.Context, tenant, jobID string, statuses ...entities.ConflictStatus) ([]entities.Conflict, error) {
	q := r.db.WithContext(ctx).Where("tenant = ? AND job_id = ?", tenant, jobID)
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	var rows []entities.Conflict
	if err := q.Order("created_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, conflictDBError(err, "list conflicts", jobID, "")
	}
	return rows, nil
}

// CountOpen returns the number of pending and escalated conflicts of a job.
func (r *Resolver) CountOpen(ctx context.Context, jobID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&entities.Conflict{}).
		Where("job_id = ? AND status IN ?", jobID,
			[]entities.ConflictStatus{entities.ConflictPending, entities.ConflictManualReview}).
		Count(&n).Error
	if err != nil {
		return 0, conflictDBError(err, "count conflicts", jobID, "")
	}
	return n, nil
}

// Explanations returns the merge explanations of a job in insertion order.
func (r *Resolver) Explanations(ctx context.Context, jobID string) ([]entities.MergeExplanation, error) {
	var rows []entities.MergeExplanation
	if err := r.db.WithContext(ctx).Where("job_id = ?", jobID).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, conflictDBError(err, "list explanations", jobID, "")
	}
	return rows, nil
}
