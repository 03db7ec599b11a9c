// Package lineage maps legacy record identities onto the target entities
// they became.
//
// A mapping is claimed in two steps. Reserve takes the legacy identity
// with a single conditional insert, so concurrent workers and processes
// race on the natural-key unique index and exactly one wins. Commit then
// binds the reservation to a target id. A reservation that is not committed
// within the TTL expires and can be reclaimed by the next Reserve.
package lineage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tphakala/recordmigrate/internal/datastore"
	"github.com/tphakala/recordmigrate/internal/datastore/entities"
	"github.com/tphakala/recordmigrate/internal/errors"
	"github.com/tphakala/recordmigrate/internal/logger"
)

const (
	// DefaultReservationTTL is used when Config.ReservationTTL is zero.
	DefaultReservationTTL = 5 * time.Minute

	// reserveAttempts bounds the insert/reclaim/read loop when a row
	// disappears between steps.
	reserveAttempts = 3
)

// Outcome is the result of a reservation attempt.
type Outcome string

const (
	Reserved         Outcome = "reserved"
	AlreadyReserved  Outcome = "already_reserved"
	AlreadyCommitted Outcome = "already_committed"
)

// ReserveRequest identifies the legacy record to claim.
type ReserveRequest struct {
	Tenant       string
	EntityType   string
	LegacySystem string
	LegacyID     string
	JobID        string
	// DedupeKey is optional. It must be unique across legacy systems among
	// committed rows.
	DedupeKey string
}

// Reservation is the result of Reserve. Token is set only for Reserved,
// TargetID only for AlreadyCommitted.
type Reservation struct {
	Outcome  Outcome
	Token    string
	TargetID string
	// JobID is the job holding or having committed the row.
	JobID string
	// Reclaimed is true when an expired reservation was taken over.
	Reclaimed bool
}

// LookupState is the state reported by Lookup.
type LookupState string

const (
	StateAbsent    LookupState = "absent"
	StateReserved  LookupState = "reserved"
	StateCommitted LookupState = "committed"
)

// LookupResult describes the lineage of one legacy record.
type LookupResult struct {
	State         LookupState
	RowID         uint64
	TargetID      string
	TargetVersion int64
	JobID         string
	Origin        entities.LineageOrigin
}

// Config configures a Registry.
type Config struct {
	// ReservationTTL is how long a reservation stays exclusive.
	ReservationTTL time.Duration
	// CacheTTL enables the committed-lookup cache when positive.
	CacheTTL time.Duration
	Logger   logger.Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Registry is the durable legacy-id to target-id mapping.
type Registry struct {
	db    *gorm.DB
	ttl   time.Duration
	cache *cache.Cache
	log   logger.Logger
	now   func() time.Time
}

// NewRegistry creates a Registry on db.
func NewRegistry(db *gorm.DB, cfg Config) *Registry {
	r := &Registry{
		db:  db,
		ttl: cfg.ReservationTTL,
		log: cfg.Logger,
		now: cfg.Now,
	}
	if r.ttl <= 0 {
		r.ttl = DefaultReservationTTL
	}
	if r.log == nil {
		r.log = logger.Global().Module("lineage")
	}
	if r.now == nil {
		r.now = time.Now
	}
	if cfg.CacheTTL > 0 {
		r.cache = cache.New(cfg.CacheTTL, 2*cfg.CacheTTL)
	}
	return r
}

// ReservationTTL returns the configured reservation lifetime.
func (r *Registry) ReservationTTL() time.Duration {
	return r.ttl
}

// Reserve claims the legacy identity for req.JobID.
//
// A dedupe key already committed by another legacy record fails with a
// permanent error wrapping ErrDedupeConflict before anything is claimed,
// so the caller never writes a target it could not commit.
//
// Step 1 inserts a reserved row and does nothing on a natural-key conflict.
// Step 2 takes over an expired reservation with a conditional update.
// Step 3 reports the state of the existing row. Each step is a single
// statement, so the unique index or the update predicate decides every race.
func (r *Registry) Reserve(ctx context.Context, req ReserveRequest) (Reservation, error) {
	if req.Tenant == "" || req.EntityType == "" || req.LegacySystem == "" || req.LegacyID == "" {
		return Reservation{}, errors.Newf("reserve requires tenant, entity type, legacy system and legacy id").
			Component("lineage").
			Category(errors.CategoryValidation).
			Build()
	}

	if req.DedupeKey != "" {
		if err := r.checkDedupe(ctx, req); err != nil {
			return Reservation{}, err
		}
	}

	for range reserveAttempts {
		res, done, err := r.reserveOnce(ctx, req)
		if err != nil || done {
			return res, err
		}
	}

	return Reservation{}, errors.NewTransient(errors.CodeLockContention,
		fmt.Errorf("lineage row for %s/%s kept changing during reserve", req.LegacySystem, req.LegacyID))
}

func (r *Registry) reserveOnce(ctx context.Context, req ReserveRequest) (Reservation, bool, error) {
	db := r.db.WithContext(ctx)
	now := r.now().UTC()
	token := uuid.NewString()

	row := entities.Lineage{
		Tenant:           req.Tenant,
		EntityType:       req.EntityType,
		LegacySystem:     req.LegacySystem,
		LegacyID:         req.LegacyID,
		State:            entities.LineageReserved,
		ReservationToken: &token,
		ReservedAt:       now,
		JobID:            req.JobID,
		DedupeKey:        optional(req.DedupeKey),
	}
	result := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if result.Error != nil {
		return Reservation{}, false, r.storageError(result.Error, "insert reservation", req)
	}
	if result.RowsAffected == 1 {
		return Reservation{Outcome: Reserved, Token: token, JobID: req.JobID}, true, nil
	}

	result = db.Model(&entities.Lineage{}).
		Where(naturalKey, req.Tenant, req.EntityType, req.LegacySystem, req.LegacyID).
		Where("state = ? AND reserved_at < ?", entities.LineageReserved, now.Add(-r.ttl)).
		Updates(map[string]any{
			"reservation_token": token,
			"reserved_at":       now,
			"job_id":            req.JobID,
			"dedupe_key":        optional(req.DedupeKey),
		})
	if result.Error != nil {
		return Reservation{}, false, r.storageError(result.Error, "reclaim reservation", req)
	}
	if result.RowsAffected == 1 {
		r.log.Debug("reclaimed expired reservation",
			logger.String("entity_type", req.EntityType),
			logger.String("legacy_system", req.LegacySystem),
			logger.String("legacy_id", req.LegacyID),
			logger.String("job_id", req.JobID))
		return Reservation{Outcome: Reserved, Token: token, JobID: req.JobID, Reclaimed: true}, true, nil
	}

	var existing entities.Lineage
	err := db.Where(naturalKey, req.Tenant, req.EntityType, req.LegacySystem, req.LegacyID).
		Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Deleted between the steps; start over.
		return Reservation{}, false, nil
	}
	if err != nil {
		return Reservation{}, false, r.storageError(err, "read reservation", req)
	}

	if existing.IsCommitted() {
		return Reservation{Outcome: AlreadyCommitted, TargetID: *existing.TargetID, JobID: existing.JobID}, true, nil
	}
	return Reservation{Outcome: AlreadyReserved, JobID: existing.JobID}, true, nil
}

func (r *Registry) checkDedupe(ctx context.Context, req ReserveRequest) error {
	var owner entities.Lineage
	err := r.db.WithContext(ctx).
		Where("tenant = ? AND entity_type = ? AND committed_dedupe_key = ?", req.Tenant, req.EntityType, req.DedupeKey).
		Where("NOT (legacy_system = ? AND legacy_id = ?)", req.LegacySystem, req.LegacyID).
		Take(&owner).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil
	case err != nil:
		return r.storageError(err, "check dedupe key", req)
	}
	return errors.NewPermanent(errors.CodeDedupeConflict,
		fmt.Errorf("%w: %q is committed by %s/%s", ErrDedupeConflict, req.DedupeKey, owner.LegacySystem, owner.LegacyID))
}

// CommitRequest binds a reservation to its target entity.
type CommitRequest struct {
	Token         string
	TargetID      string
	TargetVersion int64
	Origin        entities.LineageOrigin
}

// Commit moves the reservation identified by req.Token to committed.
func (r *Registry) Commit(ctx context.Context, req CommitRequest) error {
	return r.CommitTx(r.db.WithContext(ctx), req)
}

// CommitTx is Commit inside the caller's transaction.
//
// The update matches only an unexpired reservation carrying the token, so
// a reservation that expired or was reclaimed yields ErrReservationLost.
// Unique violations map to ErrTargetClaimed and ErrDedupeConflict.
func (r *Registry) CommitTx(tx *gorm.DB, req CommitRequest) error {
	if req.Token == "" || req.TargetID == "" {
		return errors.Newf("commit requires a reservation token and target id").
			Component("lineage").
			Category(errors.CategoryValidation).
			Build()
	}

	now := r.now().UTC()
	result := tx.Model(&entities.Lineage{}).
		Where("reservation_token = ? AND state = ? AND reserved_at >= ?",
			req.Token, entities.LineageReserved, now.Add(-r.ttl)).
		Updates(map[string]any{
			"state":                entities.LineageCommitted,
			"target_id":            req.TargetID,
			"target_version":       req.TargetVersion,
			"origin":               req.Origin,
			"committed_at":         now,
			"committed_dedupe_key": gorm.Expr("dedupe_key"),
		})

	switch {
	case result.Error == nil && result.RowsAffected == 1:
		return nil
	case result.Error == nil:
		return errors.New(errors.ErrReservationLost).
			Component("lineage").
			Category(errors.CategoryReservation).
			Context("target_id", req.TargetID).
			Build()
	case datastore.DuplicateKeyOn(result.Error, "dedupe"):
		return errors.New(fmt.Errorf("%w: %w", ErrDedupeConflict, result.Error)).
			Component("lineage").
			Category(errors.CategoryConflict).
			Context("target_id", req.TargetID).
			Build()
	case datastore.DuplicateKeyOn(result.Error, "target"):
		return errors.New(fmt.Errorf("%w: %w", ErrTargetClaimed, result.Error)).
			Component("lineage").
			Category(errors.CategoryConflict).
			Context("target_id", req.TargetID).
			Build()
	default:
		return errors.New(fmt.Errorf("failed to commit reservation: %w", result.Error)).
			Component("lineage").
			Category(errors.CategoryDatabase).
			Context("target_id", req.TargetID).
			Build()
	}
}

// Release expires a reservation so the next Reserve can reclaim it at once.
// Committed rows are not affected.
func (r *Registry) Release(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	err := r.db.WithContext(ctx).Model(&entities.Lineage{}).
		Where("reservation_token = ? AND state = ?", token, entities.LineageReserved).
		Update("reserved_at", time.Unix(0, 0).UTC()).Error
	if err != nil {
		return errors.New(fmt.Errorf("failed to release reservation: %w", err)).
			Component("lineage").
			Category(errors.CategoryDatabase).
			Build()
	}
	return nil
}

// ReleaseJob expires every outstanding reservation held by jobID and
// returns how many were released.
func (r *Registry) ReleaseJob(ctx context.Context, jobID string) (int64, error) {
	result := r.db.WithContext(ctx).Model(&entities.Lineage{}).
		Where("job_id = ? AND state = ?", jobID, entities.LineageReserved).
		Update("reserved_at", time.Unix(0, 0).UTC())
	if result.Error != nil {
		return 0, errors.New(fmt.Errorf("failed to release job reservations: %w", result.Error)).
			Component("lineage").
			Category(errors.CategoryDatabase).
			Context("job_id", jobID).
			Build()
	}
	if result.RowsAffected > 0 {
		r.log.Info("released outstanding reservations",
			logger.String("job_id", jobID),
			logger.Int64("count", result.RowsAffected))
	}
	return result.RowsAffected, nil
}

// Lookup reports the lineage state of a legacy record. Committed results
// are cached when the cache is enabled.
func (r *Registry) Lookup(ctx context.Context, tenant, entityType, legacySystem, legacyID string) (LookupResult, error) {
	key := cacheKey(tenant, entityType, legacySystem, legacyID)
	if r.cache != nil {
		if v, ok := r.cache.Get(key); ok {
			return v.(LookupResult), nil
		}
	}

	var row entities.Lineage
	err := r.db.WithContext(ctx).
		Where(naturalKey, tenant, entityType, legacySystem, legacyID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return LookupResult{State: StateAbsent}, nil
	}
	if err != nil {
		return LookupResult{}, errors.New(fmt.Errorf("failed to look up lineage: %w", err)).
			Component("lineage").
			Category(errors.CategoryDatabase).
			Context("legacy_id", legacyID).
			Build()
	}

	res := toLookup(&row)
	if r.cache != nil && res.State == StateCommitted {
		r.cache.SetDefault(key, res)
	}
	return res, nil
}

// DeleteByID deletes one lineage row by surrogate id. It is the only
// deletion path.
func (r *Registry) DeleteByID(ctx context.Context, rowID uint64) error {
	db := r.db.WithContext(ctx)

	var row entities.Lineage
	if err := db.Take(&row, rowID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return errors.New(fmt.Errorf("failed to load lineage row: %w", err)).
			Component("lineage").
			Category(errors.CategoryDatabase).
			Context("row_id", rowID).
			Build()
	}

	if err := db.Delete(&entities.Lineage{}, rowID).Error; err != nil {
		return errors.New(fmt.Errorf("failed to delete lineage row: %w", err)).
			Component("lineage").
			Category(errors.CategoryDatabase).
			Context("row_id", rowID).
			Build()
	}
	if r.cache != nil {
		r.cache.Delete(cacheKey(row.Tenant, row.EntityType, row.LegacySystem, row.LegacyID))
	}
	return nil
}

// IsTargetClaimed reports whether a committed row maps some legacy record
// onto targetID.
func (r *Registry) IsTargetClaimed(ctx context.Context, tenant, entityType, targetID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&entities.Lineage{}).
		Where("tenant = ? AND entity_type = ? AND target_id = ? AND state = ?",
			tenant, entityType, targetID, entities.LineageCommitted).
		Count(&count).Error
	if err != nil {
		return false, errors.New(fmt.Errorf("failed to check target claim: %w", err)).
			Component("lineage").
			Category(errors.CategoryDatabase).
			Context("target_id", targetID).
			Build()
	}
	return count > 0, nil
}

// FindCommittedByTarget returns the committed row for targetID, or ErrNotFound.
func (r *Registry) FindCommittedByTarget(ctx context.Context, tenant, entityType, targetID string) (*entities.Lineage, error) {
	var row entities.Lineage
	err := r.db.WithContext(ctx).
		Where("tenant = ? AND entity_type = ? AND target_id = ? AND state = ?",
			tenant, entityType, targetID, entities.LineageCommitted).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.New(fmt.Errorf("failed to find lineage by target: %w", err)).
			Component("lineage").
			Category(errors.CategoryDatabase).
			Context("target_id", targetID).
			Build()
	}
	return &row, nil
}

// CountCommitted returns the number of rows committed by jobID.
func (r *Registry) CountCommitted(ctx context.Context, jobID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&entities.Lineage{}).
		Where("job_id = ? AND state = ?", jobID, entities.LineageCommitted).
		Count(&count).Error
	if err != nil {
		return 0, errors.New(fmt.Errorf("failed to count committed lineage: %w", err)).
			Component("lineage").
			Category(errors.CategoryDatabase).
			Context("job_id", jobID).
			Build()
	}
	return count, nil
}

const naturalKey = "tenant = ? AND entity_type = ? AND legacy_system = ? AND legacy_id = ?"

func (r *Registry) storageError(err error, op string, req ReserveRequest) error {
	if datastore.IsBusy(err) {
		return errors.NewTransient(errors.CodeLockContention, fmt.Errorf("failed to %s: %w", op, err))
	}
	return errors.New(fmt.Errorf("failed to %s: %w", op, err)).
		Component("lineage").
		Category(errors.CategoryDatabase).
		Context("legacy_system", req.LegacySystem).
		Context("legacy_id", req.LegacyID).
		Build()
}

func toLookup(row *entities.Lineage) LookupResult {
	res := LookupResult{
		RowID:         row.ID,
		JobID:         row.JobID,
		TargetVersion: row.TargetVersion,
		Origin:        row.Origin,
	}
	if row.IsCommitted() {
		res.State = StateCommitted
		res.TargetID = *row.TargetID
	} else {
		res.State = StateReserved
	}
	return res
}

func cacheKey(parts ...string) string {
	return strings.Join(parts, "\x00")
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
