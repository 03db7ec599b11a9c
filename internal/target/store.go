package target

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tphakala/recordmigrate/internal/datastore"
	"github.com/tphakala/recordmigrate/internal/datastore/entities"
	"github.com/tphakala/recordmigrate/internal/errors"
	"github.com/tphakala/recordmigrate/internal/logger"
	"github.com/tphakala/recordmigrate/internal/transform"
)

// StoreConfig configures the reference record store.
type StoreConfig struct {
	// BlockField is the core field whose first normalized token groups
	// possible duplicates.
	BlockField string
	// IdentifierField is the core field matched exactly, after normalization,
	// to find duplicates outside the block.
	IdentifierField string
	IgnoreTokens    []string
	Schemas         StaticSchema
	Logger          logger.Logger
}

// Store is a generic tenant record store on gorm. It implements Writer,
// Restorer, Retractor, CandidateFinder and Schema.
type Store struct {
	StaticSchema
	db         *gorm.DB
	blockField string
	identField string
	norm       *transform.Normalizer
	log        logger.Logger
}

// NewStore creates a record store on db.
func NewStore(db *gorm.DB, cfg StoreConfig) *Store {
	log := cfg.Logger
	if log == nil {
		log = logger.Global().Module("target")
	}
	schemas := cfg.Schemas
	if schemas == nil {
		schemas = StaticSchema{}
	}
	return &Store{
		StaticSchema: schemas,
		db:           db,
		blockField:   cfg.BlockField,
		identField:   cfg.IdentifierField,
		norm:         transform.NewNormalizer(cfg.IgnoreTokens),
		log:          log,
	}
}

// Create implements Writer.
func (s *Store) Create(ctx context.Context, tenant, entityType, idempotencyKey string, p Payload) (Ref, error) {
	db := s.db.WithContext(ctx)

	row := entities.TargetRecord{
		ID:            uuid.NewString(),
		Tenant:        tenant,
		EntityType:    entityType,
		Core:          p.Core,
		Custom:        p.Custom,
		Version:       1,
		SchemaVersion: s.schemaVersion(entityType),
		BlockKey:      s.blockKey(p),
		IdentifierKey: s.identifierKey(p),
	}
	if idempotencyKey != "" {
		row.IdempotencyKey = &idempotencyKey
	}

	err := db.Create(&row).Error
	if err == nil {
		return Ref{ID: row.ID, Version: row.Version}, nil
	}
	if idempotencyKey != "" && datastore.IsDuplicateKey(err) {
		var existing entities.TargetRecord
		if findErr := db.Where("tenant = ? AND entity_type = ? AND idempotency_key = ?", tenant, entityType, idempotencyKey).
			Take(&existing).Error; findErr == nil {
			s.log.Debug("create replayed by idempotency key",
				logger.String("entity_type", entityType),
				logger.String("target_id", existing.ID))
			return Ref{ID: existing.ID, Version: existing.Version}, nil
		}
	}
	return Ref{}, s.writeError(err, "create", entityType, "")
}

// Update implements Writer.
func (s *Store) Update(ctx context.Context, tenant, entityType, id string, expectedVersion int64, p Payload) (int64, error) {
	next := expectedVersion + 1
	if err := s.conditionalWrite(ctx, tenant, entityType, id, expectedVersion, next, p); err != nil {
		return 0, err
	}
	return next, nil
}

// Restore implements Restorer.
func (s *Store) Restore(ctx context.Context, tenant, entityType, id string, expectedVersion, beforeVersion int64, p Payload) error {
	return s.conditionalWrite(ctx, tenant, entityType, id, expectedVersion, beforeVersion, p)
}

func (s *Store) conditionalWrite(ctx context.Context, tenant, entityType, id string, expectedVersion, newVersion int64, p Payload) error {
	values := entities.TargetRecord{
		Core:          p.Core,
		Custom:        p.Custom,
		Version:       newVersion,
		BlockKey:      s.blockKey(p),
		IdentifierKey: s.identifierKey(p),
		UpdatedAt:     time.Now(),
	}
	result := s.db.WithContext(ctx).Model(&entities.TargetRecord{}).
		Where("tenant = ? AND entity_type = ? AND id = ? AND version = ?", tenant, entityType, id, expectedVersion).
		Select("core", "custom", "version", "block_key", "identifier_key", "updated_at").
		Updates(&values)
	if result.Error != nil {
		return s.writeError(result.Error, "update", entityType, id)
	}
	if result.RowsAffected == 1 {
		return nil
	}
	return s.versionMismatch(ctx, tenant, entityType, id, expectedVersion)
}

// Delete implements Retractor.
func (s *Store) Delete(ctx context.Context, tenant, entityType, id string, expectedVersion int64) error {
	result := s.db.WithContext(ctx).
		Where("tenant = ? AND entity_type = ? AND id = ? AND version = ?", tenant, entityType, id, expectedVersion).
		Delete(&entities.TargetRecord{})
	if result.Error != nil {
		return s.writeError(result.Error, "delete", entityType, id)
	}
	if result.RowsAffected == 1 {
		return nil
	}
	return s.versionMismatch(ctx, tenant, entityType, id, expectedVersion)
}

// Get implements Writer.
func (s *Store) Get(ctx context.Context, tenant, entityType, id string) (*Entity, error) {
	var row entities.TargetRecord
	err := s.db.WithContext(ctx).
		Where("tenant = ? AND entity_type = ? AND id = ?", tenant, entityType, id).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, s.writeError(err, "get", entityType, id)
	}
	return toEntity(&row), nil
}

// FindCandidates implements CandidateFinder. Candidates share the block key
// or the identifier key of p.
func (s *Store) FindCandidates(ctx context.Context, tenant, entityType string, p Payload, limit int) ([]Entity, error) {
	block, ident := s.blockKey(p), s.identifierKey(p)
	if block == "" && ident == "" {
		return nil, nil
	}

	q := s.db.WithContext(ctx).Where("tenant = ? AND entity_type = ?", tenant, entityType)
	switch {
	case block != "" && ident != "":
		q = q.Where("block_key = ? OR identifier_key = ?", block, ident)
	case block != "":
		q = q.Where("block_key = ?", block)
	default:
		q = q.Where("identifier_key = ?", ident)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []entities.TargetRecord
	if err := q.Order("created_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, s.writeError(err, "find candidates", entityType, "")
	}
	out := make([]Entity, 0, len(rows))
	for i := range rows {
		out = append(out, *toEntity(&rows[i]))
	}
	return out, nil
}

func (s *Store) versionMismatch(ctx context.Context, tenant, entityType, id string, expected int64) error {
	current, err := s.Get(ctx, tenant, entityType, id)
	if err != nil {
		return err
	}
	return &errors.VersionConflictError{EntityType: entityType, ID: id, Expected: expected, Actual: current.Version}
}

func (s *Store) writeError(err error, op, entityType, id string) error {
	if datastore.IsBusy(err) {
		return errors.NewTransient(errors.CodeLockContention, fmt.Errorf("target %s: %w", op, err))
	}
	return errors.New(fmt.Errorf("target %s failed: %w", op, err)).
		Component("target").
		Category(errors.CategoryTarget).
		Context("entity_type", entityType).
		Context("target_id", id).
		Build()
}

func (s *Store) schemaVersion(entityType string) int {
	if info, ok := s.SchemaOf(entityType); ok && info.Version > 0 {
		return info.Version
	}
	return 1
}

func (s *Store) blockKey(p Payload) string {
	v, ok := p.Core[s.blockField]
	if !ok || v == nil || s.blockField == "" {
		return ""
	}
	return s.norm.BlockKey(fmt.Sprint(v))
}

func (s *Store) identifierKey(p Payload) string {
	v, ok := p.Core[s.identField]
	if !ok || v == nil || s.identField == "" {
		return ""
	}
	return transform.NormalizeIdentifier(fmt.Sprint(v))
}

func toEntity(row *entities.TargetRecord) *Entity {
	e := &Entity{
		ID:            row.ID,
		EntityType:    row.EntityType,
		Payload:       Payload{Core: row.Core, Custom: row.Custom},
		Version:       row.Version,
		SchemaVersion: row.SchemaVersion,
	}
	if row.IdempotencyKey != nil {
		e.IdempotencyKey = *row.IdempotencyKey
	}
	return e
}
