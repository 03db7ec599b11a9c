// Package target defines the domain write path the migration engine loads
// records through, and a gorm-backed generic record store implementing it.
package target

import (
	"context"
	"maps"
	"slices"

	"github.com/tphakala/recordmigrate/internal/conf"
	"github.com/tphakala/recordmigrate/internal/errors"
)

// ErrNotFound indicates the target entity does not exist.
var ErrNotFound = errors.NewStd("target entity not found")

// Payload is the field content of an entity.
type Payload struct {
	Core   map[string]any
	Custom map[string]any
}

// Ref identifies an entity at a version.
type Ref struct {
	ID      string
	Version int64
}

// Entity is the current state of a target entity.
type Entity struct {
	ID             string
	EntityType     string
	IdempotencyKey string
	Payload
	Version       int64
	SchemaVersion int
}

// Writer is the domain write path.
type Writer interface {
	// Create inserts an entity. Creating twice with the same idempotency key
	// returns the first entity instead of a duplicate.
	Create(ctx context.Context, tenant, entityType, idempotencyKey string, p Payload) (Ref, error)
	// Update replaces the payload if the entity is still at expectedVersion
	// and returns the new version. A mismatch is an *errors.VersionConflictError.
	Update(ctx context.Context, tenant, entityType, id string, expectedVersion int64, p Payload) (int64, error)
	// Get returns the current state, or ErrNotFound.
	Get(ctx context.Context, tenant, entityType, id string) (*Entity, error)
}

// Restorer puts an entity back to a captured state during rollback.
type Restorer interface {
	// Restore writes p and beforeVersion if the entity is still at
	// expectedVersion. A mismatch is an *errors.VersionConflictError.
	Restore(ctx context.Context, tenant, entityType, id string, expectedVersion, beforeVersion int64, p Payload) error
}

// Retractor deletes entities created by a rolled back job.
type Retractor interface {
	Delete(ctx context.Context, tenant, entityType, id string, expectedVersion int64) error
}

// CandidateFinder returns existing entities that may duplicate p.
type CandidateFinder interface {
	FindCandidates(ctx context.Context, tenant, entityType string, p Payload, limit int) ([]Entity, error)
}

// SchemaInfo describes the core fields of an entity type.
type SchemaInfo struct {
	Version int
	Fields  []string
}

// Has reports whether field is a core field of the schema.
func (s SchemaInfo) Has(field string) bool {
	return slices.Contains(s.Fields, field)
}

// Schema reports entity schemas for preflight checks and snapshot envelopes.
type Schema interface {
	SchemaOf(entityType string) (SchemaInfo, bool)
}

// StaticSchema is a Schema from configuration.
type StaticSchema map[string]SchemaInfo

// NewStaticSchema converts the configured schemas.
func NewStaticSchema(schemas map[string]conf.EntitySchema) StaticSchema {
	s := make(StaticSchema, len(schemas))
	for name, es := range schemas {
		s[name] = SchemaInfo{Version: es.Version, Fields: slices.Clone(es.Fields)}
	}
	return s
}

// SchemaOf implements Schema.
func (s StaticSchema) SchemaOf(entityType string) (SchemaInfo, bool) {
	info, ok := s[entityType]
	return info, ok
}

// EntityTypes returns the configured entity types, sorted.
func (s StaticSchema) EntityTypes() []string {
	return slices.Sorted(maps.Keys(s))
}
