package entities

import "time"

// SnapshotFormat is the current envelope format version.
const SnapshotFormat = 1

// SnapshotOrigin tells whether the entity existed before the job touched it.
type SnapshotOrigin string

const (
	SnapshotExisting SnapshotOrigin = "existing"
	SnapshotCreated  SnapshotOrigin = "created"
)

// SnapshotEnvelope is the versioned pre-write state of a target entity.
type SnapshotEnvelope struct {
	Format        int            `json:"format"`
	SchemaVersion int            `json:"schema_version"`
	Origin        SnapshotOrigin `json:"origin"`
	Core          map[string]any `json:"core"`
	Custom        map[string]any `json:"custom"`
}

// RowSnapshot is captured once per (job, entity type, target entity) before
// the first migration write. It is never updated.
type RowSnapshot struct {
	ID         uint64           `gorm:"primaryKey;autoIncrement"`
	Tenant     string           `gorm:"type:varchar(64);not null"`
	JobID      string           `gorm:"type:varchar(36);not null;uniqueIndex:idx_snapshot_target,priority:1"`
	EntityType string           `gorm:"type:varchar(64);not null;uniqueIndex:idx_snapshot_target,priority:2"`
	TargetID   string           `gorm:"type:varchar(64);not null;uniqueIndex:idx_snapshot_target,priority:3"`
	Envelope   SnapshotEnvelope `gorm:"serializer:json;type:text"`
	Version    int64            `gorm:"not null"` // optimistic-lock version before the write
	Origin     SnapshotOrigin   `gorm:"type:varchar(16);not null"`
	CapturedAt time.Time        `gorm:"not null"`
}

// TableName returns the table name for GORM.
func (RowSnapshot) TableName() string {
	return "migration_row_snapshots"
}

// SnapshotWrite is the latest version a job wrote to a snapshotted entity.
// Rollback restores against it, so an entity is restored even when the
// lineage commit that followed the write failed.
type SnapshotWrite struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement"`
	JobID      string    `gorm:"type:varchar(36);not null;uniqueIndex:idx_snapshot_write_target,priority:1"`
	EntityType string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_snapshot_write_target,priority:2"`
	TargetID   string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_snapshot_write_target,priority:3"`
	Version    int64     `gorm:"not null"`
	WrittenAt  time.Time `gorm:"not null"`
}

// TableName returns the table name for GORM.
func (SnapshotWrite) TableName() string {
	return "migration_snapshot_writes"
}
