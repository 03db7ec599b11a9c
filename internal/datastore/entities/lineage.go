package entities

import "time"

// LineageState is the claim state of a legacy identity.
type LineageState string

const (
	LineageReserved  LineageState = "reserved"
	LineageCommitted LineageState = "committed"
)

// LineageOrigin records how the migration produced the target entity.
type LineageOrigin string

const (
	OriginCreated     LineageOrigin = "created"
	OriginMerged      LineageOrigin = "merged"
	OriginOverwritten LineageOrigin = "overwritten"
)

// Lineage maps a legacy record onto the target entity it became.
//
// A reserved row has no target id; a committed row has a target id and a
// commit time. The CHECK on State enforces this. CommittedDedupeKey mirrors
// DedupeKey only while committed so that its unique index applies to
// committed rows alone.
type Lineage struct {
	ID                 uint64        `gorm:"primaryKey;autoIncrement"`
	Tenant             string        `gorm:"type:varchar(64);not null;uniqueIndex:idx_lineage_natural,priority:1;uniqueIndex:idx_lineage_target,priority:1;uniqueIndex:idx_lineage_dedupe,priority:1"`
	EntityType         string        `gorm:"type:varchar(64);not null;uniqueIndex:idx_lineage_natural,priority:2;uniqueIndex:idx_lineage_target,priority:2;uniqueIndex:idx_lineage_dedupe,priority:2"`
	LegacySystem       string        `gorm:"type:varchar(64);not null;uniqueIndex:idx_lineage_natural,priority:3"`
	LegacyID           string        `gorm:"type:varchar(191);not null;uniqueIndex:idx_lineage_natural,priority:4"`
	TargetID           *string       `gorm:"type:varchar(64);uniqueIndex:idx_lineage_target,priority:3"`
	State              LineageState  `gorm:"type:varchar(16);not null;check:chk_lineage_state,(state = 'reserved' AND target_id IS NULL AND committed_dedupe_key IS NULL) OR (state = 'committed' AND target_id IS NOT NULL AND committed_at IS NOT NULL)"`
	ReservationToken   *string       `gorm:"type:varchar(36);index"`
	ReservedAt         time.Time     `gorm:"not null"`
	JobID              string        `gorm:"type:varchar(36);not null;index"`
	DedupeKey          *string       `gorm:"type:varchar(191)"`
	CommittedDedupeKey *string       `gorm:"type:varchar(191);uniqueIndex:idx_lineage_dedupe,priority:3"`
	TargetVersion      int64         `gorm:"not null;default:0"`
	Origin             LineageOrigin `gorm:"type:varchar(16)"`
	CommittedAt        *time.Time
	CreatedAt          time.Time `gorm:"autoCreateTime"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime"`
}

// TableName returns the table name for GORM.
func (Lineage) TableName() string {
	return "migration_lineage"
}

// IsCommitted returns true once the row maps to a target entity.
func (l *Lineage) IsCommitted() bool {
	return l.State == LineageCommitted && l.TargetID != nil
}
