package entities

import "time"

// TargetRecord is a generic tenant business record of the reference store.
// Core holds schema fields, Custom holds tenant-defined fields.
type TargetRecord struct {
	ID             string         `gorm:"primaryKey;type:varchar(64)"`
	Tenant         string         `gorm:"type:varchar(64);not null;uniqueIndex:idx_target_idem,priority:1;index:idx_target_block,priority:1;index:idx_target_ident,priority:1"`
	EntityType     string         `gorm:"type:varchar(64);not null;uniqueIndex:idx_target_idem,priority:2;index:idx_target_block,priority:2;index:idx_target_ident,priority:2"`
	IdempotencyKey *string        `gorm:"type:varchar(191);uniqueIndex:idx_target_idem,priority:3"`
	Core           map[string]any `gorm:"serializer:json;type:text"`
	Custom         map[string]any `gorm:"serializer:json;type:text"`
	Version        int64          `gorm:"not null;default:1"`
	SchemaVersion  int            `gorm:"not null;default:1"`
	BlockKey       string         `gorm:"type:varchar(191);index:idx_target_block,priority:3"`
	IdentifierKey  string         `gorm:"type:varchar(191);index:idx_target_ident,priority:3"`
	CreatedAt      time.Time      `gorm:"autoCreateTime"`
	UpdatedAt      time.Time      `gorm:"autoUpdateTime"`
}

// TableName returns the table name for GORM.
func (TargetRecord) TableName() string {
	return "target_records"
}
