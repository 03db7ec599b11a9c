package entities

import "time"

// Checkpoint is the single resumable cursor of a (job, entity type).
// It is overwritten at every committed batch boundary and keeps no history.
type Checkpoint struct {
	ID               uint      `gorm:"primaryKey"`
	JobID            string    `gorm:"type:varchar(36);not null;uniqueIndex:idx_checkpoint_job_entity,priority:1"`
	EntityType       string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_checkpoint_job_entity,priority:2"`
	Cursor           string    `gorm:"type:text"`
	BatchIndex       int64     `gorm:"not null;default:0"`
	LoadedUpTo       string    `gorm:"type:varchar(191)"` // last legacy id of the committed batch
	TransformVersion string    `gorm:"type:varchar(80);not null"`
	PlanFingerprint  string    `gorm:"type:varchar(64);not null"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime"`
}

// TableName returns the table name for GORM.
func (Checkpoint) TableName() string {
	return "migration_checkpoints"
}
