package entities

import "time"

// Stage is the pipeline stage a record failed in.
type Stage string

const (
	StageExtract   Stage = "extract"
	StageTransform Stage = "transform"
	StageDetect    Stage = "detect"
	StageReserve   Stage = "reserve"
	StageLoad      Stage = "load"
	StageSnapshot  Stage = "snapshot"
)

// QuarantineStatus is the retry state of a quarantined record.
type QuarantineStatus string

const (
	QuarantineQuarantined QuarantineStatus = "quarantined"
	QuarantineRetrying    QuarantineStatus = "retrying"
	QuarantineResolved    QuarantineStatus = "resolved"
	QuarantineAbandoned   QuarantineStatus = "abandoned"
)

// IsActive returns true while the row can still be retried.
func (s QuarantineStatus) IsActive() bool {
	return s == QuarantineQuarantined || s == QuarantineRetrying
}

// QuarantineEntry is one distinct failure signature of a record.
// Repeated failures with the same signature update the row instead of
// adding another. ActiveSignature equals ErrorHash while the row is active
// and is NULL otherwise.
type QuarantineEntry struct {
	ID               uint64           `gorm:"primaryKey;autoIncrement"`
	Tenant           string           `gorm:"type:varchar(64);not null"`
	JobID            string           `gorm:"type:varchar(36);not null;index:idx_quarantine_job_status,priority:1;uniqueIndex:idx_quarantine_active,priority:1"`
	EntityType       string           `gorm:"type:varchar(64);not null;uniqueIndex:idx_quarantine_active,priority:2"`
	LegacySystem     string           `gorm:"type:varchar(64);not null"`
	LegacyID         string           `gorm:"type:varchar(191);not null;uniqueIndex:idx_quarantine_active,priority:3"`
	RawPayload       map[string]any   `gorm:"serializer:json;type:text"`
	TransformVersion string           `gorm:"type:varchar(80)"`
	Stage            Stage            `gorm:"type:varchar(16);not null"`
	ErrorClass       string           `gorm:"type:varchar(16);not null"`
	ErrorCode        string           `gorm:"type:varchar(64);not null"`
	ErrorMessage     string           `gorm:"type:text"`
	ErrorHash        string           `gorm:"type:varchar(64);not null"`
	RetryCount       int              `gorm:"not null;default:0"`
	ReplayAfter      time.Time        `gorm:"not null;index"`
	Status           QuarantineStatus `gorm:"type:varchar(16);not null;index:idx_quarantine_job_status,priority:2;check:chk_quarantine_active,(status IN ('quarantined','retrying') AND active_signature IS NOT NULL) OR (status IN ('resolved','abandoned') AND active_signature IS NULL)"`
	ActiveSignature  *string          `gorm:"type:varchar(64);uniqueIndex:idx_quarantine_active,priority:4"`
	CreatedAt        time.Time        `gorm:"autoCreateTime"`
	UpdatedAt        time.Time        `gorm:"autoUpdateTime"`
}

// TableName returns the table name for GORM.
func (QuarantineEntry) TableName() string {
	return "migration_quarantine"
}
