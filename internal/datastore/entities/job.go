package entities

import "time"

// JobStatus is the lifecycle state of a migration job.
type JobStatus string

const (
	JobPending     JobStatus = "pending"
	JobPreflight   JobStatus = "preflight"
	JobReady       JobStatus = "ready"
	JobBlocked     JobStatus = "blocked"
	JobRunning     JobStatus = "running"
	JobPaused      JobStatus = "paused"
	JobCancelling  JobStatus = "cancelling"
	JobCompleted   JobStatus = "completed"
	JobFailed      JobStatus = "failed"
	JobCancelled   JobStatus = "cancelled"
	JobRollingBack JobStatus = "rolling_back"
	JobRolledBack  JobStatus = "rolled_back"
)

// IsTerminal returns true for states no run can leave on its own.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled, JobRolledBack:
		return true
	}
	return false
}

// ConflictStrategy decides what happens to records matching an existing entity.
type ConflictStrategy string

const (
	StrategySkip      ConflictStrategy = "skip"
	StrategyOverwrite ConflictStrategy = "overwrite"
	StrategyMerge     ConflictStrategy = "merge"
	StrategyManual    ConflictStrategy = "manual"
)

// Valid reports whether s is a known strategy.
func (s ConflictStrategy) Valid() bool {
	switch s {
	case StrategySkip, StrategyOverwrite, StrategyMerge, StrategyManual:
		return true
	}
	return false
}

// MergePolicy decides field precedence when merging into an existing entity.
type MergePolicy string

const (
	MergeFillEmpty    MergePolicy = "fill_empty"
	MergePreferSource MergePolicy = "prefer_source"
	MergePreferTarget MergePolicy = "prefer_target"
)

// Valid reports whether p is a known merge policy.
func (p MergePolicy) Valid() bool {
	switch p {
	case MergeFillEmpty, MergePreferSource, MergePreferTarget:
		return true
	}
	return false
}

// SourceConfig locates and parameterises the legacy source adapter.
type SourceConfig struct {
	Kind     string            `json:"kind" yaml:"kind"`         // jsonl, http or static
	Location string            `json:"location" yaml:"location"` // file path or base URL
	IDField  string            `json:"id_field" yaml:"id_field"` // legacy id attribute, default "id"
	Options  map[string]string `json:"options,omitempty" yaml:"options,omitempty"`
}

// FieldMapping maps one legacy attribute onto a core or custom target field.
type FieldMapping struct {
	Source    string `json:"source" yaml:"source"`
	Target    string `json:"target" yaml:"target"`
	Custom    bool   `json:"custom,omitempty" yaml:"custom,omitempty"`
	Required  bool   `json:"required,omitempty" yaml:"required,omitempty"`
	Transform string `json:"transform,omitempty" yaml:"transform,omitempty"` // see transform.Functions
}

// CheckResult is the outcome of one pre- or post-flight check.
type CheckResult struct {
	Name      string    `json:"name"`
	Passed    bool      `json:"passed"`
	Message   string    `json:"message,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// VersionConflictEntry is a rollback target that changed after migration.
type VersionConflictEntry struct {
	EntityType string `json:"entity_type"`
	TargetID   string `json:"target_id"`
	Expected   int64  `json:"expected"`
	Actual     int64  `json:"actual"`
}

// RollbackReport summarises a rollback run.
type RollbackReport struct {
	Restored         int                    `json:"restored"`
	Retracted        int                    `json:"retracted"`
	LeftInPlace      int                    `json:"left_in_place"`
	VersionConflicts []VersionConflictEntry `json:"version_conflicts,omitempty"`
	SchemaDrift      []string               `json:"schema_drift,omitempty"`
	CompletedAt      time.Time              `json:"completed_at"`
}

// MigrationJob is one import run for a (tenant, entity type) pair.
type MigrationJob struct {
	ID               string           `gorm:"primaryKey;type:varchar(36)"`
	Tenant           string           `gorm:"type:varchar(64);not null;index:idx_jobs_tenant_entity,priority:1"`
	EntityType       string           `gorm:"type:varchar(64);not null;index:idx_jobs_tenant_entity,priority:2"`
	LegacySystem     string           `gorm:"type:varchar(64);not null"`
	Source           SourceConfig     `gorm:"serializer:json;type:text"`
	Mappings         []FieldMapping   `gorm:"serializer:json;type:text"`
	MergePolicy      MergePolicy      `gorm:"type:varchar(20);not null"`
	ConflictStrategy ConflictStrategy `gorm:"type:varchar(20);not null"`
	Status           JobStatus        `gorm:"type:varchar(20);not null;index"`
	BatchSize        int              `gorm:"not null"`
	Workers          int              `gorm:"not null"`
	RateLimit        float64          // records per second per worker, 0 = unlimited
	MaxRuntime       time.Duration    // 0 = unbounded
	TransformVersion string           `gorm:"type:varchar(80);not null"`
	PlanFingerprint  string           `gorm:"type:varchar(64);not null"`

	SuccessCount     int64 `gorm:"not null;default:0"`
	FailureCount     int64 `gorm:"not null;default:0"`
	SkippedCount     int64 `gorm:"not null;default:0"`
	ConflictCount    int64 `gorm:"not null;default:0"`
	QuarantinedCount int64 `gorm:"not null;default:0"`

	PreflightResults  []CheckResult   `gorm:"serializer:json;type:text"`
	PostflightResults []CheckResult   `gorm:"serializer:json;type:text"`
	RollbackReport    *RollbackReport `gorm:"serializer:json;type:text"`
	FailureReason     string          `gorm:"type:text"`

	StartedAt  *time.Time
	FinishedAt *time.Time
	CreatedAt  time.Time `gorm:"autoCreateTime"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime"`
}

// TableName returns the table name for GORM.
func (MigrationJob) TableName() string {
	return "migration_jobs"
}
