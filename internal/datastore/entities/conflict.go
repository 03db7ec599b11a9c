package entities

import "time"

// ConflictStatus is the review state of a conflict.
type ConflictStatus string

const (
	ConflictPending      ConflictStatus = "pending"
	ConflictManualReview ConflictStatus = "manual_review"
	ConflictMerged       ConflictStatus = "merged"
	ConflictCreatedNew   ConflictStatus = "created_new"
	ConflictSkipped      ConflictStatus = "skipped"
)

// IsTerminal returns true once the conflict carries a resolution.
func (s ConflictStatus) IsTerminal() bool {
	return s == ConflictMerged || s == ConflictCreatedNew || s == ConflictSkipped
}

// Bucket is the confidence bucket of a candidate score.
type Bucket string

const (
	BucketHigh   Bucket = "high"
	BucketMedium Bucket = "medium"
	BucketLow    Bucket = "low"
)

// Decision is the outcome of resolving a conflict.
type Decision string

const (
	DecisionMerged     Decision = "merged"
	DecisionCreatedNew Decision = "created_new"
	DecisionSkipped    Decision = "skipped"
)

// Status returns the conflict status a decision terminates in.
func (d Decision) Status() ConflictStatus {
	return ConflictStatus(d)
}

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	return d == DecisionMerged || d == DecisionCreatedNew || d == DecisionSkipped
}

// Provenance tells where a merged field value came from.
type Provenance string

const (
	KeptSource     Provenance = "kept_source"
	KeptTarget     Provenance = "kept_target"
	ManualOverride Provenance = "manual_override"
)

// ResolverKind distinguishes automatic from operator resolutions.
type ResolverKind string

const (
	ResolverAuto   ResolverKind = "auto"
	ResolverManual ResolverKind = "manual"
)

// FieldDiff is one field-level difference between a record and a candidate.
type FieldDiff struct {
	Field      string  `json:"field"`
	Source     any     `json:"source"`
	Target     any     `json:"target"`
	Similarity float64 `json:"similarity"`
}

// Candidate is an existing entity that may duplicate the incoming record.
type Candidate struct {
	TargetID string      `json:"target_id"`
	Version  int64       `json:"version"`
	Score    float64     `json:"score"`
	Bucket   Bucket      `json:"bucket"`
	Reasons  []string    `json:"reasons,omitempty"`
	Diff     []FieldDiff `json:"diff,omitempty"`
}

// Conflict records a legacy record with ambiguous duplicate candidates.
// There is one conflict per record and job.
type Conflict struct {
	ID           string         `gorm:"primaryKey;type:varchar(36)"`
	Tenant       string         `gorm:"type:varchar(64);not null;index"`
	JobID        string         `gorm:"type:varchar(36);not null;uniqueIndex:idx_conflict_record,priority:1"`
	EntityType   string         `gorm:"type:varchar(64);not null;uniqueIndex:idx_conflict_record,priority:2"`
	LegacySystem string         `gorm:"type:varchar(64);not null;uniqueIndex:idx_conflict_record,priority:3"`
	LegacyID     string         `gorm:"type:varchar(191);not null;uniqueIndex:idx_conflict_record,priority:4"`
	Core         map[string]any `gorm:"serializer:json;type:text"`
	Custom       map[string]any `gorm:"serializer:json;type:text"`
	Candidates   []Candidate    `gorm:"serializer:json;type:text"`
	TopScore     float64
	Bucket       Bucket         `gorm:"type:varchar(10);not null"`
	Status       ConflictStatus `gorm:"type:varchar(20);not null;index"`
	CreatedAt    time.Time      `gorm:"autoCreateTime"`
	UpdatedAt    time.Time      `gorm:"autoUpdateTime"`
}

// TableName returns the table name for GORM.
func (Conflict) TableName() string {
	return "migration_conflicts"
}

// Candidate returns the candidate with the given target id.
func (c *Conflict) Candidate(targetID string) (Candidate, bool) {
	for _, cand := range c.Candidates {
		if cand.TargetID == targetID {
			return cand, true
		}
	}
	return Candidate{}, false
}

// ConflictResolution is the immutable decision taken on a conflict.
type ConflictResolution struct {
	ID                uint                  `gorm:"primaryKey"`
	ConflictID        string                `gorm:"type:varchar(36);not null;uniqueIndex"`
	Tenant            string                `gorm:"type:varchar(64);not null"`
	Decision          Decision              `gorm:"type:varchar(20);not null"`
	ChosenCandidateID *string               `gorm:"type:varchar(64)"`
	FieldProvenance   map[string]Provenance `gorm:"serializer:json;type:text"`
	Overrides         map[string]any        `gorm:"serializer:json;type:text"` // values of manual_override fields
	ResolverKind      ResolverKind          `gorm:"type:varchar(10);not null"`
	ResolvedBy        string                `gorm:"type:varchar(128);not null"`
	ResolvedAt        time.Time             `gorm:"not null"`
}

// TableName returns the table name for GORM.
func (ConflictResolution) TableName() string {
	return "migration_conflict_resolutions"
}

// MergeExplanation is an append-only record of why a record was merged,
// created or skipped against an existing entity.
type MergeExplanation struct {
	ID         uint      `gorm:"primaryKey"`
	Tenant     string    `gorm:"type:varchar(64);not null"`
	JobID      string    `gorm:"type:varchar(36);not null;index"`
	ConflictID string    `gorm:"type:varchar(36);not null;index"`
	EntityType string    `gorm:"type:varchar(64);not null"`
	LegacyID   string    `gorm:"type:varchar(191);not null"`
	TargetID   string    `gorm:"type:varchar(64)"`
	Decision   Decision  `gorm:"type:varchar(20);not null"`
	TotalScore float64   `gorm:"not null"`
	Reasons    []string  `gorm:"serializer:json;type:text"`
	CreatedAt  time.Time `gorm:"autoCreateTime"`
}

// TableName returns the table name for GORM.
func (MergeExplanation) TableName() string {
	return "migration_merge_explanations"
}
