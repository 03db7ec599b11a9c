// Package dto contains data transfer objects for the operator API.
// JSON keys are snake_case to match the nested job documents.
package dto

import (
	"time"

	"github.com/tphakala/recordmigrate/internal/datastore/entities"
)

// Counters are the outcome counters of a job.
type Counters struct {
	Success     int64 `json:"success"`
	Failure     int64 `json:"failure"`
	Skipped     int64 `json:"skipped"`
	Conflicts   int64 `json:"conflicts"`
	Quarantined int64 `json:"quarantined"`
}

// JobResponse is the API representation of a migration job.
type JobResponse struct {
	ID               string                    `json:"id"`
	Tenant           string                    `json:"tenant"`
	EntityType       string                    `json:"entity_type"`
	LegacySystem     string                    `json:"legacy_system"`
	Status           entities.JobStatus        `json:"status"`
	Source           entities.SourceConfig     `json:"source"`
	Mappings         []entities.FieldMapping   `json:"mappings"`
	MergePolicy      entities.MergePolicy      `json:"merge_policy"`
	ConflictStrategy entities.ConflictStrategy `json:"conflict_strategy"`
	BatchSize        int                       `json:"batch_size"`
	Workers          int                       `json:"workers"`
	RateLimit        float64                   `json:"rate_limit,omitempty"`
	MaxRuntime       string                    `json:"max_runtime,omitempty"` // "30m0s"
	TransformVersion string                    `json:"transform_version"`
	Counters         Counters                  `json:"counters"`

	PreflightResults  []entities.CheckResult   `json:"preflight_results,omitempty"`
	PostflightResults []entities.CheckResult   `json:"postflight_results,omitempty"`
	RollbackReport    *entities.RollbackReport `json:"rollback_report,omitempty"`
	FailureReason     string                   `json:"failure_reason,omitempty"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// NewJobResponse converts a job entity.
func NewJobResponse(j *entities.MigrationJob) JobResponse {
	r := JobResponse{
		ID:               j.ID,
		Tenant:           j.Tenant,
		EntityType:       j.EntityType,
		LegacySystem:     j.LegacySystem,
		Status:           j.Status,
		Source:           j.Source,
		Mappings:         j.Mappings,
		MergePolicy:      j.MergePolicy,
		ConflictStrategy: j.ConflictStrategy,
		BatchSize:        j.BatchSize,
		Workers:          j.Workers,
		RateLimit:        j.RateLimit,
		TransformVersion: j.TransformVersion,
		Counters: Counters{
			Success:     j.SuccessCount,
			Failure:     j.FailureCount,
			Skipped:     j.SkippedCount,
			Conflicts:   j.ConflictCount,
			Quarantined: j.QuarantinedCount,
		},
		PreflightResults:  j.PreflightResults,
		PostflightResults: j.PostflightResults,
		RollbackReport:    j.RollbackReport,
		FailureReason:     j.FailureReason,
		StartedAt:         j.StartedAt,
		FinishedAt:        j.FinishedAt,
		CreatedAt:         j.CreatedAt,
		UpdatedAt:         j.UpdatedAt,
	}
	if j.MaxRuntime > 0 {
		r.MaxRuntime = j.MaxRuntime.String()
	}
	return r
}

// NewJobList converts a slice of job entities.
func NewJobList(jobs []entities.MigrationJob) []JobResponse {
	out := make([]JobResponse, 0, len(jobs))
	for i := range jobs {
		out = append(out, NewJobResponse(&jobs[i]))
	}
	return out
}
