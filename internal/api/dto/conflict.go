package dto

import (
	"time"

	"github.com/tphakala/recordmigrate/internal/conflict"
	"github.com/tphakala/recordmigrate/internal/datastore/entities"
)

// ConflictResponse is the API representation of a conflict.
type ConflictResponse struct {
	ID           string                  `json:"id"`
	JobID        string                  `json:"job_id"`
	EntityType   string                  `json:"entity_type"`
	LegacySystem string                  `json:"legacy_system"`
	LegacyID     string                  `json:"legacy_id"`
	Core         map[string]any          `json:"core"`
	Custom       map[string]any          `json:"custom,omitempty"`
	Candidates   []entities.Candidate    `json:"candidates"`
	TopScore     float64                 `json:"top_score"`
	Bucket       entities.Bucket         `json:"bucket"`
	Status       entities.ConflictStatus `json:"status"`
	CreatedAt    time.Time               `json:"created_at"`
}

// NewConflictResponse converts a conflict entity.
func NewConflictResponse(c *entities.Conflict) ConflictResponse {
	return ConflictResponse{
		ID:           c.ID,
		JobID:        c.JobID,
		EntityType:   c.EntityType,
		LegacySystem: c.LegacySystem,
		LegacyID:     c.LegacyID,
		Core:         c.Core,
		Custom:       c.Custom,
		Candidates:   c.Candidates,
		TopScore:     c.TopScore,
		Bucket:       c.Bucket,
		Status:       c.Status,
		CreatedAt:    c.CreatedAt,
	}
}

// NewConflictList converts a slice of conflict entities.
func NewConflictList(cs []entities.Conflict) []ConflictResponse {
	out := make([]ConflictResponse, 0, len(cs))
	for i := range cs {
		out = append(out, NewConflictResponse(&cs[i]))
	}
	return out
}

// ResolveRequest is the body of POST /api/v1/conflicts/:id/resolve.
type ResolveRequest struct {
	Decision          entities.Decision              `json:"decision"`
	ChosenCandidateID string                         `json:"chosen_candidate_id,omitempty"`
	FieldDecisions    map[string]entities.Provenance `json:"field_decisions,omitempty"`
	Overrides         map[string]any                 `json:"overrides,omitempty"`
	ResolvedBy        string                         `json:"resolved_by"`
}

// ManualDecision converts the request for the resolver.
func (r ResolveRequest) ManualDecision() conflict.ManualDecision {
	return conflict.ManualDecision{
		Decision:          r.Decision,
		ChosenCandidateID: r.ChosenCandidateID,
		FieldDecisions:    r.FieldDecisions,
		Overrides:         r.Overrides,
		ResolvedBy:        r.ResolvedBy,
	}
}

// ResolveResponse reports an applied operator decision. Outcome is empty
// when the decision was only recorded.
type ResolveResponse struct {
	Conflict          ConflictResponse               `json:"conflict"`
	Decision          entities.Decision              `json:"decision"`
	ChosenCandidateID string                         `json:"chosen_candidate_id,omitempty"`
	FieldProvenance   map[string]entities.Provenance `json:"field_provenance,omitempty"`
	ResolvedBy        string                         `json:"resolved_by"`
	ResolvedAt        time.Time                      `json:"resolved_at"`
	Outcome           string                         `json:"outcome,omitempty"`
}

// NewResolveResponse converts a recorded resolution.
func NewResolveResponse(c *entities.Conflict, res *entities.ConflictResolution, outcome string) ResolveResponse {
	r := ResolveResponse{
		Conflict:        NewConflictResponse(c),
		Decision:        res.Decision,
		FieldProvenance: res.FieldProvenance,
		ResolvedBy:      res.ResolvedBy,
		ResolvedAt:      res.ResolvedAt,
		Outcome:         outcome,
	}
	if res.ChosenCandidateID != nil {
		r.ChosenCandidateID = *res.ChosenCandidateID
	}
	return r
}

// ExplanationResponse is the API representation of a merge explanation.
type ExplanationResponse struct {
	ConflictID string            `json:"conflict_id"`
	LegacyID   string            `json:"legacy_id"`
	TargetID   string            `json:"target_id,omitempty"`
	Decision   entities.Decision `json:"decision"`
	TotalScore float64           `json:"total_score"`
	Reasons    []string          `json:"reasons,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// NewExplanationList converts merge explanation entities.
func NewExplanationList(ex []entities.MergeExplanation) []ExplanationResponse {
	out := make([]ExplanationResponse, 0, len(ex))
	for _, e := range ex {
		out = append(out, ExplanationResponse{
			ConflictID: e.ConflictID,
			LegacyID:   e.LegacyID,
			TargetID:   e.TargetID,
			Decision:   e.Decision,
			TotalScore: e.TotalScore,
			Reasons:    e.Reasons,
			CreatedAt:  e.CreatedAt,
		})
	}
	return out
}
