package dto

import (
	"time"

	"github.com/tphakala/recordmigrate/internal/datastore/entities"
)

// QuarantineResponse is the API representation of a quarantined record.
type QuarantineResponse struct {
	ID               uint64                    `json:"id"`
	JobID            string                    `json:"job_id"`
	EntityType       string                    `json:"entity_type"`
	LegacySystem     string                    `json:"legacy_system"`
	LegacyID         string                    `json:"legacy_id"`
	RawPayload       map[string]any            `json:"raw_payload"`
	TransformVersion string                    `json:"transform_version,omitempty"`
	Stage            entities.Stage            `json:"stage"`
	ErrorClass       string                    `json:"error_class"`
	ErrorCode        string                    `json:"error_code"`
	ErrorMessage     string                    `json:"error_message"`
	RetryCount       int                       `json:"retry_count"`
	ReplayAfter      time.Time                 `json:"replay_after"`
	Status           entities.QuarantineStatus `json:"status"`
	CreatedAt        time.Time                 `json:"created_at"`
	UpdatedAt        time.Time                 `json:"updated_at"`
}

// NewQuarantineList converts quarantine entities.
func NewQuarantineList(entries []entities.QuarantineEntry) []QuarantineResponse {
	out := make([]QuarantineResponse, 0, len(entries))
	for i := range entries {
		e := &entries[i]
		out = append(out, QuarantineResponse{
			ID:               e.ID,
			JobID:            e.JobID,
			EntityType:       e.EntityType,
			LegacySystem:     e.LegacySystem,
			LegacyID:         e.LegacyID,
			RawPayload:       e.RawPayload,
			TransformVersion: e.TransformVersion,
			Stage:            e.Stage,
			ErrorClass:       e.ErrorClass,
			ErrorCode:        e.ErrorCode,
			ErrorMessage:     e.ErrorMessage,
			RetryCount:       e.RetryCount,
			ReplayAfter:      e.ReplayAfter,
			Status:           e.Status,
			CreatedAt:        e.CreatedAt,
			UpdatedAt:        e.UpdatedAt,
		})
	}
	return out
}
