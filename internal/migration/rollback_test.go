package migration_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/recordmigrate/internal/datastore/entities"
	"github.com/tphakala/recordmigrate/internal/errors"
	"github.com/tphakala/recordmigrate/internal/lineage"
	"github.com/tphakala/recordmigrate/internal/migration"
	"github.com/tphakala/recordmigrate/internal/target"
)

// mergedJob seeds Acme, migrates a matching record plus two new companies
// and returns the completed job and the seeded entity.
func mergedJob(t *testing.T, h *harness) (*entities.MigrationJob, target.Ref) {
	t.Helper()
	seed := h.seed(t, map[string]any{"name": "Acme Corporation", "phone": "555-0100", "tax_id": "FI-1234567"})
	spec := companySpec(entities.StrategyMerge)
	spec.Mappings = append(spec.Mappings, entities.FieldMapping{Source: "tax_id", Target: "tax_id"})
	h.static.Put(dataset, append([]map[string]any{{
		"id": "A-1", "company_name": "Acme Corp", "email": "sales@acme.example", "tax_id": "FI1234567",
	}}, companies(2)...))

	job := h.run(t, h.ready(t, spec).ID)
	require.Equal(t, entities.JobCompleted, job.Status)
	require.Equal(t, int64(3), job.SuccessCount)
	return job, seed
}

func TestRollbackRestoresMergedEntities(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	job, seed := mergedJob(t, h)

	job, err := h.orch.Rollback(ctx, tenant, job.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.JobRolledBack, job.Status)
	require.NotNil(t, job.RollbackReport)
	assert.Equal(t, 1, job.RollbackReport.Restored)
	assert.Equal(t, 2, job.RollbackReport.LeftInPlace)
	assert.Zero(t, job.RollbackReport.Retracted)
	assert.Empty(t, job.RollbackReport.VersionConflicts)

	ent, err := h.records.Get(ctx, tenant, entityType, seed.ID)
	require.NoError(t, err)
	assert.NotContains(t, ent.Core, "email")
	assert.Equal(t, "555-0100", ent.Core["phone"])

	look, err := h.lineage.Lookup(ctx, tenant, entityType, "crm", "A-1")
	require.NoError(t, err)
	assert.Equal(t, lineage.StateAbsent, look.State, "restored records can be migrated again")

	// Created entities stay, with their lineage.
	assert.Equal(t, int64(3), h.countEntities(t))
	look, err = h.lineage.Lookup(ctx, tenant, entityType, "crm", "C-001")
	require.NoError(t, err)
	assert.Equal(t, lineage.StateCommitted, look.State)

	_, err = h.orch.Rollback(ctx, tenant, job.ID)
	require.ErrorIs(t, err, migration.ErrInvalidTransition)
	assert.Contains(t, h.notes.all(), "rolling_back>rolled_back")
}

func TestRollbackRetractsCreatedEntitiesWhenConfigured(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.cfg.RetractCreated = true
	h.orch = h.newOrchestrator(t)
	job, _ := mergedJob(t, h)

	job, err := h.orch.Rollback(context.Background(), tenant, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, job.RollbackReport.Restored)
	assert.Equal(t, 2, job.RollbackReport.Retracted)
	assert.Zero(t, job.RollbackReport.LeftInPlace)
	assert.Equal(t, int64(1), h.countEntities(t))

	committed, err := h.lineage.CountCommitted(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Zero(t, committed)
}

func TestRollbackReportsTargetsChangedAfterMigration(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	job, seed := mergedJob(t, h)

	ent, err := h.records.Get(ctx, tenant, entityType, seed.ID)
	require.NoError(t, err)
	edited := ent.Payload
	edited.Core["phone"] = "555-0111"
	_, err = h.records.Update(ctx, tenant, entityType, seed.ID, ent.Version, edited)
	require.NoError(t, err)

	job, err = h.orch.Rollback(ctx, tenant, job.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrVersionConflict)
	assert.True(t, errors.IsCategory(err, errors.CategoryConflict))
	assert.Equal(t, entities.JobRolledBack, job.Status)
	require.Len(t, job.RollbackReport.VersionConflicts, 1)
	vc := job.RollbackReport.VersionConflicts[0]
	assert.Equal(t, seed.ID, vc.TargetID)
	assert.Equal(t, ent.Version, vc.Expected)
	assert.Equal(t, ent.Version+1, vc.Actual)

	after, err := h.records.Get(ctx, tenant, entityType, seed.ID)
	require.NoError(t, err)
	assert.Equal(t, "555-0111", after.Core["phone"], "a changed target is never overwritten")
}

func TestRollbackRefusesActiveJobs(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	job, err := h.orch.Create(context.Background(), tenant, companySpec(entities.StrategyMerge))
	require.NoError(t, err)

	_, err = h.orch.Rollback(context.Background(), tenant, job.ID)
	require.ErrorIs(t, err, migration.ErrInvalidTransition)
}

func TestRecoverFinishesInterruptedRollback(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	job, _ := mergedJob(t, h)
	require.NoError(t, h.db.Model(&entities.MigrationJob{}).Where("id = ?", job.ID).
		Update("status", entities.JobRollingBack).Error)

	job, err := h.orch.Recover(context.Background(), tenant, job.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.JobRolledBack, job.Status)
	assert.Equal(t, 1, job.RollbackReport.Restored)
}

func TestDedupeConflictLeavesMatchedTargetUntouched(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	seed := h.seed(t, map[string]any{"name": "Acme Corporation", "tax_id": "FI-1234567"})

	erp := companySpec(entities.StrategyMerge)
	erp.LegacySystem = "erp"
	erp.Source.Options = map[string]string{"dedupe_field": "email"}
	h.static.Put(dataset, []map[string]any{{
		"id": "E-1", "company_name": "Globex Trading", "email": "sales@acme.example",
	}})
	first := h.run(t, h.ready(t, erp).ID)
	require.Equal(t, entities.JobCompleted, first.Status)
	require.Equal(t, int64(1), first.SuccessCount)

	crm := companySpec(entities.StrategyMerge)
	crm.Source.Options = map[string]string{"dedupe_field": "email"}
	crm.Mappings = append(crm.Mappings, entities.FieldMapping{Source: "tax_id", Target: "tax_id"})
	h.static.Put(dataset, []map[string]any{{
		"id": "A-1", "company_name": "Acme Corp", "email": "Sales@Acme.example", "tax_id": "FI1234567",
	}})
	second := h.run(t, h.ready(t, crm).ID)
	assert.Equal(t, entities.JobCompleted, second.Status)
	assert.Zero(t, second.SuccessCount)
	assert.Equal(t, int64(1), second.FailureCount)

	abandoned, err := h.orch.ListQuarantine(ctx, tenant, second.ID, entities.QuarantineAbandoned)
	require.NoError(t, err)
	require.Len(t, abandoned, 1)
	assert.Equal(t, entities.StageReserve, abandoned[0].Stage)
	assert.Equal(t, errors.CodeDedupeConflict, abandoned[0].ErrorCode)

	ent, err := h.records.Get(ctx, tenant, entityType, seed.ID)
	require.NoError(t, err)
	assert.Equal(t, seed.Version, ent.Version, "a rejected record never writes the target")
	assert.NotContains(t, ent.Core, "email")

	second, err = h.orch.Rollback(ctx, tenant, second.ID)
	require.NoError(t, err)
	assert.Zero(t, second.RollbackReport.Restored)
	assert.Empty(t, second.RollbackReport.VersionConflicts)

	ent, err = h.records.Get(ctx, tenant, entityType, seed.ID)
	require.NoError(t, err)
	assert.Equal(t, seed.Version, ent.Version)
	assert.NotContains(t, ent.Core, "email")
	assert.Equal(t, int64(2), h.countEntities(t))
}

func TestRollbackRestoresWritesWithoutLineage(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	job, seed := mergedJob(t, h)

	// A write whose lineage commit never landed: drop the lineage row of the
	// merged record, as a failed commit after the update leaves it.
	look, err := h.lineage.Lookup(ctx, tenant, entityType, "crm", "A-1")
	require.NoError(t, err)
	require.Equal(t, lineage.StateCommitted, look.State)
	require.NoError(t, h.db.Where("job_id = ? AND legacy_id = ?", job.ID, "A-1").
		Delete(&entities.Lineage{}).Error)

	job, err = h.orch.Rollback(ctx, tenant, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, job.RollbackReport.Restored)
	assert.Empty(t, job.RollbackReport.VersionConflicts)

	ent, err := h.records.Get(ctx, tenant, entityType, seed.ID)
	require.NoError(t, err)
	assert.NotContains(t, ent.Core, "email")
	assert.Equal(t, "555-0100", ent.Core["phone"])
}
