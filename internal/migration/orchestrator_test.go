package migration_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/recordmigrate/internal/checkpoint"
	"github.com/tphakala/recordmigrate/internal/conflict"
	"github.com/tphakala/recordmigrate/internal/datastore/entities"
	"github.com/tphakala/recordmigrate/internal/errors"
	"github.com/tphakala/recordmigrate/internal/lineage"
	"github.com/tphakala/recordmigrate/internal/migration"
	"github.com/tphakala/recordmigrate/internal/source"
	"github.com/tphakala/recordmigrate/internal/target"
	"github.com/tphakala/recordmigrate/internal/testutil"
)

func TestRunMigratesEveryRecord(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.static.Put(dataset, companies(100))

	job := h.ready(t, companySpec(entities.StrategyMerge))
	job = h.run(t, job.ID)

	assert.Equal(t, entities.JobCompleted, job.Status)
	assert.Equal(t, int64(100), job.SuccessCount)
	assert.Zero(t, job.FailureCount)
	assert.Zero(t, job.SkippedCount)
	assert.Zero(t, job.ConflictCount)
	assert.Zero(t, job.QuarantinedCount)
	assert.NotNil(t, job.StartedAt)
	assert.NotNil(t, job.FinishedAt)
	assert.Equal(t, int64(100), h.countEntities(t))

	committed, err := h.lineage.CountCommitted(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), committed)

	for _, r := range job.PostflightResults {
		assert.True(t, r.Passed, "postflight %s: %s", r.Name, r.Message)
	}

	state, err := checkpoint.NewStore(h.db, testutil.SilentLogger()).Load(context.Background(), job.ID, entityType)
	require.NoError(t, err)
	assert.True(t, state.Found)
	assert.Equal(t, int64(10), state.BatchIndex)

	assert.Equal(t, []string{
		"pending>preflight", "preflight>ready", "ready>running", "running>completed",
	}, h.notes.all())
}

func TestRunMapsCustomFields(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.static.Put(dataset, companies(1))

	job := h.run(t, h.ready(t, companySpec(entities.StrategyMerge)).ID)
	require.Equal(t, int64(1), job.SuccessCount)

	look, err := h.lineage.Lookup(context.Background(), tenant, entityType, "crm", "C-001")
	require.NoError(t, err)
	require.Equal(t, lineage.StateCommitted, look.State)
	assert.Equal(t, entities.OriginCreated, look.Origin)

	ent, err := h.records.Get(context.Background(), tenant, entityType, look.TargetID)
	require.NoError(t, err)
	assert.Equal(t, "Company001 Holdings", ent.Core["name"])
	assert.Equal(t, "info@company001.example", ent.Core["email"])
	assert.Equal(t, "smb", ent.Custom["segment"])
	assert.Equal(t, look.TargetVersion, ent.Version)
}

func TestRerunSkipsCommittedRecords(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.static.Put(dataset, companies(20))

	first := h.run(t, h.ready(t, companySpec(entities.StrategyMerge)).ID)
	require.Equal(t, int64(20), first.SuccessCount)

	second := h.run(t, h.ready(t, companySpec(entities.StrategyMerge)).ID)
	assert.Equal(t, entities.JobCompleted, second.Status)
	assert.Zero(t, second.SuccessCount)
	assert.Equal(t, int64(20), second.SkippedCount)
	assert.Equal(t, int64(20), h.countEntities(t))
}

func TestAutoMergeFillsEmptyFields(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	seed := h.seed(t, map[string]any{"name": "Acme Corporation", "phone": "555-0100", "tax_id": "FI-1234567"})

	spec := companySpec(entities.StrategyMerge)
	spec.Mappings = append(spec.Mappings, entities.FieldMapping{Source: "tax_id", Target: "tax_id"})
	h.static.Put(dataset, append([]map[string]any{{
		"id": "A-1", "company_name": "Acme Corp", "email": "Sales@Acme.example", "tax_id": "fi 1234567",
	}}, companies(2)...))

	job := h.run(t, h.ready(t, spec).ID)
	assert.Equal(t, entities.JobCompleted, job.Status)
	assert.Equal(t, int64(3), job.SuccessCount)
	assert.Zero(t, job.ConflictCount)
	assert.Equal(t, int64(3), h.countEntities(t))

	ent, err := h.records.Get(context.Background(), tenant, entityType, seed.ID)
	require.NoError(t, err)
	assert.Equal(t, "Acme Corporation", ent.Core["name"], "fill_empty keeps the existing name")
	assert.Equal(t, "sales@acme.example", ent.Core["email"])
	assert.Equal(t, "555-0100", ent.Core["phone"])
	assert.Equal(t, seed.Version+1, ent.Version)

	look, err := h.lineage.Lookup(context.Background(), tenant, entityType, "crm", "A-1")
	require.NoError(t, err)
	assert.Equal(t, lineage.StateCommitted, look.State)
	assert.Equal(t, seed.ID, look.TargetID)
	assert.Equal(t, entities.OriginMerged, look.Origin)
	assert.Equal(t, ent.Version, look.TargetVersion)

	explanations, err := h.orch.ListExplanations(context.Background(), tenant, job.ID)
	require.NoError(t, err)
	require.Len(t, explanations, 1)
}

func TestAutoMatchUnderSkipStrategyLeavesTargetAlone(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	seed := h.seed(t, map[string]any{"name": "Acme Corporation", "tax_id": "FI-1234567"})

	spec := companySpec(entities.StrategySkip)
	spec.Mappings = append(spec.Mappings, entities.FieldMapping{Source: "tax_id", Target: "tax_id"})
	h.static.Put(dataset, []map[string]any{{
		"id": "A-1", "company_name": "Acme Corp", "email": "sales@acme.example", "tax_id": "FI1234567",
	}})

	job := h.run(t, h.ready(t, spec).ID)
	assert.Equal(t, entities.JobCompleted, job.Status)
	assert.Equal(t, int64(1), job.SkippedCount)
	assert.Zero(t, job.SuccessCount)

	ent, err := h.records.Get(context.Background(), tenant, entityType, seed.ID)
	require.NoError(t, err)
	assert.Equal(t, seed.Version, ent.Version)
	assert.NotContains(t, ent.Core, "email")

	look, err := h.lineage.Lookup(context.Background(), tenant, entityType, "crm", "A-1")
	require.NoError(t, err)
	assert.Equal(t, lineage.StateAbsent, look.State)
}

func TestManualStrategyEscalatesAutoMatches(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.seed(t, map[string]any{"name": "Acme Corporation", "tax_id": "FI-1234567"})

	spec := companySpec(entities.StrategyManual)
	spec.Mappings = append(spec.Mappings, entities.FieldMapping{Source: "tax_id", Target: "tax_id"})
	h.static.Put(dataset, []map[string]any{{"id": "A-1", "company_name": "Acme", "tax_id": "FI1234567"}})

	job := h.run(t, h.ready(t, spec).ID)
	assert.Equal(t, entities.JobCompleted, job.Status)
	assert.Equal(t, int64(1), job.ConflictCount)

	conflicts, err := h.orch.ListConflicts(context.Background(), tenant, job.ID, entities.ConflictManualReview)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "A-1", conflicts[0].LegacyID)
}

func TestAmbiguousRecordIsEscalatedAndResolvedManually(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	seed := h.seed(t, map[string]any{"name": "Globex Corporation", "email": "a@globex.example"})
	h.static.Put(dataset, append([]map[string]any{{
		"id": "G-1", "company_name": "Globex", "email": "b@globex.example", "phone": "555-0199",
	}}, companies(3)...))

	job := h.run(t, h.ready(t, companySpec(entities.StrategyMerge)).ID)
	assert.Equal(t, entities.JobCompleted, job.Status)
	assert.Equal(t, int64(3), job.SuccessCount)
	assert.Equal(t, int64(1), job.ConflictCount)
	pending, ok := checkResult(job.PostflightResults, "conflicts_pending")
	require.True(t, ok)
	assert.False(t, pending.Passed)

	conflicts, err := h.orch.ListConflicts(ctx, tenant, job.ID)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	c := conflicts[0]
	assert.Equal(t, entities.ConflictManualReview, c.Status)
	require.NotEmpty(t, c.Candidates)
	assert.Equal(t, seed.ID, c.Candidates[0].TargetID)

	res, err := h.orch.ResolveConflict(ctx, tenant, c.ID, conflict.ManualDecision{
		Decision:          entities.DecisionMerged,
		ChosenCandidateID: seed.ID,
		FieldDecisions:    map[string]entities.Provenance{"email": entities.KeptSource},
		ResolvedBy:        "operator@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, migration.OutcomeCommitted, res.Outcome)

	ent, err := h.records.Get(ctx, tenant, entityType, seed.ID)
	require.NoError(t, err)
	assert.Equal(t, "b@globex.example", ent.Core["email"])
	assert.Equal(t, "555-0199", ent.Core["phone"])

	look, err := h.lineage.Lookup(ctx, tenant, entityType, "crm", "G-1")
	require.NoError(t, err)
	assert.Equal(t, seed.ID, look.TargetID)
	assert.Equal(t, entities.OriginMerged, look.Origin)

	job = h.status(t, job.ID)
	assert.Equal(t, int64(4), job.SuccessCount)

	_, err = h.orch.ResolveConflict(ctx, tenant, c.ID, conflict.ManualDecision{
		Decision: entities.DecisionSkipped, ResolvedBy: "operator@example.com",
	})
	require.ErrorIs(t, err, conflict.ErrAlreadyResolved)
}

func TestBadRecordsAreAbandonedWithoutFailingTheJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	records := companies(10)
	records[4]["email"] = "not-an-address"
	records = append(records, map[string]any{"company_name": "Nameless Ltd"})
	h.static.Put(dataset, records)

	job := h.run(t, h.ready(t, companySpec(entities.StrategyMerge)).ID)
	assert.Equal(t, entities.JobCompleted, job.Status)
	assert.Equal(t, int64(9), job.SuccessCount)
	assert.Equal(t, int64(2), job.QuarantinedCount)
	assert.Equal(t, int64(2), job.FailureCount)
	assert.Equal(t, int64(9), h.countEntities(t))

	abandoned, err := h.orch.ListQuarantine(context.Background(), tenant, job.ID, entities.QuarantineAbandoned)
	require.NoError(t, err)
	require.Len(t, abandoned, 2)
	stages := map[entities.Stage]string{}
	for _, e := range abandoned {
		stages[e.Stage] = e.ErrorCode
		assert.Equal(t, 3, e.RetryCount)
		assert.Equal(t, "permanent", e.ErrorClass)
	}
	assert.Equal(t, map[entities.Stage]string{
		entities.StageTransform: "unmappable_field",
		entities.StageExtract:   "missing_legacy_id",
	}, stages)

	r, ok := checkResult(job.PostflightResults, "abandoned")
	require.True(t, ok)
	assert.False(t, r.Passed)
	assert.Equal(t, "2 records abandoned", r.Message)
}

func TestPauseHoldsTheRunUntilResumed(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.static.Put(dataset, companies(60))
	spec := companySpec(entities.StrategyMerge)
	spec.Workers = 1
	spec.RateLimit = 20

	job := h.ready(t, spec)
	_, err := h.orch.Start(ctx, tenant, job.ID)
	require.NoError(t, err)
	paused, err := h.orch.Pause(ctx, tenant, job.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.JobPaused, paused.Status)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, entities.JobPaused, h.status(t, job.ID).Status)

	_, err = h.orch.Pause(ctx, tenant, job.ID)
	require.ErrorIs(t, err, migration.ErrInvalidTransition)

	_, err = h.orch.Resume(ctx, tenant, job.ID)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, testutil.LongTestTimeout)
	defer cancel()
	require.NoError(t, h.orch.Wait(waitCtx, job.ID))

	job = h.status(t, job.ID)
	assert.Equal(t, entities.JobCompleted, job.Status)
	assert.Equal(t, int64(60), job.SuccessCount)
	assert.Equal(t, int64(60), h.countEntities(t))
}

func TestCancelStopsAtBatchBoundaryAndReleasesReservations(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.static.Put(dataset, companies(60))
	spec := companySpec(entities.StrategyMerge)
	spec.Workers = 1
	spec.RateLimit = 20

	job := h.ready(t, spec)
	_, err := h.orch.Start(ctx, tenant, job.ID)
	require.NoError(t, err)
	cancelling, err := h.orch.Cancel(ctx, tenant, job.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.JobCancelling, cancelling.Status)

	waitCtx, cancel := context.WithTimeout(ctx, testutil.LongTestTimeout)
	defer cancel()
	require.NoError(t, h.orch.Wait(waitCtx, job.ID))

	job = h.status(t, job.ID)
	assert.Equal(t, entities.JobCancelled, job.Status)
	assert.Less(t, job.SuccessCount, int64(60))
	assert.NotNil(t, job.FinishedAt)

	committed, err := h.lineage.CountCommitted(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.SuccessCount, committed)
	for _, r := range companies(60) {
		look, err := h.lineage.Lookup(ctx, tenant, entityType, "crm", r["id"].(string))
		require.NoError(t, err)
		assert.NotEqual(t, lineage.StateReserved, look.State, "record %s", r["id"])
	}

	_, err = h.orch.Start(ctx, tenant, job.ID)
	require.ErrorIs(t, err, migration.ErrInvalidTransition)
}

func TestMaxRuntimePausesTheJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.static.Put(dataset, companies(60))
	spec := companySpec(entities.StrategyMerge)
	spec.Workers = 1
	spec.RateLimit = 20
	spec.MaxRuntime = 50 * time.Millisecond

	job := h.ready(t, spec)
	_, err := h.orch.Start(ctx, tenant, job.ID)
	require.NoError(t, err)

	testutil.Eventually(t, testutil.DefaultTestTimeout, func() bool {
		return h.status(t, job.ID).Status == entities.JobPaused
	}, "job should pause when its runtime bound is reached")

	_, err = h.orch.Cancel(ctx, tenant, job.ID)
	require.NoError(t, err)
	waitCtx, cancel := context.WithTimeout(ctx, testutil.LongTestTimeout)
	defer cancel()
	require.NoError(t, h.orch.Wait(waitCtx, job.ID))
	assert.Equal(t, entities.JobCancelled, h.status(t, job.ID).Status)
}

func TestRecoverResumesFromCheckpointWithoutDuplicates(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.static.Put(dataset, companies(100))

	registry := h.src
	gated := newGatedSource(registry, 4) // preflight fetch plus three batches
	h.src = gated
	h.orch = h.newOrchestrator(t)

	job := h.ready(t, companySpec(entities.StrategyMerge))
	_, err := h.orch.Start(ctx, tenant, job.ID)
	require.NoError(t, err)
	testutil.WaitForChannel(t, gated.blocked, testutil.DefaultTestTimeout, "source never blocked")
	testutil.Eventually(t, testutil.DefaultTestTimeout, func() bool {
		return h.status(t, job.ID).SuccessCount == 30
	}, "three batches should be checkpointed")

	// Simulate a crash: the process goes away with the job still running.
	h.orch.Close()
	assert.Equal(t, entities.JobRunning, h.status(t, job.ID).Status)

	h.src = registry
	h.orch = h.newOrchestrator(t)
	_, err = h.orch.Recover(ctx, tenant, job.ID)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, testutil.LongTestTimeout)
	defer cancel()
	require.NoError(t, h.orch.Wait(waitCtx, job.ID))

	job = h.status(t, job.ID)
	assert.Equal(t, entities.JobCompleted, job.Status)
	assert.Equal(t, int64(100), job.SuccessCount)
	assert.Equal(t, int64(100), h.countEntities(t))
	committed, err := h.lineage.CountCommitted(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), committed)
}

func TestRecoverAfterCrashMidBatch(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.static.Put(dataset, companies(25))

	registry := h.src
	gated := newGatedSource(registry, 1) // preflight fetch only
	h.src = gated
	h.orch = h.newOrchestrator(t)

	job := h.ready(t, companySpec(entities.StrategyMerge))
	_, err := h.orch.Start(ctx, tenant, job.ID)
	require.NoError(t, err)
	testutil.WaitForChannel(t, gated.blocked, testutil.DefaultTestTimeout, "source never blocked")
	h.orch.Close()

	// The dead run had reserved and created C-005 without committing it,
	// and its checkpoint never advanced past the batch.
	res, err := h.lineage.Reserve(ctx, lineage.ReserveRequest{
		Tenant: tenant, EntityType: entityType, LegacySystem: "crm", LegacyID: "C-005", JobID: job.ID,
	})
	require.NoError(t, err)
	require.Equal(t, lineage.Reserved, res.Outcome)
	_, err = h.records.Create(ctx, tenant, entityType, job.ID+"/crm/C-005", target.Payload{
		Core:   map[string]any{"name": "Company005 Holdings", "email": "info@company005.example"},
		Custom: map[string]any{"segment": "smb"},
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), h.countEntities(t))

	h.src = registry
	h.orch = h.newOrchestrator(t)
	_, err = h.orch.Recover(ctx, tenant, job.ID)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, testutil.LongTestTimeout)
	defer cancel()
	require.NoError(t, h.orch.Wait(waitCtx, job.ID))

	job = h.status(t, job.ID)
	assert.Equal(t, entities.JobCompleted, job.Status)
	assert.Equal(t, int64(25), job.SuccessCount)
	assert.Equal(t, int64(25), h.countEntities(t))

	committed, err := h.lineage.CountCommitted(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(25), committed)

	var snapshots int64
	require.NoError(t, h.db.Model(&entities.RowSnapshot{}).Where("job_id = ?", job.ID).Count(&snapshots).Error)
	assert.Equal(t, int64(25), snapshots, "one snapshot per committed record")

	look, err := h.lineage.Lookup(ctx, tenant, entityType, "crm", "C-005")
	require.NoError(t, err)
	assert.Equal(t, lineage.StateCommitted, look.State)
}

func TestSourceOutageFailsTheJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.static.Put(dataset, companies(30))
	h.src = &failingSource{Source: h.src, open: 2}
	h.orch = h.newOrchestrator(t)

	job := h.ready(t, companySpec(entities.StrategyMerge))
	_, err := h.orch.Start(ctx, tenant, job.ID)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, testutil.LongTestTimeout)
	defer cancel()
	err = h.orch.Wait(waitCtx, job.ID)
	require.ErrorIs(t, err, migration.ErrSourceUnreachable)

	job = h.status(t, job.ID)
	assert.Equal(t, entities.JobFailed, job.Status)
	assert.Contains(t, job.FailureReason, "legacy source unreachable")
	assert.LessOrEqual(t, job.SuccessCount, int64(10))
	assert.Contains(t, h.notes.all(), "running>failed")
}

func TestPreflightBlocksStalePlans(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.static.Put(dataset, companies(5))

	job, err := h.orch.Create(ctx, tenant, companySpec(entities.StrategyMerge))
	require.NoError(t, err)
	require.NoError(t, h.db.Model(&entities.MigrationJob{}).Where("id = ?", job.ID).
		Update("transform_version", "fieldmap/v0:000000000000").Error)

	job, err = h.orch.RunPreflight(ctx, tenant, job.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.JobBlocked, job.Status)
	plan, ok := checkResult(job.PreflightResults, "checkpoint_plan")
	require.True(t, ok)
	assert.False(t, plan.Passed)
	assert.Contains(t, plan.Message, "job plan is stale")

	_, err = h.orch.Start(ctx, tenant, job.ID)
	require.ErrorIs(t, err, migration.ErrInvalidTransition)
	var te *migration.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, entities.JobBlocked, te.Current)
}

func TestPreflightChecksSourceAndSchema(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	spec := companySpec(entities.StrategyMerge)
	spec.Mappings = append(spec.Mappings, entities.FieldMapping{Source: "vat", Target: "vat_number"})
	job, err := h.orch.Create(ctx, tenant, spec)
	require.NoError(t, err)

	job, err = h.orch.RunPreflight(ctx, tenant, job.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.JobBlocked, job.Status)

	src, ok := checkResult(job.PreflightResults, "source_reachable")
	require.True(t, ok)
	assert.False(t, src.Passed)
	mappings, ok := checkResult(job.PreflightResults, "mapping_targets")
	require.True(t, ok)
	assert.False(t, mappings.Passed)
	assert.Contains(t, mappings.Message, "vat_number")

	// A blocked job can be checked again once the cause is fixed.
	h.static.Put(dataset, companies(1))
	job, err = h.orch.RunPreflight(ctx, tenant, job.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.JobBlocked, job.Status)
	src, _ = checkResult(job.PreflightResults, "source_reachable")
	assert.True(t, src.Passed)
}

func TestCustomPreflightCheck(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.static.Put(dataset, companies(1))
	h.cfg.Checks = []migration.PreflightCheck{migration.CheckFunc{
		CheckName: "maintenance_window",
		Fn: func(context.Context, *entities.MigrationJob) error {
			return fmt.Errorf("outside the maintenance window")
		},
	}}
	h.orch = h.newOrchestrator(t)

	job, err := h.orch.Create(context.Background(), tenant, companySpec(entities.StrategyMerge))
	require.NoError(t, err)
	job, err = h.orch.RunPreflight(context.Background(), tenant, job.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.JobBlocked, job.Status)
	r, ok := checkResult(job.PreflightResults, "maintenance_window")
	require.True(t, ok)
	assert.Equal(t, "outside the maintenance window", r.Message)
}

func TestCreateRejectsInvalidSpecs(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	spec := companySpec("take_both")
	spec.Source.Kind = "ftp"
	_, err := h.orch.Create(context.Background(), tenant, spec)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
	assert.Contains(t, err.Error(), `conflict_strategy "take_both" is invalid`)
	assert.Contains(t, err.Error(), `source.kind "ftp"`)

	_, err = h.orch.Create(context.Background(), "", companySpec(entities.StrategyMerge))
	require.Error(t, err)

	jobs, err := h.orch.ListJobs(context.Background(), tenant)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestJobsAreTenantScoped(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	job, err := h.orch.Create(context.Background(), tenant, companySpec(entities.StrategyMerge))
	require.NoError(t, err)

	_, err = h.orch.Status(context.Background(), "other-tenant", job.ID)
	require.ErrorIs(t, err, migration.ErrJobNotFound)
	assert.True(t, errors.IsCategory(err, errors.CategoryNotFound))

	jobs, err := h.orch.ListJobs(context.Background(), "other-tenant")
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestCancelBeforeStart(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	job, err := h.orch.Create(context.Background(), tenant, companySpec(entities.StrategyMerge))
	require.NoError(t, err)

	job, err = h.orch.Cancel(context.Background(), tenant, job.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.JobCancelled, job.Status)

	_, err = h.orch.Cancel(context.Background(), tenant, job.ID)
	require.ErrorIs(t, err, migration.ErrInvalidTransition)
}

func TestRecoverBlocksInterruptedPreflight(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	job, err := h.orch.Create(context.Background(), tenant, companySpec(entities.StrategyMerge))
	require.NoError(t, err)
	require.NoError(t, h.db.Model(&entities.MigrationJob{}).Where("id = ?", job.ID).
		Update("status", entities.JobPreflight).Error)

	job, err = h.orch.Recover(context.Background(), tenant, job.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.JobBlocked, job.Status)
	require.Len(t, job.PreflightResults, 1)
	assert.False(t, job.PreflightResults[0].Passed)
}

// failingSource serves the first open fetches and then reports the source
// as down.
type failingSource struct {
	migration.Source
	open    int
	fetched int
}

func (f *failingSource) Fetch(ctx context.Context, cfg entities.SourceConfig, cursor string, limit int) (source.Batch, error) {
	f.fetched++
	if f.fetched <= f.open {
		return f.Source.Fetch(ctx, cfg, cursor, limit)
	}
	return source.Batch{}, errors.NewTransient(errors.CodeSourceDown, fmt.Errorf("connection refused"))
}
