package checkpoint_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/tphakala/recordmigrate/internal/checkpoint"
	"github.com/tphakala/recordmigrate/internal/datastore/entities"
	"github.com/tphakala/recordmigrate/internal/errors"
	"github.com/tphakala/recordmigrate/internal/testutil"
)

func TestLoadWithoutCheckpointStartsAtBeginning(t *testing.T) {
	t.Parallel()
	store := checkpoint.NewStore(testutil.NewTestDB(t), testutil.SilentLogger())

	state, err := store.Load(context.Background(), "job-1", "contact")
	require.NoError(t, err)
	assert.False(t, state.Found)
	assert.Empty(t, state.Cursor)
	assert.Zero(t, state.BatchIndex)
}

func TestCommitOverwritesSingleRow(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	store := checkpoint.NewStore(db, testutil.SilentLogger())
	ctx := context.Background()

	for i, cursor := range []string{"100", "200", "300"} {
		require.NoError(t, store.Commit(ctx, checkpoint.CommitRequest{
			JobID: "job-1", EntityType: "contact", Cursor: cursor, BatchIndex: int64(i),
			LoadedUpTo: "L" + cursor, TransformVersion: "tv1", PlanFingerprint: "fp1",
		}))
	}

	state, err := store.Load(ctx, "job-1", "contact")
	require.NoError(t, err)
	assert.True(t, state.Found)
	assert.Equal(t, "300", state.Cursor)
	assert.Equal(t, int64(2), state.BatchIndex)
	assert.Equal(t, "L300", state.LoadedUpTo)

	var count int64
	require.NoError(t, db.Model(&entities.Checkpoint{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestCommitRejectsChangedPlan(t *testing.T) {
	t.Parallel()
	store := checkpoint.NewStore(testutil.NewTestDB(t), testutil.SilentLogger())
	ctx := context.Background()

	require.NoError(t, store.Commit(ctx, checkpoint.CommitRequest{
		JobID: "job-1", EntityType: "contact", Cursor: "10", TransformVersion: "tv1", PlanFingerprint: "fp1",
	}))

	err := store.Commit(ctx, checkpoint.CommitRequest{
		JobID: "job-1", EntityType: "contact", Cursor: "20", BatchIndex: 1, TransformVersion: "tv2", PlanFingerprint: "fp2",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, checkpoint.ErrPlanChanged)
	assert.True(t, errors.IsCategory(err, errors.CategoryState))

	state, err := store.Load(ctx, "job-1", "contact")
	require.NoError(t, err)
	assert.Equal(t, "10", state.Cursor)
	assert.Equal(t, "fp1", state.PlanFingerprint)
}

func TestCheckpointsAreScopedByEntityType(t *testing.T) {
	t.Parallel()
	store := checkpoint.NewStore(testutil.NewTestDB(t), testutil.SilentLogger())
	ctx := context.Background()

	require.NoError(t, store.Commit(ctx, checkpoint.CommitRequest{JobID: "job-1", EntityType: "contact", Cursor: "5", PlanFingerprint: "a", TransformVersion: "v"}))
	require.NoError(t, store.Commit(ctx, checkpoint.CommitRequest{JobID: "job-1", EntityType: "company", Cursor: "7", PlanFingerprint: "b", TransformVersion: "v"}))

	contact, err := store.Load(ctx, "job-1", "contact")
	require.NoError(t, err)
	company, err := store.Load(ctx, "job-1", "company")
	require.NoError(t, err)
	assert.Equal(t, "5", contact.Cursor)
	assert.Equal(t, "7", company.Cursor)
}

func TestCommitTxRollsBackWithCallerTransaction(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	store := checkpoint.NewStore(db, testutil.SilentLogger())
	ctx := context.Background()

	boom := errors.NewStd("counter update failed")
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		require.NoError(t, store.CommitTx(tx, checkpoint.CommitRequest{
			JobID: "job-1", EntityType: "contact", Cursor: "50", BatchIndex: 1, TransformVersion: "tv1", PlanFingerprint: "fp1",
		}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	state, err := store.Load(ctx, "job-1", "contact")
	require.NoError(t, err)
	assert.False(t, state.Found, "checkpoint must not outlive the rolled back transaction")
}

func TestFingerprint(t *testing.T) {
	t.Parallel()

	plan := checkpoint.Plan{
		EntityType:   "contact",
		LegacySystem: "crm",
		Source: entities.SourceConfig{
			Kind: "jsonl", Location: "contacts.jsonl", IDField: "id",
			Options: map[string]string{"b": "2", "a": "1"},
		},
		Mappings:         []entities.FieldMapping{{Source: "full_name", Target: "name", Required: true}},
		MergePolicy:      entities.MergeFillEmpty,
		ConflictStrategy: entities.StrategyMerge,
		TransformVersion: "tv1",
	}

	fp1, err := checkpoint.Fingerprint(plan)
	require.NoError(t, err)
	assert.Len(t, fp1, 64)

	// Map iteration order does not matter.
	same := plan
	same.Source.Options = map[string]string{"a": "1", "b": "2"}
	fp2, err := checkpoint.Fingerprint(same)
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2)

	changed := plan
	changed.ConflictStrategy = entities.StrategySkip
	fp3, err := checkpoint.Fingerprint(changed)
	require.NoError(t, err)
	assert.NotEqual(t, fp1, fp3)
}
