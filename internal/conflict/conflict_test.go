package conflict_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/tphakala/recordmigrate/internal/conf"
	"github.com/tphakala/recordmigrate/internal/conflict"
	"github.com/tphakala/recordmigrate/internal/datastore/entities"
	"github.com/tphakala/recordmigrate/internal/errors"
	"github.com/tphakala/recordmigrate/internal/lineage"
	"github.com/tphakala/recordmigrate/internal/target"
	"github.com/tphakala/recordmigrate/internal/testutil"
)

type env struct {
	db       *gorm.DB
	records  *target.Store
	lineage  *lineage.Registry
	detector *conflict.Detector
	resolver *conflict.Resolver
	job      *entities.MigrationJob
}

func defaultScorer(t *testing.T) *conflict.WeightedScorer {
	t.Helper()
	s, err := conflict.NewWeightedScorer(conf.ScorerSettings{
		Fields: []conf.ScorerField{
			{Name: "name", Weight: 0.6, Mode: conflict.ModeFuzzy},
			{Name: "email", Weight: 0.25, Mode: conflict.ModeExact},
			{Name: "phone", Weight: 0.15, Mode: conflict.ModeExact},
		},
		Identifiers:  []conf.IdentifierRule{{Field: "tax_id", Score: 0.95}},
		IgnoreTokens: conf.DefaultIgnoreTokens,
	})
	require.NoError(t, err)
	return s
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db := testutil.NewTestDB(t)
	log := testutil.SilentLogger()
	records := target.NewStore(db, target.StoreConfig{
		BlockField:      "name",
		IdentifierField: "tax_id",
		IgnoreTokens:    conf.DefaultIgnoreTokens,
		Logger:          log,
	})
	reg := lineage.NewRegistry(db, lineage.Config{Logger: log})
	det, err := conflict.NewDetector(db, records, defaultScorer(t), reg, conflict.DetectorConfig{Logger: log})
	require.NoError(t, err)
	return &env{
		db:       db,
		records:  records,
		lineage:  reg,
		detector: det,
		resolver: conflict.NewResolver(db, reg, conflict.ResolverConfig{Logger: log}),
		job: &entities.MigrationJob{
			ID: "job-1", Tenant: "t1", EntityType: "company", LegacySystem: "crm",
			ConflictStrategy: entities.StrategyMerge, MergePolicy: entities.MergeFillEmpty,
		},
	}
}

func (e *env) create(t *testing.T, core map[string]any) target.Ref {
	t.Helper()
	ref, err := e.records.Create(context.Background(), "t1", "company", "", target.Payload{Core: core})
	require.NoError(t, err)
	return ref
}

func rec(id string, core map[string]any) conflict.Record {
	return conflict.Record{LegacyID: id, IdempotencyKey: "job-1/crm/" + id, Payload: target.Payload{Core: core}}
}

func TestScorerNormalisesNames(t *testing.T) {
	t.Parallel()
	s := defaultScorer(t)

	score := s.Score(target.Payload{Core: map[string]any{"name": "Acme Corp"}},
		target.Entity{Payload: target.Payload{Core: map[string]any{"name": "Acme Corporation"}}})
	assert.InDelta(t, 1.0, score.Total, 1e-9)
	assert.Equal(t, []string{"name similarity 1.00"}, score.Reasons)
	assert.Empty(t, score.Diff)

	score = s.Score(target.Payload{Core: map[string]any{"name": "Müller GmbH"}},
		target.Entity{Payload: target.Payload{Core: map[string]any{"name": "MULLER"}}})
	assert.InDelta(t, 1.0, score.Total, 1e-9)

	score = s.Score(target.Payload{Core: map[string]any{"name": "Acme", "email": "a@acme.com"}},
		target.Entity{Payload: target.Payload{Core: map[string]any{"name": "Acme", "email": "b@acme.com"}}})
	assert.InDelta(t, 0.6/0.85, score.Total, 1e-3)
	require.Len(t, score.Diff, 1)
	assert.Equal(t, "email", score.Diff[0].Field)
}

func TestScorerFuzzyAndIdentifierLift(t *testing.T) {
	t.Parallel()
	s := defaultScorer(t)

	score := s.Score(target.Payload{Core: map[string]any{"name": "Acme Holdings"}},
		target.Entity{Payload: target.Payload{Core: map[string]any{"name": "Acme Holding"}}})
	assert.Greater(t, score.Total, 0.9)
	assert.Less(t, score.Total, 1.0)

	score = s.Score(target.Payload{Core: map[string]any{"name": "Northwind", "tax_id": "FI-1234567"}},
		target.Entity{Payload: target.Payload{Core: map[string]any{"name": "Contoso", "tax_id": "fi 1234567"}}})
	assert.InDelta(t, 0.95, score.Total, 1e-9)
	assert.Contains(t, score.Reasons, "matching tax_id")
}

func TestNewWeightedScorerValidation(t *testing.T) {
	t.Parallel()
	_, err := conflict.NewWeightedScorer(conf.ScorerSettings{})
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
	_, err = conflict.NewWeightedScorer(conf.ScorerSettings{Fields: []conf.ScorerField{{Name: "name", Weight: 1, Mode: "soundex"}}})
	assert.Error(t, err)
	_, err = conflict.NewWeightedScorer(conf.ScorerSettings{Identifiers: []conf.IdentifierRule{{Field: "vat", Score: 2}}})
	assert.Error(t, err)
}

func TestThresholds(t *testing.T) {
	t.Parallel()
	th := conflict.DefaultThresholds()
	for _, tt := range []struct {
		score float64
		want  entities.Bucket
		ok    bool
	}{
		{0.95, entities.BucketHigh, true},
		{0.90, entities.BucketHigh, true},
		{0.80, entities.BucketMedium, true},
		{0.50, entities.BucketLow, true},
		{0.49, "", false},
	} {
		got, ok := th.Bucket(tt.score)
		assert.Equal(t, tt.want, got, "score %.2f", tt.score)
		assert.Equal(t, tt.ok, ok)
	}
	assert.Error(t, conflict.Thresholds{High: 0.5, Medium: 0.7, Low: 0.2}.Validate())
}

func TestClassifyNone(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.create(t, map[string]any{"name": "Globex"})

	res, err := e.detector.Classify(context.Background(), e.job, rec("L1", map[string]any{"name": "Initech"}))
	require.NoError(t, err)
	assert.Equal(t, conflict.KindNone, res.Kind)
}

func TestClassifyAutoMatchAndResolve(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	acme := e.create(t, map[string]any{"name": "Acme Corporation"})

	res, err := e.detector.Classify(ctx, e.job, rec("L1", map[string]any{"name": "Acme Corp"}))
	require.NoError(t, err)
	require.Equal(t, conflict.KindAutoMatch, res.Kind)
	assert.Equal(t, acme.ID, res.Match.TargetID)
	assert.Equal(t, entities.BucketHigh, res.Match.Bucket)
	assert.Contains(t, res.Match.Reasons, "name similarity 1.00")

	// The draft is not stored until it is resolved.
	_, _, err = e.resolver.FindForRecord(ctx, "job-1", "company", "crm", "L1")
	assert.ErrorIs(t, err, conflict.ErrNotFound)

	finalized := false
	resolution, err := e.resolver.ResolveAuto(ctx, conflict.AutoRequest{
		Conflict: res.Conflict,
		Strategy: entities.StrategyMerge,
		Decision: entities.DecisionMerged,
		Chosen:   res.Match,
		Finalize: func(tx *gorm.DB) error {
			finalized = true
			return nil
		},
	})
	require.NoError(t, err)
	assert.True(t, finalized)
	assert.Equal(t, entities.ResolverAuto, resolution.ResolverKind)

	c, stored, err := e.resolver.FindForRecord(ctx, "job-1", "company", "crm", "L1")
	require.NoError(t, err)
	assert.Equal(t, entities.ConflictMerged, c.Status)
	require.NotNil(t, stored.ChosenCandidateID)
	assert.Equal(t, acme.ID, *stored.ChosenCandidateID)

	explanations, err := e.resolver.Explanations(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, explanations, 1)
	assert.Equal(t, entities.DecisionMerged, explanations[0].Decision)
	assert.Equal(t, acme.ID, explanations[0].TargetID)
	assert.Contains(t, explanations[0].Reasons, "name similarity 1.00")

	open, err := e.resolver.CountOpen(ctx, "job-1")
	require.NoError(t, err)
	assert.Zero(t, open)
}

func TestPersistStoresAutoMatchForReview(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	e.create(t, map[string]any{"name": "Acme Corporation"})

	res, err := e.detector.Classify(ctx, e.job, rec("L1", map[string]any{"name": "Acme Corp"}))
	require.NoError(t, err)
	require.Equal(t, conflict.KindAutoMatch, res.Kind)

	stored, err := e.detector.Persist(ctx, res.Conflict)
	require.NoError(t, err)
	assert.NotEmpty(t, stored.ID)
	assert.Equal(t, entities.ConflictPending, stored.Status)

	// Persisting the same record again returns the existing row.
	again, err := e.detector.Persist(ctx, res.Conflict)
	require.NoError(t, err)
	assert.Equal(t, stored.ID, again.ID)

	open, err := e.resolver.CountOpen(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), open)
}

func TestResolveAutoRollsBackOnFinalizeError(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	e.create(t, map[string]any{"name": "Acme Corporation"})

	res, err := e.detector.Classify(ctx, e.job, rec("L1", map[string]any{"name": "Acme Corp"}))
	require.NoError(t, err)

	_, err = e.resolver.ResolveAuto(ctx, conflict.AutoRequest{
		Conflict: res.Conflict,
		Strategy: entities.StrategyMerge,
		Decision: entities.DecisionMerged,
		Chosen:   res.Match,
		Finalize: func(*gorm.DB) error { return errors.ErrReservationLost },
	})
	require.ErrorIs(t, err, errors.ErrReservationLost)

	_, _, err = e.resolver.FindForRecord(ctx, "job-1", "company", "crm", "L1")
	assert.ErrorIs(t, err, conflict.ErrNotFound)
	explanations, err := e.resolver.Explanations(ctx, "job-1")
	require.NoError(t, err)
	assert.Empty(t, explanations)
}

func TestResolveAutoRejectsInvalidRequests(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	draft := &entities.Conflict{ID: "c1", Tenant: "t1", JobID: "job-1", EntityType: "company", LegacySystem: "crm", LegacyID: "L1"}

	for name, req := range map[string]conflict.AutoRequest{
		"low score":       {Conflict: draft, Strategy: entities.StrategyMerge, Decision: entities.DecisionMerged, Chosen: entities.Candidate{Score: 0.8}},
		"manual strategy": {Conflict: draft, Strategy: entities.StrategyManual, Decision: entities.DecisionMerged, Chosen: entities.Candidate{Score: 0.95}},
		"skip on merge":   {Conflict: draft, Strategy: entities.StrategyMerge, Decision: entities.DecisionSkipped, Chosen: entities.Candidate{Score: 0.95}},
		"created_new":     {Conflict: draft, Strategy: entities.StrategyMerge, Decision: entities.DecisionCreatedNew, Chosen: entities.Candidate{Score: 0.95}},
	} {
		_, err := e.resolver.ResolveAuto(context.Background(), req)
		assert.ErrorIs(t, err, conflict.ErrInvalidDecision, name)
	}
}

func TestClassifyAmbiguousPersistsConflictOnce(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	e.create(t, map[string]any{"name": "Acme Oy"})
	e.create(t, map[string]any{"name": "Acme AB"})

	r := rec("L1", map[string]any{"name": "Acme"})
	first, err := e.detector.Classify(ctx, e.job, r)
	require.NoError(t, err)
	require.Equal(t, conflict.KindConflict, first.Kind)
	assert.Len(t, first.Candidates, 2)
	assert.Equal(t, entities.ConflictPending, first.Conflict.Status)

	second, err := e.detector.Classify(ctx, e.job, r)
	require.NoError(t, err)
	assert.Equal(t, first.Conflict.ID, second.Conflict.ID)

	rows, err := e.resolver.List(ctx, "t1", "job-1")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestClassifyLowScoreIsConflict(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.create(t, map[string]any{"name": "Acme", "email": "sales@acme.com"})

	res, err := e.detector.Classify(context.Background(), e.job,
		rec("L1", map[string]any{"name": "Acme", "email": "info@acme.com"}))
	require.NoError(t, err)
	assert.Equal(t, conflict.KindConflict, res.Kind)
	assert.Equal(t, entities.BucketLow, res.Conflict.Bucket)
}

func TestClassifyClaimedCandidateIsConflict(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	acme := e.create(t, map[string]any{"name": "Acme Corporation"})

	resv, err := e.lineage.Reserve(ctx, lineage.ReserveRequest{
		Tenant: "t1", EntityType: "company", LegacySystem: "erp", LegacyID: "E9", JobID: "job-0",
	})
	require.NoError(t, err)
	require.NoError(t, e.lineage.Commit(ctx, lineage.CommitRequest{
		Token: resv.Token, TargetID: acme.ID, TargetVersion: 1, Origin: entities.OriginMerged,
	}))

	res, err := e.detector.Classify(ctx, e.job, rec("L1", map[string]any{"name": "Acme Corp"}))
	require.NoError(t, err)
	require.Equal(t, conflict.KindConflict, res.Kind)
	assert.Contains(t, res.Conflict.Candidates[0].Reasons, "already mapped from another legacy record")

	_, _, err = e.resolver.ResolveManual(ctx, "t1", res.Conflict.ID, conflict.ManualDecision{
		Decision: entities.DecisionMerged, ChosenCandidateID: acme.ID, ResolvedBy: "ops",
	})
	assert.ErrorIs(t, err, conflict.ErrCandidateClaimed)
}

func TestClassifyExcludesOwnEarlierWrite(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.records.Create(ctx, "t1", "company", "job-1/crm/L1", target.Payload{Core: map[string]any{"name": "Acme"}})
	require.NoError(t, err)

	res, err := e.detector.Classify(ctx, e.job, rec("L1", map[string]any{"name": "Acme"}))
	require.NoError(t, err)
	assert.Equal(t, conflict.KindNone, res.Kind)
}

func TestResolveManualLifecycle(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	oy := e.create(t, map[string]any{"name": "Acme Oy"})
	e.create(t, map[string]any{"name": "Acme AB"})

	res, err := e.detector.Classify(ctx, e.job, rec("L1", map[string]any{"name": "Acme"}))
	require.NoError(t, err)
	id := res.Conflict.ID

	require.NoError(t, e.resolver.Escalate(ctx, "t1", id))
	require.NoError(t, e.resolver.Escalate(ctx, "t1", id))
	c, err := e.resolver.Get(ctx, "t1", id)
	require.NoError(t, err)
	assert.Equal(t, entities.ConflictManualReview, c.Status)

	_, _, err = e.resolver.ResolveManual(ctx, "t2", id, conflict.ManualDecision{Decision: entities.DecisionSkipped, ResolvedBy: "ops"})
	assert.ErrorIs(t, err, conflict.ErrNotFound)

	_, _, err = e.resolver.ResolveManual(ctx, "t1", id, conflict.ManualDecision{
		Decision: entities.DecisionMerged, ChosenCandidateID: "nope", ResolvedBy: "ops",
	})
	assert.ErrorIs(t, err, conflict.ErrInvalidDecision)

	_, _, err = e.resolver.ResolveManual(ctx, "t1", id, conflict.ManualDecision{
		Decision: entities.DecisionMerged, ChosenCandidateID: oy.ID, ResolvedBy: "ops",
		FieldDecisions: map[string]entities.Provenance{"name": entities.ManualOverride},
	})
	assert.ErrorIs(t, err, conflict.ErrInvalidDecision, "override without value")

	resolved, resolution, err := e.resolver.ResolveManual(ctx, "t1", id, conflict.ManualDecision{
		Decision:          entities.DecisionMerged,
		ChosenCandidateID: oy.ID,
		FieldDecisions:    map[string]entities.Provenance{"name": entities.ManualOverride},
		Overrides:         map[string]any{"name": "Acme Group Oy"},
		ResolvedBy:        "ops",
	})
	require.NoError(t, err)
	assert.Equal(t, entities.ConflictMerged, resolved.Status)
	assert.Equal(t, entities.ResolverManual, resolution.ResolverKind)

	stored, err := e.resolver.Resolution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Acme Group Oy", stored.Overrides["name"])

	_, _, err = e.resolver.ResolveManual(ctx, "t1", id, conflict.ManualDecision{Decision: entities.DecisionSkipped, ResolvedBy: "ops"})
	assert.ErrorIs(t, err, conflict.ErrAlreadyResolved)
	assert.ErrorIs(t, e.resolver.Escalate(ctx, "t1", id), conflict.ErrAlreadyResolved)
}

func TestResolveManualConcurrentDecisionsOneWins(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	e.create(t, map[string]any{"name": "Acme Oy"})
	e.create(t, map[string]any{"name": "Acme AB"})
	res, err := e.detector.Classify(ctx, e.job, rec("L1", map[string]any{"name": "Acme"}))
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Go(func() {
			_, _, err := e.resolver.ResolveManual(ctx, "t1", res.Conflict.ID,
				conflict.ManualDecision{Decision: entities.DecisionCreatedNew, ResolvedBy: "ops"})
			errs <- err
		})
	}
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, conflict.ErrAlreadyResolved)
	}
	assert.Equal(t, 1, wins)
}

type finderMock struct{ mock.Mock }

func (m *finderMock) FindCandidates(ctx context.Context, tenant, entityType string, p target.Payload, limit int) ([]target.Entity, error) {
	args := m.Called(ctx, tenant, entityType, p, limit)
	if v := args.Get(0); v != nil {
		return v.([]target.Entity), args.Error(1)
	}
	return nil, args.Error(1)
}

func TestClassifyUsesFinderLimitAndSortsByScore(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	finder := &finderMock{}
	finder.On("FindCandidates", mock.Anything, "t1", "company", mock.Anything, 3).Return([]target.Entity{
		{ID: "b", Version: 1, Payload: target.Payload{Core: map[string]any{"name": "Acme Holdings Group"}}},
		{ID: "a", Version: 4, Payload: target.Payload{Core: map[string]any{"name": "Acme Holdings"}}},
	}, nil)

	det, err := conflict.NewDetector(db, finder, defaultScorer(t), nil,
		conflict.DetectorConfig{MaxCandidates: 3, Logger: testutil.SilentLogger()})
	require.NoError(t, err)

	job := &entities.MigrationJob{ID: "job-1", Tenant: "t1", EntityType: "company", LegacySystem: "crm"}
	res, err := det.Classify(context.Background(), job, rec("L1", map[string]any{"name": "Acme Holdings"}))
	require.NoError(t, err)
	require.Equal(t, conflict.KindAutoMatch, res.Kind)
	assert.Equal(t, "a", res.Match.TargetID)
	assert.Equal(t, int64(4), res.Match.Version)
	finder.AssertExpectations(t)
}

func TestMergePolicies(t *testing.T) {
	t.Parallel()
	incoming := target.Payload{
		Core:   map[string]any{"name": "Acme Corp", "email": "new@acme.com", "phone": ""},
		Custom: map[string]any{"segment": "smb"},
	}
	existing := target.Payload{
		Core:   map[string]any{"name": "Acme Corporation", "email": "", "phone": "+358 1"},
		Custom: map[string]any{"segment": "enterprise", "owner": "jane"},
	}

	tests := []struct {
		policy entities.MergePolicy
		name   string
		email  string
		phone  string
		seg    string
	}{
		{entities.MergeFillEmpty, "Acme Corporation", "new@acme.com", "+358 1", "enterprise"},
		{entities.MergePreferSource, "Acme Corp", "new@acme.com", "+358 1", "smb"},
		{entities.MergePreferTarget, "Acme Corporation", "new@acme.com", "+358 1", "enterprise"},
		{conflict.PolicyOverwrite, "Acme Corp", "new@acme.com", "", "smb"},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			t.Parallel()
			merged, prov := conflict.Merge(tt.policy, incoming, existing, nil, nil)
			assert.Equal(t, tt.name, merged.Core["name"])
			assert.Equal(t, tt.email, merged.Core["email"])
			assert.Equal(t, tt.phone, merged.Core["phone"])
			assert.Equal(t, tt.seg, merged.Custom["segment"])
			assert.Equal(t, "jane", merged.Custom["owner"])
			assert.Contains(t, prov, "custom.segment")
			assert.NotContains(t, prov, "custom.owner")
		})
	}
}

func TestMergeFieldDecisions(t *testing.T) {
	t.Parallel()
	incoming := target.Payload{Core: map[string]any{"name": "Acme Corp", "email": "new@acme.com"}, Custom: map[string]any{"tier": "gold"}}
	existing := target.Payload{Core: map[string]any{"name": "Acme Corporation", "email": "old@acme.com"}, Custom: map[string]any{"tier": "silver"}}

	merged, prov := conflict.Merge(entities.MergeFillEmpty, incoming, existing,
		map[string]entities.Provenance{
			"email":       entities.KeptSource,
			"name":        entities.ManualOverride,
			"custom.tier": entities.KeptSource,
		},
		map[string]any{"name": "Acme Group"})

	assert.Equal(t, "Acme Group", merged.Core["name"])
	assert.Equal(t, "new@acme.com", merged.Core["email"])
	assert.Equal(t, "gold", merged.Custom["tier"])
	assert.Equal(t, entities.ManualOverride, prov["name"])
	assert.Equal(t, entities.KeptSource, prov["custom.tier"])
	assert.Equal(t, "Acme Corporation", existing.Core["name"], "existing payload is not modified")
}

func TestPolicyFor(t *testing.T) {
	t.Parallel()
	assert.Equal(t, conflict.PolicyOverwrite, conflict.PolicyFor(entities.StrategyOverwrite, entities.MergePreferTarget))
	assert.Equal(t, entities.MergeFillEmpty, conflict.PolicyFor(entities.StrategyMerge, ""))
	assert.Equal(t, entities.MergePreferSource, conflict.PolicyFor(entities.StrategyMerge, entities.MergePreferSource))
}
