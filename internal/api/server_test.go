package api_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/recordmigrate/internal/api"
	"github.com/tphakala/recordmigrate/internal/api/dto"
	"github.com/tphakala/recordmigrate/internal/conflict"
	"github.com/tphakala/recordmigrate/internal/datastore/entities"
	"github.com/tphakala/recordmigrate/internal/errors"
	"github.com/tphakala/recordmigrate/internal/migration"
	"github.com/tphakala/recordmigrate/internal/observability"
	"github.com/tphakala/recordmigrate/internal/testutil"
)

const tenant = "acme-tenant"

type engineMock struct{ mock.Mock }

func (m *engineMock) job(args mock.Arguments) (*entities.MigrationJob, error) {
	if v := args.Get(0); v != nil {
		return v.(*entities.MigrationJob), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *engineMock) Create(ctx context.Context, tenant string, spec migration.JobSpec) (*entities.MigrationJob, error) {
	return m.job(m.Called(ctx, tenant, spec))
}

func (m *engineMock) Status(ctx context.Context, tenant, jobID string) (*entities.MigrationJob, error) {
	return m.job(m.Called(ctx, tenant, jobID))
}

func (m *engineMock) ListJobs(ctx context.Context, tenant string) ([]entities.MigrationJob, error) {
	args := m.Called(ctx, tenant)
	jobs, _ := args.Get(0).([]entities.MigrationJob)
	return jobs, args.Error(1)
}

func (m *engineMock) RunPreflight(ctx context.Context, tenant, jobID string) (*entities.MigrationJob, error) {
	return m.job(m.Called(ctx, tenant, jobID))
}

func (m *engineMock) Start(ctx context.Context, tenant, jobID string) (*entities.MigrationJob, error) {
	return m.job(m.Called(ctx, tenant, jobID))
}

func (m *engineMock) Pause(ctx context.Context, tenant, jobID string) (*entities.MigrationJob, error) {
	return m.job(m.Called(ctx, tenant, jobID))
}

func (m *engineMock) Resume(ctx context.Context, tenant, jobID string) (*entities.MigrationJob, error) {
	return m.job(m.Called(ctx, tenant, jobID))
}

func (m *engineMock) Cancel(ctx context.Context, tenant, jobID string) (*entities.MigrationJob, error) {
	return m.job(m.Called(ctx, tenant, jobID))
}

func (m *engineMock) Rollback(ctx context.Context, tenant, jobID string) (*entities.MigrationJob, error) {
	return m.job(m.Called(ctx, tenant, jobID))
}

func (m *engineMock) Recover(ctx context.Context, tenant, jobID string) (*entities.MigrationJob, error) {
	return m.job(m.Called(ctx, tenant, jobID))
}

func (m *engineMock) ListConflicts(ctx context.Context, tenant, jobID string, statuses ...entities.ConflictStatus) ([]entities.Conflict, error) {
	args := m.Called(ctx, tenant, jobID, statuses)
	cs, _ := args.Get(0).([]entities.Conflict)
	return cs, args.Error(1)
}

func (m *engineMock) ListExplanations(ctx context.Context, tenant, jobID string) ([]entities.MergeExplanation, error) {
	args := m.Called(ctx, tenant, jobID)
	ex, _ := args.Get(0).([]entities.MergeExplanation)
	return ex, args.Error(1)
}

func (m *engineMock) ListQuarantine(ctx context.Context, tenant, jobID string, statuses ...entities.QuarantineStatus) ([]entities.QuarantineEntry, error) {
	args := m.Called(ctx, tenant, jobID, statuses)
	entries, _ := args.Get(0).([]entities.QuarantineEntry)
	return entries, args.Error(1)
}

func (m *engineMock) ResolveConflict(ctx context.Context, tenant, conflictID string, d conflict.ManualDecision) (migration.Resolution, error) {
	args := m.Called(ctx, tenant, conflictID, d)
	return args.Get(0).(migration.Resolution), args.Error(1)
}

type fixture struct {
	engine  *engineMock
	server  *api.Server
	metrics *observability.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	m, err := observability.NewMetrics()
	require.NoError(t, err)
	engine := &engineMock{}
	cfg := api.DefaultConfig()
	cfg.Listen = "127.0.0.1:0"
	srv, err := api.New(cfg, engine,
		api.WithLogger(testutil.SilentLogger()),
		api.WithMetrics(m),
		api.WithVersion("test"))
	require.NoError(t, err)
	t.Cleanup(func() { engine.AssertExpectations(t) })
	return &fixture{engine: engine, server: srv, metrics: m}
}

func (f *fixture) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("X-Tenant-ID", tenant)
	if strings.HasPrefix(body, "{") {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		if headers[i+1] == "" {
			req.Header.Del(headers[i])
			continue
		}
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.server.Echo().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func sampleJob(status entities.JobStatus) *entities.MigrationJob {
	return &entities.MigrationJob{
		ID:               "job-1",
		Tenant:           tenant,
		EntityType:       "company",
		LegacySystem:     "crm",
		Status:           status,
		MergePolicy:      entities.MergeFillEmpty,
		ConflictStrategy: entities.StrategyMerge,
		BatchSize:        100,
		Workers:          4,
		MaxRuntime:       30 * time.Minute,
		SuccessCount:     7,
		QuarantinedCount: 1,
	}
}

func notFound(jobID string) error {
	return errors.New(fmt.Errorf("%w: %s", migration.ErrJobNotFound, jobID)).
		Component("migration").
		Category(errors.CategoryNotFound).
		Build()
}

func TestRequiresTenantHeader(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/jobs/job-1", "", "X-Tenant-ID", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[api.ErrorResponse](t, rec)
	assert.Contains(t, resp.Message, "X-Tenant-ID")
	assert.Len(t, resp.CorrelationID, 8)

	rec = f.do(t, http.MethodGet, "/api/v1/jobs/job-1", "", "X-Tenant-ID", "../etc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateJobFromYAML(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	body := "entity_type: company\nlegacy_system: crm\nsource:\n  kind: static\n  location: companies\n" +
		"mappings:\n  - source: company_name\n    target: name\n    required: true\nmax_runtime: 30m\n"
	f.engine.On("Create", mock.Anything, tenant, mock.MatchedBy(func(s migration.JobSpec) bool {
		return s.EntityType == "company" && s.Source.Kind == "static" && len(s.Mappings) == 1 && s.MaxRuntime == 30*time.Minute
	})).Return(sampleJob(entities.JobPending), nil)

	rec := f.do(t, http.MethodPost, "/api/v1/jobs", body, "Content-Type", "application/yaml")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	job := decode[dto.JobResponse](t, rec)
	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, entities.JobPending, job.Status)
	assert.Equal(t, "30m0s", job.MaxRuntime)
	assert.Equal(t, int64(7), job.Counters.Success)
	assert.Equal(t, int64(1), job.Counters.Quarantined)
}

func TestCreateJobRejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/jobs", `{"entity_type":"company","workerz":3}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[api.ErrorResponse](t, rec)
	assert.Equal(t, "Invalid job spec", resp.Message)
	assert.Contains(t, resp.Error, "workerz")
	f.engine.AssertNotCalled(t, "Create", mock.Anything, mock.Anything, mock.Anything)
}

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.engine.On("Status", mock.Anything, tenant, "nope").Return(nil, notFound("nope"))

	rec := f.do(t, http.MethodGet, "/api/v1/jobs/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, http.StatusNotFound, decode[api.ErrorResponse](t, rec).Code)
}

func TestListJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.engine.On("ListJobs", mock.Anything, tenant).
		Return([]entities.MigrationJob{*sampleJob(entities.JobCompleted), *sampleJob(entities.JobRunning)}, nil)

	rec := f.do(t, http.MethodGet, "/api/v1/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[struct {
		Jobs  []dto.JobResponse `json:"jobs"`
		Count int               `json:"count"`
	}](t, rec)
	assert.Equal(t, 2, resp.Count)
	assert.Equal(t, entities.JobCompleted, resp.Jobs[0].Status)
}

func TestJobActions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path   string
		method string
		status entities.JobStatus
	}{
		{"preflight", "RunPreflight", entities.JobReady},
		{"start", "Start", entities.JobRunning},
		{"pause", "Pause", entities.JobPaused},
		{"resume", "Resume", entities.JobRunning},
		{"cancel", "Cancel", entities.JobCancelling},
		{"recover", "Recover", entities.JobRunning},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			f.engine.On(tt.method, mock.Anything, tenant, "job-1").Return(sampleJob(tt.status), nil)

			rec := f.do(t, http.MethodPost, "/api/v1/jobs/job-1/"+tt.path, "")
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			assert.Equal(t, tt.status, decode[dto.JobResponse](t, rec).Status)
		})
	}
}

func TestInvalidTransitionIsConflict(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	transition := errors.New(&migration.TransitionError{JobID: "job-1", Current: entities.JobCompleted, To: entities.JobRunning}).
		Component("migration").
		Category(errors.CategoryState).
		Build()
	f.engine.On("Start", mock.Anything, tenant, "job-1").Return(sampleJob(entities.JobCompleted), transition)

	rec := f.do(t, http.MethodPost, "/api/v1/jobs/job-1/start", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "Failed to start job", decode[api.ErrorResponse](t, rec).Message)
}

func TestRollbackWithVersionConflictsSucceeds(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	job := sampleJob(entities.JobRolledBack)
	job.RollbackReport = &entities.RollbackReport{
		Restored:         2,
		VersionConflicts: []entities.VersionConflictEntry{{EntityType: "company", TargetID: "t-1", Expected: 3, Actual: 4}},
	}
	f.engine.On("Rollback", mock.Anything, tenant, "job-1").Return(job, errors.ErrVersionConflict)

	rec := f.do(t, http.MethodPost, "/api/v1/jobs/job-1/rollback", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[dto.JobResponse](t, rec)
	require.NotNil(t, resp.RollbackReport)
	assert.Equal(t, 2, resp.RollbackReport.Restored)
	require.Len(t, resp.RollbackReport.VersionConflicts, 1)
	assert.Equal(t, int64(4), resp.RollbackReport.VersionConflicts[0].Actual)
}

func TestRollbackFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.engine.On("Rollback", mock.Anything, tenant, "job-1").
		Return(sampleJob(entities.JobRollingBack), fmt.Errorf("dial tcp db.internal:3306: connection refused"))

	rec := f.do(t, http.MethodPost, "/api/v1/jobs/job-1/rollback", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestListConflictsWithStatusFilter(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.engine.On("ListConflicts", mock.Anything, tenant, "job-1",
		[]entities.ConflictStatus{entities.ConflictPending, entities.ConflictManualReview}).
		Return([]entities.Conflict{{
			ID: "c-1", JobID: "job-1", LegacyID: "G-1", Bucket: entities.BucketMedium, TopScore: 0.8,
			Status:     entities.ConflictPending,
			Candidates: []entities.Candidate{{TargetID: "t-1", Version: 2, Score: 0.8, Bucket: entities.BucketMedium}},
		}}, nil)

	rec := f.do(t, http.MethodGet, "/api/v1/jobs/job-1/conflicts?status=pending,+manual_review,", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[struct {
		Conflicts []dto.ConflictResponse `json:"conflicts"`
		Count     int                    `json:"count"`
	}](t, rec)
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "t-1", resp.Conflicts[0].Candidates[0].TargetID)
}

func TestResolveConflictUsesOperatorHeader(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	chosen := "t-1"
	c := &entities.Conflict{ID: "c-1", JobID: "job-1", Status: entities.ConflictMerged}
	res := &entities.ConflictResolution{
		Decision:          entities.DecisionMerged,
		ChosenCandidateID: &chosen,
		FieldProvenance:   map[string]entities.Provenance{"name": entities.KeptTarget},
		ResolvedBy:        "jane",
	}
	f.engine.On("ResolveConflict", mock.Anything, tenant, "c-1", conflict.ManualDecision{
		Decision:          entities.DecisionMerged,
		ChosenCandidateID: "t-1",
		FieldDecisions:    map[string]entities.Provenance{"name": entities.KeptTarget},
		ResolvedBy:        "jane",
	}).Return(migration.Resolution{Conflict: c, Resolution: res, Outcome: migration.OutcomeCommitted}, nil)

	rec := f.do(t, http.MethodPost, "/api/v1/conflicts/c-1/resolve",
		`{"decision":"merged","chosen_candidate_id":"t-1","field_decisions":{"name":"kept_target"}}`,
		"X-Operator", "jane")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[dto.ResolveResponse](t, rec)
	assert.Equal(t, "t-1", resp.ChosenCandidateID)
	assert.Equal(t, string(migration.OutcomeCommitted), resp.Outcome)
	assert.Equal(t, entities.ConflictMerged, resp.Conflict.Status)
}

func TestResolveConflictAlreadyResolved(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.engine.On("ResolveConflict", mock.Anything, tenant, "c-1", mock.Anything).
		Return(migration.Resolution{}, fmt.Errorf("%w: c-1", conflict.ErrAlreadyResolved))

	rec := f.do(t, http.MethodPost, "/api/v1/conflicts/c-1/resolve", `{"decision":"skipped","resolved_by":"ops"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestListQuarantine(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.engine.On("ListQuarantine", mock.Anything, tenant, "job-1", []entities.QuarantineStatus{entities.QuarantineAbandoned}).
		Return([]entities.QuarantineEntry{{
			ID: 9, JobID: "job-1", LegacyID: "C-404", Stage: entities.StageTransform,
			ErrorClass: "permanent", ErrorCode: errors.CodeValidation, RetryCount: 2,
			Status: entities.QuarantineAbandoned,
		}}, nil)

	rec := f.do(t, http.MethodGet, "/api/v1/jobs/job-1/quarantine?status=abandoned", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[struct {
		Entries []dto.QuarantineResponse `json:"entries"`
	}](t, rec)
	require.Len(t, resp.Entries, 1)
	assert.Equal(t, errors.CodeValidation, resp.Entries[0].ErrorCode)
	assert.Equal(t, 2, resp.Entries[0].RetryCount)
}

func TestMetricsEndpointCountsRequests(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.engine.On("Status", mock.Anything, tenant, "job-1").Return(sampleJob(entities.JobRunning), nil)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/jobs/job-1", "").Code)

	rec := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(),
		`http_requests_total{method="GET",path="/api/v1/jobs/:id",status_code="200"} 1`)
}

func TestHealthAndLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, f.server.Start())
	addr := f.server.Addr()
	require.NotNil(t, addr)

	resp, err := http.Get("http://" + addr.String() + "/health")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, resp.Body.Close())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"version":"test"`)
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))

	require.NoError(t, f.server.Shutdown())
}

func TestUnknownRouteUsesErrorResponse(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/nothing-here", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Len(t, decode[api.ErrorResponse](t, rec).CorrelationID, 8)
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()
	cfg := api.DefaultConfig()
	cfg.Listen = "no-port"
	_, err := api.New(cfg, &engineMock{})
	require.Error(t, err)

	_, err = api.New(api.DefaultConfig(), nil)
	require.Error(t, err)
}
