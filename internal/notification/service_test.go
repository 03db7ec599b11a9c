package notification

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/recordmigrate/internal/datastore/entities"
	"github.com/tphakala/recordmigrate/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeProvider struct {
	mu    sync.Mutex
	name  string
	fail  error
	sent  []*Notification
	types []Type
}

func (f *fakeProvider) GetName() string { return f.name }

func (f *fakeProvider) SupportsType(t Type) bool {
	if len(f.types) == 0 {
		return true
	}
	for _, x := range f.types {
		if x == t {
			return true
		}
	}
	return false
}

func (f *fakeProvider) ValidateConfig() error { return nil }

func (f *fakeProvider) Send(_ context.Context, n *Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
	return f.fail
}

func (f *fakeProvider) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func testJob() *entities.MigrationJob {
	return &entities.MigrationJob{
		ID: "job-1", Tenant: "t1", EntityType: "contact", LegacySystem: "crm",
		SuccessCount: 98, QuarantinedCount: 2,
	}
}

func TestShoutrrrLoggerService(t *testing.T) {
	t.Parallel()
	p := NewShoutrrrProvider("", []string{"logger://"}, nil, time.Second)
	require.NoError(t, p.ValidateConfig())
	assert.Equal(t, "shoutrrr", p.GetName())
	assert.True(t, p.SupportsType(TypeError))

	n := NewNotification(TypeInfo, "recordmigrate", "job job-1 completed")
	assert.NoError(t, p.Send(context.Background(), n))
}

func TestShoutrrrRejectsBadURL(t *testing.T) {
	t.Parallel()
	p := NewShoutrrrProvider("bad", []string{"nosuchservice://token@host"}, nil, time.Second)
	assert.Error(t, p.ValidateConfig())
	assert.Error(t, NewShoutrrrProvider("none", nil, nil, 0).ValidateConfig())

	err := p.Send(context.Background(), NewNotification(TypeInfo, "x", "y"))
	assert.Error(t, err, "send before validation")
}

func TestServiceDeliversJobTransitions(t *testing.T) {
	t.Parallel()
	s, err := NewService(ServiceConfig{Logger: testutil.SilentLogger()})
	require.NoError(t, err)
	assert.False(t, s.Enabled())

	fake := &fakeProvider{name: "fake"}
	require.NoError(t, s.AddProvider(fake, CircuitBreakerConfig{}))
	s.Start(context.Background())

	s.JobTransition(testJob(), entities.JobReady, entities.JobRunning, "")
	s.JobTransition(testJob(), entities.JobPending, entities.JobPreflight, "")
	s.JobTransition(testJob(), entities.JobRunning, entities.JobFailed, "source unreachable")
	s.Stop()

	require.Equal(t, 2, fake.count())
	assert.Equal(t, TypeInfo, fake.sent[0].Type)
	assert.Equal(t, TypeError, fake.sent[1].Type)
	assert.Contains(t, fake.sent[1].Message, "reason: source unreachable")
	assert.Contains(t, fake.sent[1].Message, "succeeded 98")
	assert.Equal(t, "recordmigrate: job job-1 failed", fake.sent[1].Title)
	assert.Equal(t, "job-1", fake.sent[1].Metadata["job_id"])

	assert.False(t, s.Notify(NewNotification(TypeInfo, "late", "after stop")))
}

func TestServiceDisabledDropsEverything(t *testing.T) {
	t.Parallel()
	s, err := NewService(ServiceConfig{Logger: testutil.SilentLogger()})
	require.NoError(t, err)
	assert.False(t, s.Notify(NewNotification(TypeInfo, "t", "m")))
	s.Stop()
}

func TestServiceWithLoggerURL(t *testing.T) {
	t.Parallel()
	s, err := NewService(ServiceConfig{URLs: []string{"logger://"}, Logger: testutil.SilentLogger()})
	require.NoError(t, err)
	require.True(t, s.Enabled())
	s.Start(context.Background())
	assert.True(t, s.Notify(NewNotification(TypeWarning, "t", "m")))
	s.Stop()
}

func TestServiceSkipsUnsupportedTypes(t *testing.T) {
	t.Parallel()
	s, err := NewService(ServiceConfig{Logger: testutil.SilentLogger()})
	require.NoError(t, err)
	fake := &fakeProvider{name: "errors-only", types: []Type{TypeError}}
	require.NoError(t, s.AddProvider(fake, CircuitBreakerConfig{}))
	s.Start(context.Background())
	s.Notify(NewNotification(TypeInfo, "t", "m"))
	s.Notify(NewNotification(TypeError, "t", "m"))
	s.Stop()
	assert.Equal(t, 1, fake.count())
}

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	t.Parallel()
	cb := NewPushCircuitBreaker(CircuitBreakerConfig{MaxFailures: 2, Timeout: time.Minute}, "fake", testutil.SilentLogger())
	now := time.Now()
	cb.now = func() time.Time { return now }

	boom := errors.New("boom")
	fail := func(context.Context) error { return boom }
	ok := func(context.Context) error { return nil }
	ctx := context.Background()

	assert.ErrorIs(t, cb.Call(ctx, fail), boom)
	assert.ErrorIs(t, cb.Call(ctx, fail), boom)
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Call(ctx, ok), ErrCircuitBreakerOpen)

	now = now.Add(2 * time.Minute)
	require.NoError(t, cb.Call(ctx, ok))
	assert.Equal(t, StateClosed, cb.State())

	assert.ErrorIs(t, cb.Call(ctx, func(context.Context) error { return context.Canceled }), context.Canceled)
	assert.Equal(t, StateClosed, cb.State())
}

func TestJobNotificationIgnoresIntermediateStates(t *testing.T) {
	t.Parallel()
	assert.Nil(t, JobNotification("x", testJob(), entities.JobRunning, entities.JobCancelling, ""))
	assert.Nil(t, JobNotification("x", testJob(), entities.JobCompleted, entities.JobRollingBack, ""))
	n := JobNotification("x", testJob(), entities.JobRollingBack, entities.JobRolledBack, "")
	require.NotNil(t, n)
	assert.Equal(t, TypeWarning, n.Type)
}

type recordingMetrics struct {
	mu         sync.Mutex
	deliveries map[string]int
	dropped    map[string]int
	states     map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{deliveries: map[string]int{}, dropped: map[string]int{}, states: map[string]int{}}
}

func (r *recordingMetrics) RecordDelivery(provider, _, status string, _ float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries[provider+"/"+status]++
}

func (r *recordingMetrics) RecordDropped(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped[reason]++
}

func (r *recordingMetrics) SetCircuitBreakerState(provider string, state int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[provider] = state
}

func TestServiceRecordsDeliveryMetrics(t *testing.T) {
	t.Parallel()
	rec := newRecordingMetrics()
	s, err := NewService(ServiceConfig{Logger: testutil.SilentLogger(), Metrics: rec})
	require.NoError(t, err)

	fake := &fakeProvider{name: "flaky", fail: errors.New("unreachable")}
	require.NoError(t, s.AddProvider(fake, CircuitBreakerConfig{MaxFailures: 1, Timeout: time.Hour}))
	s.Start(context.Background())
	s.Notify(NewNotification(TypeError, "t", "first"))
	s.Notify(NewNotification(TypeError, "t", "second"))
	s.Stop()
	assert.False(t, s.Notify(NewNotification(TypeError, "t", "late")))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 1, rec.deliveries["flaky/error"])
	assert.Equal(t, 1, rec.deliveries["flaky/rejected"])
	assert.Equal(t, 1, rec.dropped["stopped"])
	assert.Equal(t, int(StateOpen), rec.states["flaky"])
	assert.Equal(t, 1, fake.count())
}
