package telemetry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/recordmigrate/internal/conf"
	"github.com/tphakala/recordmigrate/internal/errors"
)

// Sentry state is global, so these tests do not run in parallel.

// captureTransport keeps events in memory instead of sending them.
type captureTransport struct {
	mu     sync.Mutex
	events []*sentry.Event
}

//nolint:gocritic // hugeParam: interface requirement
func (t *captureTransport) Configure(sentry.ClientOptions) {}

func (t *captureTransport) Flush(time.Duration) bool { return true }

func (t *captureTransport) FlushWithContext(ctx context.Context) bool { return ctx.Err() == nil }

func (t *captureTransport) Close() {}

func (t *captureTransport) SendEvent(event *sentry.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, event)
}

func (t *captureTransport) captured() []*sentry.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*sentry.Event(nil), t.events...)
}

func TestInitSentryDisabledIsNoop(t *testing.T) {
	require.NoError(t, InitSentry(&conf.SentrySettings{Enabled: false}, "test"))
	require.NoError(t, InitSentry(nil, "test"))
}

func TestReportedErrorsAreScrubbed(t *testing.T) {
	transport := &captureTransport{}
	require.NoError(t, initSentry(&conf.SentrySettings{Enabled: true, Environment: "test"}, "test", transport))
	t.Cleanup(func() {
		errors.SetTelemetryReporter(nil)
		sentry.CurrentHub().BindClient(nil)
	})

	_ = errors.New(fmt.Errorf("source https://legacy.example/api?token=abc rejected jane@example.com")).
		Component("migration").
		Category(errors.CategorySource).
		Context("job_id", "job-1").
		Report().
		Build()

	events := transport.captured()
	require.Len(t, events, 1)
	ev := events[0]
	assert.NotContains(t, ev.Message, "token=abc")
	assert.NotContains(t, ev.Message, "jane@example.com")
	assert.Empty(t, ev.ServerName)
	assert.Equal(t, "migration", ev.Tags["component"])
	require.Len(t, ev.Exception, 1)
	assert.NotContains(t, ev.Exception[0].Value, "jane@example.com")
}

func TestApplyPrivacyFilters(t *testing.T) {
	ev := &sentry.Event{
		ServerName: "db-host-01",
		User:       sentry.User{Email: "ops@example.com"},
		Message:    "failed for ops@example.com",
		Contexts:   map[string]sentry.Context{"os": {"name": "linux"}, "job_id": {"value": "j"}},
		Extra:      map[string]any{"component": "migration", "payload": "secret"},
		Tags:       map[string]string{"hostname": "db-host-01", "category": "source"},
	}
	ev = applyPrivacyFilters(ev)

	assert.Empty(t, ev.ServerName)
	assert.True(t, ev.User.IsEmpty())
	assert.NotContains(t, ev.Message, "ops@example.com")
	assert.NotContains(t, ev.Contexts, "os")
	assert.Contains(t, ev.Contexts, "job_id")
	assert.Equal(t, map[string]any{"component": "migration"}, ev.Extra)
	assert.Equal(t, map[string]string{"category": "source"}, ev.Tags)
}
