package job

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tphakala/recordmigrate/internal/datastore/entities"
	"github.com/tphakala/recordmigrate/internal/testutil"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestFollowProgressDrawsCounters(t *testing.T) {
	t.Parallel()
	var out syncBuffer
	var calls atomic.Int32

	stop := followProgress(context.Background(), &out, func(context.Context) (*entities.MigrationJob, error) {
		calls.Add(1)
		return &entities.MigrationJob{Status: entities.JobRunning, SuccessCount: 42, QuarantinedCount: 1}, nil
	})
	testutil.Eventually(t, 5*time.Second, func() bool { return calls.Load() > 0 }, "status never polled")
	stop()

	assert.Contains(t, out.String(), "running  ok 42  failed 0  skipped 0  conflicts 0  quarantined 1")
	n := calls.Load()
	time.Sleep(2 * progressInterval)
	assert.Equal(t, n, calls.Load(), "polling stops with stop()")
}
