package job

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tphakala/recordmigrate/internal/datastore/entities"
	"github.com/tphakala/recordmigrate/pkg/spinner"
)

const progressInterval = 250 * time.Millisecond

type statusFunc func(ctx context.Context) (*entities.MigrationJob, error)

// followProgress redraws the job counters on w until the returned stop
// function is called.
func followProgress(ctx context.Context, w io.Writer, status statusFunc) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	sp := spinner.New(w)

	var wg sync.WaitGroup
	wg.Go(func() {
		ticker := time.NewTicker(progressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if job, err := status(ctx); err == nil {
					sp.Update(progressLine(job))
				}
			}
		}
	})

	return func() {
		cancel()
		wg.Wait()
		sp.Cleanup()
	}
}

func progressLine(j *entities.MigrationJob) string {
	return fmt.Sprintf("%s  ok %d  failed %d  skipped %d  conflicts %d  quarantined %d",
		j.Status, j.SuccessCount, j.FailureCount, j.SkippedCount, j.ConflictCount, j.QuarantinedCount)
}
