package migration

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"gorm.io/gorm"

	"github.com/tphakala/recordmigrate/internal/datastore/entities"
	"github.com/tphakala/recordmigrate/internal/errors"
	"github.com/tphakala/recordmigrate/internal/logger"
)

// Sentinel errors of the job state machine.
var (
	ErrInvalidTransition = errors.NewStd("invalid job state transition")
	ErrJobNotFound       = errors.NewStd("migration job not found")
)

// transitions lists the states each state can move to.
var transitions = map[entities.JobStatus][]entities.JobStatus{
	entities.JobPending:     {entities.JobPreflight, entities.JobCancelled},
	entities.JobPreflight:   {entities.JobReady, entities.JobBlocked},
	entities.JobReady:       {entities.JobPreflight, entities.JobRunning, entities.JobCancelled, entities.JobBlocked},
	entities.JobBlocked:     {entities.JobPreflight, entities.JobCancelled},
	entities.JobRunning:     {entities.JobPaused, entities.JobCancelling, entities.JobCompleted, entities.JobFailed},
	entities.JobPaused:      {entities.JobRunning, entities.JobCancelling, entities.JobFailed},
	entities.JobCancelling:  {entities.JobCancelled, entities.JobFailed},
	entities.JobCompleted:   {entities.JobRollingBack},
	entities.JobFailed:      {entities.JobRollingBack},
	entities.JobCancelled:   {entities.JobRollingBack},
	entities.JobRollingBack: {entities.JobRolledBack},
}

// CanTransition reports whether a job may move from one state to another.
func CanTransition(from, to entities.JobStatus) bool {
	return slices.Contains(transitions[from], to)
}

// TransitionError reports a refused state change together with the state
// the job was actually in.
type TransitionError struct {
	JobID   string
	Current entities.JobStatus
	To      entities.JobStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot transition job %s to %s: current state is %s", e.JobID, e.To, e.Current)
}

// Is matches ErrInvalidTransition.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

func transitionError(jobID string, current, to entities.JobStatus) error {
	return errors.New(&TransitionError{JobID: jobID, Current: current, To: to}).
		Component("migration").
		Category(errors.CategoryState).
		Context("job_id", jobID).
		Context("current_state", string(current)).
		Context("target_state", string(to)).
		Build()
}

// loadJob returns the job of tenant.
func (o *Orchestrator) loadJob(ctx context.Context, tenant, jobID string) (*entities.MigrationJob, error) {
	var job entities.MigrationJob
	err := o.db.WithContext(ctx).Where("id = ? AND tenant = ?", jobID, tenant).Take(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.New(fmt.Errorf("%w: %s", ErrJobNotFound, jobID)).
			Component("migration").
			Category(errors.CategoryNotFound).
			Context("job_id", jobID).
			Build()
	}
	if err != nil {
		return nil, jobDBError(err, "load job", jobID)
	}
	return &job, nil
}

// mutation sets fields on the job being transitioned and returns the
// columns it changed.
type mutation func(job *entities.MigrationJob) []string

// transition moves the job from one of the allowed states to to with a
// conditional update on the current status, so that concurrent callers
// and processes cannot both win. set may change further columns in the
// same statement.
func (o *Orchestrator) transition(ctx context.Context, tenant, jobID string, from []entities.JobStatus,
	to entities.JobStatus, set mutation,
) (*entities.MigrationJob, error) {
	job, err := o.loadJob(ctx, tenant, jobID)
	if err != nil {
		return nil, err
	}
	prev := job.Status
	if !slices.Contains(from, prev) || !CanTransition(prev, to) {
		return job, transitionError(jobID, prev, to)
	}

	job.Status = to
	cols := []string{"status", "updated_at"}
	if set != nil {
		cols = append(cols, set(job)...)
	}
	job.UpdatedAt = o.now()

	result := o.db.WithContext(ctx).Model(&entities.MigrationJob{}).
		Where("id = ? AND tenant = ? AND status = ?", jobID, tenant, prev).
		Select(cols).
		Updates(job)
	if result.Error != nil {
		return nil, jobDBError(result.Error, "transition job", jobID)
	}
	if result.RowsAffected == 0 {
		current, err := o.loadJob(ctx, tenant, jobID)
		if err != nil {
			return nil, err
		}
		return current, transitionError(jobID, current.Status, to)
	}

	reason := transitionReason(job)
	o.log.Info("job state changed",
		logger.String("job_id", jobID),
		logger.String("tenant", tenant),
		logger.String("from", string(prev)),
		logger.String("to", string(to)))
	o.metrics.RecordJobTransition(string(prev), string(to))
	if o.notifier != nil {
		o.notifier.JobTransition(job, prev, to, reason)
	}
	return job, nil
}

func transitionReason(job *entities.MigrationJob) string {
	switch job.Status {
	case entities.JobFailed:
		return job.FailureReason
	case entities.JobBlocked:
		var failed []string
		for _, r := range job.PreflightResults {
			if !r.Passed {
				failed = append(failed, r.Name)
			}
		}
		return "failed checks: " + strings.Join(failed, ", ")
	}
	return ""
}

func jobDBError(err error, op, jobID string) error {
	return errors.New(fmt.Errorf("failed to %s: %w", op, err)).
		Component("migration").
		Category(errors.CategoryDatabase).
		Context("job_id", jobID).
		Build()
}
