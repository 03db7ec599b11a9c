package migration

import (
	"context"
	"fmt"
	"strings"

	"github.com/tphakala/recordmigrate/internal/datastore/entities"
	"github.com/tphakala/recordmigrate/internal/logger"
)

// PreflightCheck is one check a job must pass before it can start.
// Checks must not write target data.
type PreflightCheck interface {
	Name() string
	Check(ctx context.Context, job *entities.MigrationJob) error
}

// CheckFunc adapts a function to PreflightCheck.
type CheckFunc struct {
	CheckName string
	Fn        func(ctx context.Context, job *entities.MigrationJob) error
}

// Name implements PreflightCheck.
func (c CheckFunc) Name() string { return c.CheckName }

// Check implements PreflightCheck.
func (c CheckFunc) Check(ctx context.Context, job *entities.MigrationJob) error { return c.Fn(ctx, job) }

func (o *Orchestrator) builtinChecks() []PreflightCheck {
	return []PreflightCheck{
		CheckFunc{CheckName: "source_reachable", Fn: o.checkSource},
		CheckFunc{CheckName: "mapping_targets", Fn: o.checkMappings},
		CheckFunc{CheckName: "checkpoint_plan", Fn: o.checkPlan},
	}
}

// RunPreflight runs every check and moves the job to ready, or to blocked
// when any check fails.
func (o *Orchestrator) RunPreflight(ctx context.Context, tenant, jobID string) (*entities.MigrationJob, error) {
	job, err := o.transition(ctx, tenant, jobID,
		[]entities.JobStatus{entities.JobPending, entities.JobReady, entities.JobBlocked}, entities.JobPreflight, nil)
	if err != nil {
		return job, err
	}

	results := make([]entities.CheckResult, 0, len(o.checks))
	passed := true
	for _, c := range o.checks {
		r := entities.CheckResult{Name: c.Name(), Passed: true}
		if err := c.Check(ctx, job); err != nil {
			r.Passed = false
			r.Message = err.Error()
			passed = false
			o.log.Warn("preflight check failed",
				logger.String("job_id", jobID),
				logger.String("check", r.Name),
				logger.Error(err))
		}
		r.CheckedAt = o.now().UTC()
		results = append(results, r)
	}

	to := entities.JobReady
	if !passed {
		to = entities.JobBlocked
	}
	// The outcome is recorded even when ctx ended during the checks, so
	// the job does not stay in preflight.
	return o.transition(context.WithoutCancel(ctx), tenant, jobID, []entities.JobStatus{entities.JobPreflight}, to,
		func(j *entities.MigrationJob) []string {
			j.PreflightResults = results
			return []string{"preflight_results"}
		})
}

func (o *Orchestrator) checkSource(ctx context.Context, job *entities.MigrationJob) error {
	if _, err := o.src.Fetch(ctx, job.Source, "", 1); err != nil {
		return fmt.Errorf("source %s at %s: %w", job.Source.Kind, job.Source.Location, err)
	}
	return nil
}

func (o *Orchestrator) checkMappings(_ context.Context, job *entities.MigrationJob) error {
	info, ok := o.target.SchemaOf(job.EntityType)
	if !ok {
		return fmt.Errorf("entity type %q has no target schema", job.EntityType)
	}
	var missing []string
	for _, m := range job.Mappings {
		if !m.Custom && !info.Has(m.Target) {
			missing = append(missing, m.Target)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("core fields not in the %s schema: %s", job.EntityType, strings.Join(missing, ", "))
	}
	return nil
}

func (o *Orchestrator) checkPlan(ctx context.Context, job *entities.MigrationJob) error {
	tr, err := o.cfg.NewTransformer(job.Mappings)
	if err != nil {
		return err
	}
	if tr.Version() != job.TransformVersion {
		return fmt.Errorf("%w: transform version is %s, job was created with %s", ErrStalePlan, tr.Version(), job.TransformVersion)
	}
	state, err := o.checkpoints.Load(ctx, job.ID, job.EntityType)
	if err != nil {
		return err
	}
	if state.Found && state.PlanFingerprint != job.PlanFingerprint {
		return fmt.Errorf("%w: checkpoint was written under another plan", ErrStalePlan)
	}
	return nil
}
