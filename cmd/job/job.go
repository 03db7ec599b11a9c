// Package job provides the job lifecycle commands.
package job

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tphakala/recordmigrate/internal/api/dto"
	"github.com/tphakala/recordmigrate/internal/app"
	"github.com/tphakala/recordmigrate/internal/datastore/entities"
	"github.com/tphakala/recordmigrate/internal/errors"
	"github.com/tphakala/recordmigrate/internal/migration"
)

const pauseTimeout = 30 * time.Second

type action func(o *migration.Orchestrator, ctx context.Context, tenant, jobID string) (*entities.MigrationJob, error)

// Command creates and returns the job command and its subcommands
func Command(ctx *app.Context) *cobra.Command {
	var tenant string

	cmd := &cobra.Command{
		Use:   "job",
		Short: "Create, run and inspect migration jobs",
	}
	cmd.PersistentFlags().StringVarP(&tenant, "tenant", "t", os.Getenv(app.TenantEnv), "Tenant owning the jobs")

	cmd.AddCommand(
		createCommand(ctx, &tenant),
		statusCommand(ctx, &tenant),
		listCommand(ctx, &tenant),
		stepCommand(ctx, &tenant, "preflight", "Run preflight checks and mark the job ready or blocked", (*migration.Orchestrator).RunPreflight),
		stepCommand(ctx, &tenant, "pause", "Pause a running job at the next batch boundary", (*migration.Orchestrator).Pause),
		stepCommand(ctx, &tenant, "cancel", "Cancel a job", (*migration.Orchestrator).Cancel),
		stepCommand(ctx, &tenant, "rollback", "Restore pre-write snapshots of a finished job", (*migration.Orchestrator).Rollback),
		runCommand(ctx, &tenant, "start", "Start a ready job and follow it until it stops", (*migration.Orchestrator).Start),
		runCommand(ctx, &tenant, "resume", "Resume a paused job and follow it until it stops", (*migration.Orchestrator).Resume),
		runCommand(ctx, &tenant, "recover", "Resume a job interrupted by a crash and follow it", (*migration.Orchestrator).Recover),
	)
	return cmd
}

func createCommand(ctx *app.Context, tenant *string) *cobra.Command {
	var specFile string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a job from a YAML or JSON job spec",
		Long: `Create a pending job from a job spec file.

Examples:
  recordmigrate job create --tenant acme -f companies.yaml
  cat companies.json | recordmigrate job create --tenant acme -f -`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := readSpec(cmd.InOrStdin(), specFile)
			if err != nil {
				return err
			}
			if err := app.RequireTenant(*tenant); err != nil {
				return err
			}
			return ctx.With(cmd.Context(), func(a *app.App) error {
				job, err := a.Orchestrator.Create(cmd.Context(), *tenant, spec)
				if err != nil {
					return err
				}
				return app.Print(cmd.OutOrStdout(), dto.NewJobResponse(job))
			})
		},
	}
	cmd.Flags().StringVarP(&specFile, "file", "f", "", "Job spec file, - for stdin")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func statusCommand(ctx *app.Context, tenant *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status JOB_ID",
		Short: "Show a job with its counters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.RequireTenant(*tenant); err != nil {
				return err
			}
			return ctx.With(cmd.Context(), func(a *app.App) error {
				job, err := a.Orchestrator.Status(cmd.Context(), *tenant, args[0])
				if err != nil {
					return err
				}
				return app.Print(cmd.OutOrStdout(), dto.NewJobResponse(job))
			})
		},
	}
}

func listCommand(ctx *app.Context, tenant *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the jobs of a tenant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.RequireTenant(*tenant); err != nil {
				return err
			}
			return ctx.With(cmd.Context(), func(a *app.App) error {
				jobs, err := a.Orchestrator.ListJobs(cmd.Context(), *tenant)
				if err != nil {
					return err
				}
				return app.Print(cmd.OutOrStdout(), dto.NewJobList(jobs))
			})
		},
	}
}

// stepCommand runs an action that completes within the call.
func stepCommand(ctx *app.Context, tenant *string, use, short string, fn action) *cobra.Command {
	return &cobra.Command{
		Use:   use + " JOB_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.RequireTenant(*tenant); err != nil {
				return err
			}
			return ctx.With(cmd.Context(), func(a *app.App) error {
				job, err := fn(a.Orchestrator, cmd.Context(), *tenant, args[0])
				if job != nil {
					if perr := app.Print(cmd.OutOrStdout(), dto.NewJobResponse(job)); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
}

// runCommand starts a worker run and waits for it. An interrupt pauses
// the job so a later resume continues from its checkpoint.
func runCommand(ctx *app.Context, tenant *string, use, short string, fn action) *cobra.Command {
	var progress bool

	cmd := &cobra.Command{
		Use:   use + " JOB_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID := args[0]
			if err := app.RequireTenant(*tenant); err != nil {
				return err
			}
			return ctx.With(cmd.Context(), func(a *app.App) error {
				orch := a.Orchestrator
				if _, err := fn(orch, cmd.Context(), *tenant, jobID); err != nil {
					return err
				}
				stop := func() {}
				if progress {
					stop = followProgress(cmd.Context(), cmd.ErrOrStderr(), func(c context.Context) (*entities.MigrationJob, error) {
						return orch.Status(c, *tenant, jobID)
					})
				}

				waitErr := orch.Wait(cmd.Context(), jobID)
				stop()
				if cmd.Context().Err() != nil {
					// Closing the app stops the paused run; resume continues it.
					pctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), pauseTimeout)
					defer cancel()
					if _, err := orch.Pause(pctx, *tenant, jobID); err != nil && !errors.Is(err, migration.ErrInvalidTransition) {
						return fmt.Errorf("interrupted, pause failed: %w", err)
					}
				} else if waitErr != nil {
					return waitErr
				}

				job, err := orch.Status(context.WithoutCancel(cmd.Context()), *tenant, jobID)
				if err != nil {
					return err
				}
				return app.Print(cmd.OutOrStdout(), dto.NewJobResponse(job))
			})
		},
	}
	cmd.Flags().BoolVarP(&progress, "progress", "p", false, "Show live counters on stderr")
	return cmd
}

func readSpec(stdin io.Reader, path string) (migration.JobSpec, error) {
	if path != "-" {
		return migration.LoadJobSpecFile(path)
	}
	raw, err := io.ReadAll(stdin)
	if err != nil {
		return migration.JobSpec{}, err
	}
	return migration.ParseJobSpec(raw)
}
