// Package quarantine provides the quarantine inspection command.
package quarantine

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/tphakala/recordmigrate/internal/api/dto"
	"github.com/tphakala/recordmigrate/internal/app"
	"github.com/tphakala/recordmigrate/internal/datastore/entities"
)

// Command creates and returns the quarantine command
func Command(ctx *app.Context) *cobra.Command {
	var (
		tenant   string
		statuses []string
	)

	cmd := &cobra.Command{
		Use:   "quarantine",
		Short: "Inspect quarantined records",
	}
	cmd.PersistentFlags().StringVarP(&tenant, "tenant", "t", os.Getenv(app.TenantEnv), "Tenant owning the jobs")

	list := &cobra.Command{
		Use:   "list JOB_ID",
		Short: "List the quarantined records of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.RequireTenant(tenant); err != nil {
				return err
			}
			filter := make([]entities.QuarantineStatus, 0, len(statuses))
			for _, s := range statuses {
				filter = append(filter, entities.QuarantineStatus(s))
			}
			return ctx.With(cmd.Context(), func(a *app.App) error {
				entries, err := a.Orchestrator.ListQuarantine(cmd.Context(), tenant, args[0], filter...)
				if err != nil {
					return err
				}
				return app.Print(cmd.OutOrStdout(), dto.NewQuarantineList(entries))
			})
		},
	}
	list.Flags().StringSliceVar(&statuses, "status", nil, "Only list entries in these statuses (quarantined, retrying, resolved, abandoned)")

	cmd.AddCommand(list)
	return cmd
}
