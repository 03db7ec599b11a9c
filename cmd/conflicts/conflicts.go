// Package conflicts provides the conflict review commands.
package conflicts

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tphakala/recordmigrate/internal/api/dto"
	"github.com/tphakala/recordmigrate/internal/app"
	"github.com/tphakala/recordmigrate/internal/datastore/entities"
)

// Command creates and returns the conflicts command
func Command(ctx *app.Context) *cobra.Command {
	var tenant string

	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Review and resolve match conflicts",
	}
	cmd.PersistentFlags().StringVarP(&tenant, "tenant", "t", os.Getenv(app.TenantEnv), "Tenant owning the jobs")

	cmd.AddCommand(listCommand(ctx, &tenant), explainCommand(ctx, &tenant), resolveCommand(ctx, &tenant))
	return cmd
}

func listCommand(ctx *app.Context, tenant *string) *cobra.Command {
	var statuses []string

	cmd := &cobra.Command{
		Use:   "list JOB_ID",
		Short: "List the conflicts of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := make([]entities.ConflictStatus, 0, len(statuses))
			for _, s := range statuses {
				filter = append(filter, entities.ConflictStatus(s))
			}
			if err := app.RequireTenant(*tenant); err != nil {
				return err
			}
			return ctx.With(cmd.Context(), func(a *app.App) error {
				cs, err := a.Orchestrator.ListConflicts(cmd.Context(), *tenant, args[0], filter...)
				if err != nil {
					return err
				}
				return app.Print(cmd.OutOrStdout(), dto.NewConflictList(cs))
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Only list conflicts in these statuses (pending, manual_review, merged, created_new, skipped)")
	return cmd
}

func explainCommand(ctx *app.Context, tenant *string) *cobra.Command {
	return &cobra.Command{
		Use:   "explain JOB_ID",
		Short: "Show why records of a job were merged or kept apart",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.RequireTenant(*tenant); err != nil {
				return err
			}
			return ctx.With(cmd.Context(), func(a *app.App) error {
				ex, err := a.Orchestrator.ListExplanations(cmd.Context(), *tenant, args[0])
				if err != nil {
					return err
				}
				return app.Print(cmd.OutOrStdout(), dto.NewExplanationList(ex))
			})
		},
	}
}

func resolveCommand(ctx *app.Context, tenant *string) *cobra.Command {
	var (
		req       dto.ResolveRequest
		decision  string
		fields    []string
		overrides []string
	)

	cmd := &cobra.Command{
		Use:   "resolve CONFLICT_ID",
		Short: "Record an operator decision for a conflict",
		Long: `Record an operator decision and apply it to the target record.

Examples:
  # Merge into a candidate, keeping the target phone and overriding the name
  recordmigrate conflicts resolve c-123 --decision merged --candidate r-9 \
    --field phone=kept_target --override name="Acme Oy" --by alice

  # Keep the legacy record apart
  recordmigrate conflicts resolve c-123 --decision created_new --by alice`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Decision = entities.Decision(decision)
			var err error
			if req.FieldDecisions, err = parseProvenance(fields); err != nil {
				return err
			}
			if req.Overrides, err = parseOverrides(overrides); err != nil {
				return err
			}
			if req.ResolvedBy == "" {
				req.ResolvedBy = os.Getenv("USER")
			}
			if err := app.RequireTenant(*tenant); err != nil {
				return err
			}
			return ctx.With(cmd.Context(), func(a *app.App) error {
				res, err := a.Orchestrator.ResolveConflict(cmd.Context(), *tenant, args[0], req.ManualDecision())
				if err != nil {
					return err
				}
				return app.Print(cmd.OutOrStdout(), dto.NewResolveResponse(res.Conflict, res.Resolution, string(res.Outcome)))
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&decision, "decision", "", "merged, created_new or skipped")
	f.StringVar(&req.ChosenCandidateID, "candidate", "", "Target record to merge into")
	f.StringArrayVar(&fields, "field", nil, "Per-field provenance as field=kept_source|kept_target|manual_override")
	f.StringArrayVar(&overrides, "override", nil, "Manual field value as field=value")
	f.StringVar(&req.ResolvedBy, "by", "", "Operator recording the decision (default $USER)")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func parseProvenance(items []string) (map[string]entities.Provenance, error) {
	if len(items) == 0 {
		return nil, nil
	}
	out := make(map[string]entities.Provenance, len(items))
	for _, kv := range items {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid field decision: %s (expected field=provenance)", kv)
		}
		out[strings.TrimSpace(k)] = entities.Provenance(strings.TrimSpace(v))
	}
	return out, nil
}

// parseOverrides keeps numbers and booleans typed, like values decoded
// from a JSON request body.
func parseOverrides(items []string) (map[string]any, error) {
	if len(items) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(items))
	for _, kv := range items {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid override: %s (expected field=value)", kv)
		}
		k = strings.TrimSpace(k)
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			out[k] = f
		} else if b, err := strconv.ParseBool(v); err == nil {
			out[k] = b
		} else {
			out[k] = v
		}
	}
	return out, nil
}

