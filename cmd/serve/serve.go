// Package serve runs the operator API.
package serve

import (
	"github.com/spf13/cobra"

	"github.com/tphakala/recordmigrate/internal/api"
	"github.com/tphakala/recordmigrate/internal/app"
	"github.com/tphakala/recordmigrate/internal/logger"
)

// Command creates and returns the serve command
func Command(ctx *app.Context) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the operator HTTP API until interrupted",
		Long: `Serve the operator HTTP API. Jobs started through the API run in this
process; on shutdown live runs stop and keep their status, so
"job recover" resumes them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.With(cmd.Context(), func(a *app.App) error {
				return run(cmd, a, listen)
			})
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Listen address, overrides server.listen")
	return cmd
}

func run(cmd *cobra.Command, a *app.App, listen string) error {
	log := logger.Global().Module("serve")

	cfg := api.ConfigFromSettings(&a.Settings.Server)
	if listen != "" {
		cfg.Listen = listen
	}
	srv, err := api.New(cfg, a.Orchestrator,
		api.WithLogger(logger.Global().Module("api")),
		api.WithMetrics(a.Metrics),
		api.WithVersion(a.Version))
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}

	<-cmd.Context().Done()
	log.Info("shutting down operator API")
	return srv.Shutdown()
}
