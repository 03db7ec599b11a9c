package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tphakala/recordmigrate/cmd/conflicts"
	"github.com/tphakala/recordmigrate/cmd/job"
	"github.com/tphakala/recordmigrate/cmd/quarantine"
	"github.com/tphakala/recordmigrate/cmd/serve"
	"github.com/tphakala/recordmigrate/cmd/version"
	"github.com/tphakala/recordmigrate/internal/app"
	"github.com/tphakala/recordmigrate/internal/conf"
	"github.com/tphakala/recordmigrate/internal/logger"
)

// RootCommand creates and returns the root command
func RootCommand(ctx *app.Context) *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "recordmigrate",
		Short:         "Migrate legacy records into the target record store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	setupFlags(rootCmd, &configFile)

	versionCmd := version.Command(ctx)
	subcommands := []*cobra.Command{
		job.Command(ctx),
		conflicts.Command(ctx),
		quarantine.Command(ctx),
		serve.Command(ctx),
		versionCmd,
	}
	rootCmd.AddCommand(subcommands...)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		// version needs no settings
		if cmd.Name() == versionCmd.Name() {
			return nil
		}
		return initialize(cmd, ctx, configFile)
	}

	return rootCmd
}

// initialize loads settings with command line flags taking precedence and
// installs the central logger.
func initialize(cmd *cobra.Command, ctx *app.Context, configFile string) error {
	flags := cmd.Flags()
	settings, err := conf.Load(configFile,
		conf.WithFlag("logging.level", flags.Lookup("log-level")),
		conf.WithFlag("database.driver", flags.Lookup("database-driver")),
		conf.WithFlag("database.sqlite.path", flags.Lookup("sqlite-path")),
		conf.WithFlag("engine.workers", flags.Lookup("workers")),
		conf.WithFlag("engine.batch_size", flags.Lookup("batch-size")),
	)
	if err != nil {
		return err
	}
	ctx.Settings = settings

	central, err := logger.NewCentralLogger(settings.LoggerConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.SetGlobal(central)
	return nil
}

// setupFlags defines flags that are global to the command line interface
func setupFlags(rootCmd *cobra.Command, configFile *string) {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(configFile, "config", "c", "", "Path to config.yaml (default: search ., ~/.config/recordmigrate, /etc/recordmigrate)")
	pf.String("log-level", "info", "Log level: trace, debug, info, warn or error")
	pf.String("database-driver", "sqlite", "Database driver: sqlite or mysql")
	pf.String("sqlite-path", "recordmigrate.db", "Path to the SQLite database")
	pf.Int("workers", 4, "Concurrent workers per running job")
	pf.Int("batch-size", 100, "Records fetched per batch")
}
