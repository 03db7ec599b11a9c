// Package version prints build metadata.
package version

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tphakala/recordmigrate/internal/app"
)

// Command creates and returns the version command
func Command(ctx *app.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), ctx.Build.String())
			return err
		},
	}
}
