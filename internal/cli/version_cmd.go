package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"semgate/internal/pgwire"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the semgate version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if getOutputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), map[string]string{
					"version":        version,
					"commit":         commit,
					"server_version": pgwire.DefaultServerVersion,
				})
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "semgate version %s (commit: %s, server_version %s)\n",
				version, commit, pgwire.DefaultServerVersion)
			return err
		},
	}
}
