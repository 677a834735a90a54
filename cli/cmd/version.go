package cmd

import (
	"fmt"

	"rendernet/pkg/version"

	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print renderctl version info",
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "json" {
				return writeJSON(cmd.OutOrStdout(), version.GetInfo())
			}
			fmt.Fprintf(cmd.OutOrStdout(), "renderctl\n")
			fmt.Fprintf(cmd.OutOrStdout(), " - version: %s\n", version.Version)
			fmt.Fprintf(cmd.OutOrStdout(), " - git: %s\n", version.GitCommit)
			fmt.Fprintf(cmd.OutOrStdout(), " - built: %s\n", version.BuildDate)
			return nil
		},
	}
}
