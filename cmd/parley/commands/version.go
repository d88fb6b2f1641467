package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haivivi/parley/cmd/parley/internal/build"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		if outputFormat != "" {
			return output(cmd, build.Current())
		}
		_, err := fmt.Fprintln(cmd.OutOrStdout(), build.String())
		return err
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
