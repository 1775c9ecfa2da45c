package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the armrw version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if AppBuildTime != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "armrw %s (built %s)\n", AppVersion, AppBuildTime)
			return
		}
		fmt.Fprintf(cmd.OutOrStdout(), "armrw %s\n", AppVersion)
	},
}
