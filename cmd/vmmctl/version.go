package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/vkngwrapper/orbismem/platform"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "vmmctl %s\n", version)
		fmt.Fprintf(out, "  commit: %s\n", commit)
		fmt.Fprintf(out, "  built: %s\n", date)
		fmt.Fprintf(out, "  default platform: %s\n", platform.Default())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
