package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rekindle-dev/rekindle/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("rekindle", version.Short())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
