package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/uxfreak/previewd/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print the version, commit, and build date of previewd.",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("previewd %s (commit: %s, built: %s)\n",
			version.Version, version.Commit, version.Date)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
