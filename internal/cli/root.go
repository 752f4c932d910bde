// Package cli implements the previewd command-line interface.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

// previewdDir is the global --previewd-dir flag value.
var previewdDir string

var rootCmd = &cobra.Command{
	Use:   "previewd",
	Short: "Project preview supervisor",
	Long:  "previewd supervises dev servers and terminal sessions for project previews.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Set PREVIEWD_DIR so all path helpers use the override.
		if previewdDir != "" {
			if err := os.Setenv("PREVIEWD_DIR", previewdDir); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&previewdDir, "previewd-dir", "", "base directory for previewd data (overrides ~/.previewd)")
}

func Execute() error {
	return rootCmd.Execute()
}
