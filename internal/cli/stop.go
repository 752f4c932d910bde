package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var stopAll bool

var stopCmd = &cobra.Command{
	Use:   "stop [project]",
	Short: "Stop the dev server for a project",
	Long:  "Stop a project's dev server. The process gets a grace period before a forced kill.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStop,
}

func runStop(cmd *cobra.Command, args []string) error {
	if len(args) == 0 && !stopAll {
		return fmt.Errorf("specify a project or use --all")
	}

	client := MustConnect()
	defer client.Close()

	var project string
	if len(args) > 0 {
		project = args[0]
	}

	if err := client.ServerStop(project, stopAll); err != nil {
		return fmt.Errorf("stop: %w", err)
	}

	if stopAll {
		fmt.Println("Stopped all dev servers")
	} else {
		fmt.Printf("Stopped dev server for project: %s\n", project)
	}
	return nil
}

func init() {
	stopCmd.Flags().BoolVarP(&stopAll, "all", "a", false, "Stop all dev servers")
	rootCmd.AddCommand(stopCmd)
}
