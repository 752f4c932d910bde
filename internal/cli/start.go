package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:   "start <project>",
	Short: "Start the dev server for a project",
	Long:  "Start the dev server for a registered project and wait until it is ready to serve.",
	Args:  cobra.ExactArgs(1),
	RunE:  runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	client := MustConnect()
	defer client.Close()

	resp, err := client.ServerStart(args[0])
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}

	fmt.Printf("Dev server ready: %s (port %d, pid %d)\n", resp.URL, resp.Port, resp.PID)
	return nil
}

func init() {
	rootCmd.AddCommand(startCmd)
}
