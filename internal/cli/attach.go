package cli

import (
	"github.com/spf13/cobra"
	"github.com/uxfreak/previewd/internal/tui"
)

var attachCmd = &cobra.Command{
	Use:   "attach <session-id>",
	Short: "Attach to a terminal session",
	Long:  "Open an interactive view on a running session. Keystrokes are forwarded to the session's PTY; detaching leaves the session running.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := MustConnect()
		defer client.Close()

		return tui.Run(client, args[0])
	},
}

func init() {
	rootCmd.AddCommand(attachCmd)
}
