package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/uxfreak/previewd/internal/daemon"
)

var logsCmd = &cobra.Command{
	Use:   "logs [sources...]",
	Short: "Stream output from dev servers and sessions",
	Long:  "Connect to the daemon and stream live output. Buffered output is replayed first. Optionally filter by project IDs or session IDs.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := MustConnect()
		defer client.Close()

		events, err := client.StreamEvents(args)
		if err != nil {
			return fmt.Errorf("attach: %w", err)
		}
		defer client.StopEventStream()

		fmt.Fprintln(os.Stderr, "Streaming output (Ctrl+C to stop)")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigCh)

		for {
			select {
			case <-sigCh:
				fmt.Fprintln(os.Stderr)
				return nil

			case res, ok := <-events:
				if !ok {
					fmt.Fprintln(os.Stderr, "Connection closed")
					return nil
				}
				if res.Err != nil {
					return fmt.Errorf("receive event: %w", res.Err)
				}
				displayEvent(res.Event)
			}
		}
	},
}

func displayEvent(event *daemon.StreamEvent) {
	switch event.Type {
	case daemon.EventOutput:
		fmt.Printf("[%s] %s", event.SourceID, event.Data)
	case daemon.EventInput:
		// Mirrored keystrokes are noise in log view
	case daemon.EventGap:
		fmt.Printf("[%s] ... %d events dropped ...\n", event.SourceID, event.Dropped)
	case daemon.EventProgress:
		if event.Error != "" {
			fmt.Printf("[%s] %s -> %s (%s)\n", event.SourceID, event.From, event.To, event.Error)
		} else {
			fmt.Printf("[%s] %s -> %s\n", event.SourceID, event.From, event.To)
		}
	case daemon.EventExit:
		fmt.Printf("[%s] %s (exit code %d)\n", event.SourceID, event.Reason, event.Code)
	}
}

func init() {
	rootCmd.AddCommand(logsCmd)
}
