package cli

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/uxfreak/previewd/internal/daemon"
)

var statusShowSessions bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and dev-server status",
	Long:  "Display the status of the previewd daemon, tracked dev servers, and terminal sessions.",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	client, err := ConnectClient()
	if err != nil {
		if errors.Is(err, ErrDaemonNotRunning) {
			fmt.Println("previewd daemon is not running")
			return nil
		}
		return fmt.Errorf("connect to daemon: %w", err)
	}
	defer client.Close()

	pong, err := client.Ping()
	if err != nil {
		return fmt.Errorf("ping daemon: %w", err)
	}
	fmt.Printf("previewd daemon running (version %s, uptime %s)\n", pong.Version, pong.Uptime)
	fmt.Println()

	servers, err := client.ServerList()
	if err != nil {
		return fmt.Errorf("list servers: %w", err)
	}

	if len(servers.Servers) == 0 {
		fmt.Println("No dev servers running.")
		fmt.Println("Start one with: previewd start <project>")
	} else {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "PROJECT\tSTATUS\tPORT\tURL\tUPTIME")
		for _, s := range servers.Servers {
			uptime := "-"
			if !s.StartedAt.IsZero() {
				uptime = time.Since(s.StartedAt).Truncate(time.Second).String()
			}
			url := s.URL
			if url == "" {
				url = "-"
			}
			name := s.Name
			if name == "" {
				name = s.Project
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", name, s.Status, s.Port, url, uptime)
		}
		_ = w.Flush()
	}

	if statusShowSessions {
		fmt.Println()
		if err := printSessions(client); err != nil {
			return err
		}
	}

	return nil
}

func printSessions(client *daemon.Client) error {
	sessions, err := client.SessionList()
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	if len(sessions.Sessions) == 0 {
		fmt.Println("No terminal sessions.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SESSION\tSTATUS\tPID\tDIR\tUPTIME")
	for _, s := range sessions.Sessions {
		uptime := time.Since(s.CreatedAt).Truncate(time.Second)
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", s.SessionID, s.Status, s.PID, s.Dir, uptime)
	}
	_ = w.Flush()
	return nil
}

func init() {
	statusCmd.Flags().BoolVarP(&statusShowSessions, "sessions", "s", false, "Show terminal sessions")
	rootCmd.AddCommand(statusCmd)
}
