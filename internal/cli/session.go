package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/uxfreak/previewd/internal/daemon"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage terminal sessions",
	Long:  "Commands for managing PTY-backed terminal sessions hosted by the daemon.",
}

var (
	sessionOpenProject string
	sessionOpenDir     string
	sessionOpenCommand string
)

var sessionOpenCmd = &cobra.Command{
	Use:   "open",
	Short: "Open a terminal session",
	Long:  "Open a shell session in the daemon. The session keeps running after this command returns; attach to interact with it.",
	Args:  cobra.NoArgs,
	RunE:  runSessionOpen,
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List terminal sessions",
	Args:  cobra.NoArgs,
	RunE:  runSessionList,
}

var sessionKillCmd = &cobra.Command{
	Use:   "kill <session-id>",
	Short: "Terminate a terminal session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionKill,
}

func runSessionOpen(cmd *cobra.Command, args []string) error {
	client := MustConnect()
	defer client.Close()

	opened, err := client.SessionOpen(daemon.SessionOpenRequest{
		Project: sessionOpenProject,
		Dir:     sessionOpenDir,
		Command: sessionOpenCommand,
	})
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}

	fmt.Printf("Opened session %s (pid %d)\n", opened.SessionID, opened.PID)
	fmt.Printf("Attach with: previewd attach %s\n", opened.SessionID)
	return nil
}

func runSessionList(cmd *cobra.Command, args []string) error {
	client := MustConnect()
	defer client.Close()

	sessions, err := client.SessionList()
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	if len(sessions.Sessions) == 0 {
		fmt.Println("No terminal sessions.")
		fmt.Println("Open one with: previewd session open")
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

func runSessionKill(cmd *cobra.Command, args []string) error {
	client := MustConnect()
	defer client.Close()

	if err := client.SessionKill(args[0]); err != nil {
		return fmt.Errorf("kill session: %w", err)
	}

	fmt.Printf("Killed session: %s\n", args[0])
	return nil
}

func init() {
	sessionOpenCmd.Flags().StringVarP(&sessionOpenProject, "project", "p", "", "Open in a registered project's directory")
	sessionOpenCmd.Flags().StringVarP(&sessionOpenDir, "dir", "d", "", "Working directory for the shell")
	sessionOpenCmd.Flags().StringVarP(&sessionOpenCommand, "command", "c", "", "Command to run (default: user shell)")
	sessionCmd.AddCommand(sessionOpenCmd)
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionKillCmd)
	rootCmd.AddCommand(sessionCmd)
}
