package cli

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/uxfreak/previewd/internal/config"
	"github.com/uxfreak/previewd/internal/daemon"
	"github.com/uxfreak/previewd/internal/logging"
	"github.com/uxfreak/previewd/internal/version"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage the previewd daemon",
	Long:  "Commands for managing the previewd daemon lifecycle.",
}

var daemonRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon in the foreground",
	Long:  "Run the previewd daemon in the foreground. Logs go to ~/.previewd/previewd.log.",
	Args:  cobra.NoArgs,
	RunE:  runDaemon,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon in the background",
	Args:  cobra.NoArgs,
	RunE:  runDaemonStart,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	Long:  "Stop the previewd daemon. All dev servers and sessions are terminated.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := MustConnect()
		defer client.Close()

		if err := client.Shutdown(); err != nil {
			return fmt.Errorf("shutdown daemon: %w", err)
		}

		fmt.Println("previewd daemon stopped")
		return nil
	},
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := ConnectClient()
		if err != nil {
			fmt.Println("previewd daemon is not running")
			return nil
		}
		defer client.Close()

		pong, err := client.Ping()
		if err != nil {
			return fmt.Errorf("ping daemon: %w", err)
		}
		fmt.Printf("previewd daemon running (version %s, uptime %s)\n", pong.Version, pong.Uptime)
		return nil
	},
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	cleanup, err := logging.Setup("", logging.ParseLevel(cfg.LogLevel))
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer cleanup()

	d, err := daemon.New(cfg, getSocketPath(), version.Version)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return d.Run(ctx)
}

func runDaemonStart(cmd *cobra.Command, args []string) error {
	if IsDaemonRunning() {
		fmt.Println("previewd daemon is already running")
		return nil
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}

	spawnArgs := []string{"daemon", "run"}
	if previewdDir != "" {
		spawnArgs = append(spawnArgs, "--previewd-dir", previewdDir)
	}

	child := exec.Command(exe, spawnArgs...)
	child.Stdout = nil
	child.Stderr = nil
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		return fmt.Errorf("spawn daemon: %w", err)
	}
	// The child outlives this process
	_ = child.Process.Release()

	// Wait briefly for the socket to come up
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if IsDaemonRunning() {
			fmt.Println("previewd daemon started")
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon did not come up; check %s", logging.DefaultLogPath())
}

func init() {
	daemonCmd.AddCommand(daemonRunCmd)
	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
	rootCmd.AddCommand(daemonCmd)
}
