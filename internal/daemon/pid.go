package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/uxfreak/previewd/internal/paths"
	"github.com/uxfreak/previewd/internal/proc"
)

// DefaultPIDPath returns the default PID file path.
func DefaultPIDPath() string {
	return paths.PIDPath()
}

// WritePID writes the current process ID to the PID file.
// It creates the parent directory if it doesn't exist.
func WritePID(path string) error {
	if path == "" {
		path = DefaultPIDPath()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create pid directory: %w", err)
	}

	data := []byte(strconv.Itoa(os.Getpid()) + "\n")
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}

	return nil
}

// ReadPID reads the process ID from the PID file.
// Returns 0 and an error if the file doesn't exist or is invalid.
func ReadPID(path string) (int, error) {
	if path == "" {
		path = DefaultPIDPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, err
		}
		return 0, fmt.Errorf("read pid file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse pid: %w", err)
	}

	return pid, nil
}

// RemovePID removes the PID file.
// It returns nil if the file doesn't exist.
func RemovePID(path string) error {
	if path == "" {
		path = DefaultPIDPath()
	}

	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove pid file: %w", err)
	}
	return nil
}

// IsDaemonRunning checks if the daemon is running by reading the PID file
// and verifying the process exists.
func IsDaemonRunning(pidPath string) (bool, int) {
	pid, err := ReadPID(pidPath)
	if err != nil {
		return false, 0
	}

	if proc.Alive(pid) {
		return true, pid
	}

	// Stale PID file, process not running
	return false, 0
}

// CleanStalePID removes the PID file if the process is not running.
// Returns true if a stale PID file was cleaned up.
func CleanStalePID(pidPath string) bool {
	running, _ := IsDaemonRunning(pidPath)
	if !running {
		_ = RemovePID(pidPath)
		return true
	}
	return false
}
