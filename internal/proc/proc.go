// Package proc provides process spawn attributes and the shared
// graceful-then-forceful termination primitive used by both the dev-server
// supervisor and the session manager.
package proc

import (
	"errors"
	"log/slog"
	"os"
	"syscall"
	"time"
)

// DefaultGracePeriod is the wait after SIGTERM before escalating to SIGKILL.
const DefaultGracePeriod = 5 * time.Second

// GroupAttr returns spawn attributes that place the child in its own
// process group, so termination signals reach the whole child tree.
func GroupAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// Alive reports whether a process with the given PID exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	if err != nil {
		if errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH) {
			return false
		}
		// EPERM means the process exists but belongs to another user
		if errors.Is(err, syscall.EPERM) {
			return true
		}
		return false
	}
	return true
}

// signalGroup signals the process group of pid, falling back to the single
// process when no group exists.
func signalGroup(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(-pid, sig); err == nil {
		return nil
	}
	return syscall.Kill(pid, sig)
}

// Terminate stops a process: SIGTERM first, then SIGKILL after the grace
// period. The exited channel must be closed by the caller's Wait goroutine
// once the OS confirms exit; Terminate blocks until then. Signaling errors
// are logged but never abort the wait, so callers can always release held
// resources afterward.
func Terminate(pid int, exited <-chan struct{}, grace time.Duration) {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	select {
	case <-exited:
		return // Already gone
	default:
	}

	if err := signalGroup(pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		slog.Warn("graceful signal failed", "pid", pid, "error", err)
	}

	select {
	case <-exited:
		return
	case <-time.After(grace):
	}

	slog.Warn("grace period expired, escalating", "pid", pid, "grace", grace)
	if err := signalGroup(pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		slog.Warn("forceful signal failed", "pid", pid, "error", err)
	}

	<-exited
}
