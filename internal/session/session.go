// Package session owns interactive pseudo-terminal sessions. Session
// lifecycle is fully decoupled from consumer attachment: detaching a
// consumer never touches the underlying process, which is what makes
// sessions persist across UI navigation.
package session

import (
	"errors"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
)

// Status is the lifecycle state of a session.
type Status string

const (
	// StatusRunning means the PTY process is alive.
	StatusRunning Status = "running"

	// StatusClosed means the process has exited but the session is still
	// tracked, so late consumers can read buffered output and callers get
	// ErrClosed rather than ErrUnknown.
	StatusClosed Status = "closed"
)

// Errors returned by session operations.
var (
	ErrUnknown   = errors.New("session: unknown session")
	ErrDuplicate = errors.New("session: session already exists")
	ErrClosed    = errors.New("session: process has exited")
)

// DefaultSize is the terminal size for sessions that don't specify one.
var DefaultSize = pty.Winsize{Rows: 24, Cols: 80}

// Session represents one interactive PTY process.
type Session struct {
	ID        string
	Dir       string
	CreatedAt time.Time

	mu sync.RWMutex
	// +checklocks:mu
	status Status
	// +checklocks:mu
	ptmx *os.File
	// +checklocks:mu
	size pty.Winsize
	// +checklocks:mu
	exitCode int

	cmd *exec.Cmd
	// exited closes when the OS confirms process exit
	exited chan struct{}
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// PID returns the process ID, or -1 before the process started.
func (s *Session) PID() int {
	if s.cmd == nil || s.cmd.Process == nil {
		return -1
	}
	return s.cmd.Process.Pid
}

// write forwards raw bytes to the PTY input.
func (s *Session) write(p []byte) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == StatusClosed || s.ptmx == nil {
		return 0, ErrClosed
	}
	return s.ptmx.Write(p)
}

// resize adjusts the PTY dimensions. Unsupported platforms make this a
// no-op, never a failure.
func (s *Session) resize(rows, cols uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusClosed || s.ptmx == nil {
		return
	}
	size := pty.Winsize{Rows: rows, Cols: cols}
	if err := pty.Setsize(s.ptmx, &size); err == nil {
		s.size = size
	}
}

// markClosed records process exit.
func (s *Session) markClosed(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusClosed
	s.exitCode = code
}

// closePTY releases the PTY file descriptor.
func (s *Session) closePTY() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ptmx != nil {
		s.ptmx.Close()
		s.ptmx = nil
	}
}

// Info is a read-only snapshot of a session for status reporting.
type Info struct {
	ID        string    `json:"id"`
	Dir       string    `json:"dir"`
	PID       int       `json:"pid"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	ExitCode  int       `json:"exit_code,omitempty"`
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Info{
		ID:        s.ID,
		Dir:       s.Dir,
		PID:       s.PID(),
		Status:    s.status,
		CreatedAt: s.CreatedAt,
		ExitCode:  s.exitCode,
	}
}
