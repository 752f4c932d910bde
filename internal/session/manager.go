package session

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"github.com/uxfreak/previewd/internal/broker"
	"github.com/uxfreak/previewd/internal/event"
	"github.com/uxfreak/previewd/internal/logging"
	"github.com/uxfreak/previewd/internal/proc"
)

// ExitEvent reports that a session's process ended.
type ExitEvent struct {
	SessionID string    `json:"session_id"`
	Code      int       `json:"code"`
	Reason    string    `json:"reason"` // "killed" for requested kills, "exited" otherwise
	Time      time.Time `json:"time"`
}

// OpenOptions describe one session-open request.
type OpenOptions struct {
	// ID identifies the session; empty means system-assigned.
	ID string

	// Dir is the working directory for the shell.
	Dir string

	// Command overrides the user's shell.
	Command string
	Args    []string

	// Env is merged over the inherited environment at spawn.
	Env map[string]string

	// Rows and Cols set the initial PTY size; zero means the default.
	Rows, Cols uint16
}

// Manager owns zero-or-many PTY sessions.
type Manager struct {
	broker *broker.Broker
	grace  time.Duration

	mu sync.RWMutex
	// +checklocks:mu
	sessions map[string]*Session

	exits event.Emitter[ExitEvent]
}

// NewManager creates a session manager. The grace duration bounds the wait
// between the graceful and forceful termination signals on kill.
func NewManager(b *broker.Broker, grace time.Duration) *Manager {
	return &Manager{
		broker:   b,
		grace:    grace,
		sessions: make(map[string]*Session),
	}
}

// OnExit registers an exit event handler; returns a removal func.
func (m *Manager) OnExit(fn func(ExitEvent)) func() {
	return m.exits.OnEvent(fn)
}

// Open spawns a PTY session. Fails with ErrDuplicate if the ID is already
// tracked, including sessions whose process has exited but not been killed.
func (m *Manager) Open(opts OpenOptions) (*Session, error) {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Command == "" {
		opts.Command = userShell()
	}

	size := pty.Winsize{Rows: opts.Rows, Cols: opts.Cols}
	if size.Rows == 0 || size.Cols == 0 {
		size = DefaultSize
	}

	s := &Session{
		ID:        opts.ID,
		Dir:       opts.Dir,
		CreatedAt: time.Now(),
		status:    StatusRunning,
		size:      size,
		exited:    make(chan struct{}),
	}

	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Env = mergeEnv(opts.Env)

	// The manager lock covers the spawn: the ID stays reserved and the
	// session is never visible to Write or List half-built.
	m.mu.Lock()
	if _, ok := m.sessions[opts.ID]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, opts.ID)
	}
	ptmx, err := pty.StartWithSize(cmd, &size)
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("spawn pty: %w", err)
	}
	s.cmd = cmd
	s.ptmx = ptmx
	m.sessions[opts.ID] = s
	m.mu.Unlock()

	m.broker.Open(s.ID)
	go m.readLoop(s, ptmx)
	go m.waitLoop(s)

	slog.Info("session opened", "session", s.ID, "dir", s.Dir, "pid", s.PID())
	return s, nil
}

// readLoop copies PTY output into the broker until EOF.
func (m *Manager) readLoop(s *Session, ptmx *os.File) {
	defer logging.LogPanic("session-read", nil)

	buf := make([]byte, 4096)
	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			_ = m.broker.Append(s.ID, buf[:n])
		}
		if err != nil {
			// PTY read fails once the child exits; flush what's pending
			m.broker.Flush(s.ID)
			return
		}
	}
}

// waitLoop reaps the process and marks the session closed. The session
// stays tracked, and its stream stays readable, until an explicit kill.
func (m *Manager) waitLoop(s *Session) {
	defer logging.LogPanic("session-wait", nil)

	err := s.cmd.Wait()
	code := 0
	if err != nil {
		code = -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
	}

	requested := s.Status() == StatusClosed // kill marks closed before waiting
	s.markClosed(code)
	close(s.exited)
	s.closePTY()
	m.broker.Close(s.ID)

	reason := "exited"
	if requested {
		reason = "killed"
	}
	slog.Info("session ended", "session", s.ID, "code", code, "reason", reason)
	m.exits.Emit(ExitEvent{
		SessionID: s.ID,
		Code:      code,
		Reason:    reason,
		Time:      time.Now(),
	})
}

// Write forwards raw bytes to the session's input and mirrors them onto
// the stream as coalesced input events. Fire-and-forget for the caller.
func (m *Manager) Write(sessionID string, data []byte) error {
	s, err := m.get(sessionID)
	if err != nil {
		return err
	}
	if _, err := s.write(data); err != nil {
		return err
	}
	_ = m.broker.AppendInput(sessionID, data)
	return nil
}

// Resize adjusts the PTY dimensions. Unknown sessions error; everything
// else is best-effort and never fatal.
func (m *Manager) Resize(sessionID string, rows, cols uint16) error {
	s, err := m.get(sessionID)
	if err != nil {
		return err
	}
	s.resize(rows, cols)
	return nil
}

// Kill terminates the session process and removes the session. Idempotent:
// unknown or already-dead sessions succeed trivially.
func (m *Manager) Kill(sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if s.Status() == StatusRunning {
		pid := s.PID()
		s.markClosed(-1)
		if pid > 0 {
			proc.Terminate(pid, s.exited, m.grace)
		}
	}
	m.broker.Remove(s.ID)
	return nil
}

// Get returns a session snapshot.
func (m *Manager) Get(sessionID string) (Info, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return Info{}, err
	}
	return s.Info(), nil
}

// List returns snapshots of all tracked sessions sorted by creation time.
func (m *Manager) List() []Info {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// KillAll terminates every session. Used at daemon shutdown.
func (m *Manager) KillAll() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for sid := range m.sessions {
		ids = append(ids, sid)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, sid := range ids {
		wg.Add(1)
		go func(sid string) {
			defer wg.Done()
			defer logging.LogPanic("session-killall", nil)
			_ = m.Kill(sid)
		}(sid)
	}
	wg.Wait()
}

func (m *Manager) get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknown, sessionID)
	}
	return s, nil
}

// userShell returns the user's shell, falling back to /bin/sh.
func userShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return "/bin/sh"
}

// mergeEnv layers the context environment over the inherited one.
func mergeEnv(extra map[string]string) []string {
	env := os.Environ()
	env = append(env, "TERM=xterm-256color")
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
