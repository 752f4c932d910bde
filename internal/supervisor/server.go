// Package supervisor owns the lifecycle of dev-server processes: at most
// one per project, never leaked, with ports leased from the shared
// allocator and readiness decided from the output stream.
package supervisor

import (
	"errors"
	"sync"
	"time"
)

// Status is the lifecycle state of a supervised dev server.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusFailed   Status = "failed"
)

// Valid state transitions. A failed transition attempt is ignored rather
// than fatal: late health results racing a requested stop resolve here.
var validTransitions = map[Status][]Status{
	StatusStopped:  {StatusStarting},
	StatusStarting: {StatusRunning, StatusStopping, StatusFailed},
	StatusRunning:  {StatusStopping, StatusFailed},
	StatusStopping: {StatusStopped},
	StatusFailed:   {StatusStarting},
}

// Errors returned by supervisor operations.
var (
	ErrAlreadyRunning = errors.New("supervisor: dev server already running for owner")
	ErrSpawnFailure   = errors.New("supervisor: process creation failed")
	ErrHealthTimeout  = errors.New("supervisor: no readiness marker before deadline")
	ErrUnexpectedExit = errors.New("supervisor: process exited before becoming ready")
	ErrNotRunning     = errors.New("supervisor: no dev server for owner")
)

// Server represents one supervised dev-server process bound to an owner.
type Server struct {
	ownerID string
	name    string
	dir     string
	port    int

	mu sync.RWMutex
	// +checklocks:mu
	status Status
	// +checklocks:mu
	startedAt time.Time
	// +checklocks:mu
	lastErr error
	// +checklocks:mu
	pid int
	// +checklocks:mu
	exitCode int

	// exited closes when the OS confirms process exit
	exited chan struct{}

	// releaseOnce guards the port lease: failure paths overlap (exit
	// watcher, health result, requested stop), and the lease must go back
	// to the allocator exactly once per server.
	releaseOnce sync.Once

	// tail keeps recent output for error reporting on failure
	tail *tailBuffer

	onTransition func(from, to Status)
}

func newServer(ownerID, name, dir string, port int, onTransition func(from, to Status)) *Server {
	return &Server{
		ownerID:      ownerID,
		name:         name,
		dir:          dir,
		port:         port,
		status:       StatusStarting,
		startedAt:    time.Now(),
		exited:       make(chan struct{}),
		tail:         newTailBuffer(4096),
		onTransition: onTransition,
	}
}

// transition attempts a state change, reporting whether it was legal.
func (srv *Server) transition(to Status) bool {
	srv.mu.Lock()
	from := srv.status
	ok := false
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			ok = true
			break
		}
	}
	if ok {
		srv.status = to
	}
	srv.mu.Unlock()

	if ok && srv.onTransition != nil {
		srv.onTransition(from, to)
	}
	return ok
}

// Status returns the current lifecycle state.
func (srv *Server) Status() Status {
	srv.mu.RLock()
	defer srv.mu.RUnlock()
	return srv.status
}

func (srv *Server) setErr(err error) {
	srv.mu.Lock()
	srv.lastErr = err
	srv.mu.Unlock()
}

func (srv *Server) setPID(pid int) {
	srv.mu.Lock()
	srv.pid = pid
	srv.mu.Unlock()
}

func (srv *Server) setExitCode(code int) {
	srv.mu.Lock()
	srv.exitCode = code
	srv.mu.Unlock()
}

// Snapshot is a read-only view of a dev server for status reporting.
type Snapshot struct {
	OwnerID   string    `json:"owner_id"`
	Name      string    `json:"name"`
	Dir       string    `json:"dir"`
	PID       int       `json:"pid"`
	Port      int       `json:"port"`
	URL       string    `json:"url,omitempty"`
	Status    Status    `json:"status"`
	StartedAt time.Time `json:"started_at"`
	Error     string    `json:"error,omitempty"`
}

// tailBuffer retains the most recent output bytes for failure reports.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
