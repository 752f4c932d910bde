package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"sync"
	"time"

	"github.com/uxfreak/previewd/internal/broker"
	"github.com/uxfreak/previewd/internal/config"
	"github.com/uxfreak/previewd/internal/event"
	"github.com/uxfreak/previewd/internal/health"
	"github.com/uxfreak/previewd/internal/logging"
	"github.com/uxfreak/previewd/internal/ports"
	"github.com/uxfreak/previewd/internal/proc"
)

// Environment variables injected into every spawned dev server so project
// tooling can self-configure.
const (
	EnvPort        = "PORT"
	EnvProjectID   = "PREVIEW_PROJECT_ID"
	EnvProjectName = "PREVIEW_PROJECT_NAME"
	EnvProjectPath = "PREVIEW_PROJECT_PATH"
)

// ProgressEvent reports a lifecycle transition for one owner.
type ProgressEvent struct {
	OwnerID string    `json:"owner_id"`
	From    Status    `json:"from"`
	To      Status    `json:"to"`
	Error   string    `json:"error,omitempty"`
	Time    time.Time `json:"time"`
}

// ExitEvent reports process exit for one owner.
type ExitEvent struct {
	OwnerID string    `json:"owner_id"`
	Code    int       `json:"code"`
	Reason  string    `json:"reason"` // "stopped" for requested stops, "exited" otherwise
	Time    time.Time `json:"time"`
}

// StartOptions describe one dev-server start request.
type StartOptions struct {
	OwnerID string
	Name    string
	Dir     string

	// Command and Args form the dev-server command line.
	Command string
	Args    []string

	// Env is merged over the inherited environment.
	Env map[string]string

	// ReadyPattern overrides the configured readiness regexp.
	ReadyPattern string

	// BasePort overrides the configured base port for the upward scan.
	BasePort int
}

// Supervisor starts, health-checks, and stops exactly one dev server per
// owner. Failures are isolated per owner; no path leaves a spawned process
// untracked.
type Supervisor struct {
	cfg       *config.Config
	allocator *ports.Allocator
	broker    *broker.Broker

	mu sync.Mutex
	// +checklocks:mu
	servers map[string]*Server

	progress event.Emitter[ProgressEvent]
	exits    event.Emitter[ExitEvent]
}

// New creates a Supervisor.
func New(cfg *config.Config, allocator *ports.Allocator, b *broker.Broker) *Supervisor {
	return &Supervisor{
		cfg:       cfg,
		allocator: allocator,
		broker:    b,
		servers:   make(map[string]*Server),
	}
}

// OnProgress registers a lifecycle event handler; returns a removal func.
func (s *Supervisor) OnProgress(fn func(ProgressEvent)) func() {
	return s.progress.OnEvent(fn)
}

// OnExit registers an exit event handler; returns a removal func.
func (s *Supervisor) OnExit(fn func(ExitEvent)) func() {
	return s.exits.OnEvent(fn)
}

// Start spawns a dev server for the owner and blocks until readiness or
// failure is determined. Fails fast with ErrAlreadyRunning when a server
// exists for the owner in any state other than stopped/failed; a second
// concurrent Start never queues.
func (s *Supervisor) Start(ctx context.Context, opts StartOptions) (Snapshot, error) {
	pattern := opts.ReadyPattern
	if pattern == "" {
		pattern = s.cfg.Server.ReadyPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Snapshot{}, fmt.Errorf("invalid ready pattern: %w", err)
	}

	base := opts.BasePort
	if base <= 0 {
		base = s.cfg.Ports.Base
	}

	// Admission and port lease happen in one critical section, so two
	// concurrent starts for the same owner cannot both pass, and two
	// starts for different owners cannot race the allocator into a
	// duplicate lease.
	s.mu.Lock()
	if existing, ok := s.servers[opts.OwnerID]; ok {
		st := existing.Status()
		if st != StatusStopped && st != StatusFailed {
			s.mu.Unlock()
			return Snapshot{}, ErrAlreadyRunning
		}
		// Replace the terminal entry: retry starts from a clean slate
		s.broker.Remove(opts.OwnerID)
	}

	port, err := s.allocator.Allocate(base)
	if err != nil {
		s.mu.Unlock()
		return Snapshot{}, err
	}

	srv := newServer(opts.OwnerID, opts.Name, opts.Dir, port, func(from, to Status) {
		s.emitProgress(opts.OwnerID, from, to)
	})
	s.servers[opts.OwnerID] = srv
	s.broker.Open(opts.OwnerID)
	s.mu.Unlock()

	s.emitProgress(opts.OwnerID, StatusStopped, StatusStarting)
	slog.Info("starting dev server",
		"owner", opts.OwnerID, "dir", opts.Dir, "port", port,
		"command", opts.Command)

	// Watch the output stream before any output can arrive
	sub, err := s.broker.Subscribe(opts.OwnerID)
	if err != nil {
		return s.failStart(srv, fmt.Errorf("subscribe output: %w", err))
	}
	watcher := health.New(re, s.cfg.HealthTimeout())

	if err := s.spawn(srv, opts); err != nil {
		sub.Cancel()
		return s.failStart(srv, fmt.Errorf("%w: %v", ErrSpawnFailure, err))
	}

	results := watcher.Watch(sub, srv.exited)

	select {
	case r := <-results:
		switch r.Outcome {
		case health.Ready:
			if !srv.transition(StatusRunning) {
				// A stop raced the readiness signal; report what stop left
				return s.snapshotOf(srv), ErrNotRunning
			}
			slog.Info("dev server ready", "owner", opts.OwnerID, "port", port, "matched", r.Matched)
			return s.snapshotOf(srv), nil

		case health.Timeout:
			srv.setErr(ErrHealthTimeout)
			srv.transition(StatusFailed)
			s.teardown(srv)
			return s.snapshotOf(srv), fmt.Errorf("%w after %s; last output:\n%s",
				ErrHealthTimeout, s.cfg.HealthTimeout(), srv.tail.String())

		default: // health.Exited
			if st := srv.Status(); st == StatusStopping || st == StatusStopped {
				// A requested stop took the process down mid-start
				return s.snapshotOf(srv), ErrNotRunning
			}
			srv.setErr(ErrUnexpectedExit)
			srv.transition(StatusFailed)
			s.releasePort(srv)
			return s.snapshotOf(srv), fmt.Errorf("%w (exit code %d); last output:\n%s",
				ErrUnexpectedExit, srv.exitCodeLocked(), srv.tail.String())
		}

	case <-ctx.Done():
		srv.transition(StatusStopping)
		s.teardown(srv)
		srv.transition(StatusStopped)
		s.removeServer(opts.OwnerID, srv)
		s.broker.Remove(opts.OwnerID)
		return Snapshot{}, ctx.Err()
	}
}

// spawn creates the OS process and wires its pipes into the broker.
func (s *Supervisor) spawn(srv *Server, opts StartOptions) error {
	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.SysProcAttr = proc.GroupAttr()
	cmd.Env = buildEnv(srv, opts)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	if err := cmd.Start(); err != nil {
		return err
	}
	srv.setPID(cmd.Process.Pid)

	go s.readLoop(srv, stdout)
	go s.readLoop(srv, stderr)
	go s.waitLoop(srv, cmd)

	return nil
}

// readLoop copies one pipe into the broker and the failure tail.
func (s *Supervisor) readLoop(srv *Server, r io.Reader) {
	defer logging.LogPanic("supervisor-read", nil)

	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			srv.tail.Write(buf[:n])
			_ = s.broker.Append(srv.ownerID, buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// waitLoop reaps the process and settles the exit path. An exit outside a
// requested stop transitions the owner to failed and releases the port, so
// no failure mode can strand a lease.
func (s *Supervisor) waitLoop(srv *Server, cmd *exec.Cmd) {
	defer logging.LogPanic("supervisor-wait", nil)

	err := cmd.Wait()
	code := 0
	if err != nil {
		code = -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
	}
	srv.setExitCode(code)
	close(srv.exited)

	s.broker.Close(srv.ownerID)

	reason := "exited"
	switch srv.Status() {
	case StatusStopping, StatusStopped:
		reason = "stopped"
	case StatusStarting, StatusRunning:
		srv.setErr(ErrUnexpectedExit)
		srv.transition(StatusFailed)
		s.releasePort(srv)
		slog.Warn("dev server exited unexpectedly",
			"owner", srv.ownerID, "code", code)
	default:
		// Already failed elsewhere (health timeout path); port was released
		// there and the recorded error stands.
	}

	s.exits.Emit(ExitEvent{
		OwnerID: srv.ownerID,
		Code:    code,
		Reason:  reason,
		Time:    time.Now(),
	})
}

// failStart settles a start that never produced a live process.
func (s *Supervisor) failStart(srv *Server, err error) (Snapshot, error) {
	srv.setErr(err)
	srv.transition(StatusFailed)
	s.releasePort(srv)
	slog.Error("dev server start failed", "owner", srv.ownerID, "error", err)
	return s.snapshotOf(srv), err
}

// releasePort returns the server's lease to the allocator. One-shot per
// server: a later Allocate may hand the same port to another owner, and a
// stray second release would free that owner's lease.
func (s *Supervisor) releasePort(srv *Server) {
	srv.releaseOnce.Do(func() {
		s.allocator.Release(srv.port)
	})
}

// teardown terminates the process and releases the port. Port release is
// unconditional: even a failed signal must not starve the pool.
func (s *Supervisor) teardown(srv *Server) {
	defer s.releasePort(srv)

	srv.mu.RLock()
	pid := srv.pid
	srv.mu.RUnlock()
	if pid > 0 {
		proc.Terminate(pid, srv.exited, s.cfg.GracePeriod())
	}
}

// Stop terminates the owner's dev server. A no-op when nothing is tracked
// or the server already reached a terminal state; idempotent.
func (s *Supervisor) Stop(ctx context.Context, ownerID string) error {
	s.mu.Lock()
	srv, ok := s.servers[ownerID]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	switch srv.Status() {
	case StatusStopped:
		return nil
	case StatusFailed:
		// Process is gone and port released; just drop the entry
		s.removeServer(ownerID, srv)
		s.broker.Remove(ownerID)
		return nil
	}

	if !srv.transition(StatusStopping) {
		// A concurrent stop is in flight; wait for it to finish
		select {
		case <-srv.exited:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	slog.Info("stopping dev server", "owner", ownerID, "port", srv.port)
	s.teardown(srv)
	srv.transition(StatusStopped)
	s.removeServer(ownerID, srv)
	s.broker.Remove(ownerID)
	return nil
}

// StopAll stops every tracked dev server. Used at daemon shutdown so no
// child process survives the parent.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	owners := make([]string, 0, len(s.servers))
	for owner := range s.servers {
		owners = append(owners, owner)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, owner := range owners {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			defer logging.LogPanic("supervisor-stopall", nil)
			if err := s.Stop(ctx, owner); err != nil {
				slog.Warn("stop during shutdown failed", "owner", owner, "error", err)
			}
		}(owner)
	}
	wg.Wait()
}

// Status returns the current snapshot for an owner, or ErrNotRunning.
func (s *Supervisor) Status(ownerID string) (Snapshot, error) {
	s.mu.Lock()
	srv, ok := s.servers[ownerID]
	s.mu.Unlock()
	if !ok {
		return Snapshot{}, ErrNotRunning
	}
	return s.snapshotOf(srv), nil
}

// List returns snapshots for all tracked owners.
func (s *Supervisor) List() []Snapshot {
	s.mu.Lock()
	servers := make([]*Server, 0, len(s.servers))
	for _, srv := range s.servers {
		servers = append(servers, srv)
	}
	s.mu.Unlock()

	out := make([]Snapshot, 0, len(servers))
	for _, srv := range servers {
		out = append(out, s.snapshotOf(srv))
	}
	return out
}

// removeServer drops the entry if it still maps to srv. A replacement
// entry from a newer Start is left alone.
func (s *Supervisor) removeServer(ownerID string, srv *Server) {
	s.mu.Lock()
	if cur, ok := s.servers[ownerID]; ok && cur == srv {
		delete(s.servers, ownerID)
	}
	s.mu.Unlock()
}

func (s *Supervisor) emitProgress(ownerID string, from, to Status) {
	var errText string
	s.mu.Lock()
	srv := s.servers[ownerID]
	s.mu.Unlock()
	if srv != nil {
		srv.mu.RLock()
		if srv.lastErr != nil {
			errText = srv.lastErr.Error()
		}
		srv.mu.RUnlock()
	}
	s.progress.Emit(ProgressEvent{
		OwnerID: ownerID,
		From:    from,
		To:      to,
		Error:   errText,
		Time:    time.Now(),
	})
}

func (s *Supervisor) snapshotOf(srv *Server) Snapshot {
	srv.mu.RLock()
	defer srv.mu.RUnlock()

	snap := Snapshot{
		OwnerID:   srv.ownerID,
		Name:      srv.name,
		Dir:       srv.dir,
		PID:       srv.pid,
		Port:      srv.port,
		Status:    srv.status,
		StartedAt: srv.startedAt,
	}
	if srv.status == StatusRunning {
		snap.URL = fmt.Sprintf("http://%s:%d", s.cfg.Server.Host, srv.port)
	}
	if srv.lastErr != nil {
		snap.Error = srv.lastErr.Error()
	}
	return snap
}

func (srv *Server) exitCodeLocked() int {
	srv.mu.RLock()
	defer srv.mu.RUnlock()
	return srv.exitCode
}

// buildEnv merges the inherited environment, the request env, and the
// injected project context.
func buildEnv(srv *Server, opts StartOptions) []string {
	env := os.Environ()
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}
	env = append(env,
		fmt.Sprintf("%s=%d", EnvPort, srv.port),
		EnvProjectID+"="+srv.ownerID,
		EnvProjectName+"="+srv.name,
		EnvProjectPath+"="+srv.dir,
	)
	return env
}
