package supervisor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/uxfreak/previewd/internal/broker"
	"github.com/uxfreak/previewd/internal/config"
	"github.com/uxfreak/previewd/internal/ports"
)

// newTestSupervisor builds a supervisor with fast timeouts and a probe
// that never touches real sockets.
func newTestSupervisor(t *testing.T) (*Supervisor, *ports.Allocator) {
	t.Helper()
	cfg := config.Default()
	cfg.Server.HealthTimeoutSecs = 1
	cfg.Server.GracePeriodSecs = 1

	alloc := ports.New(ports.WithProbe(func(int) bool { return true }))
	b := broker.New(broker.WithCoalesceWindow(5 * time.Millisecond))
	s := New(cfg, alloc, b)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.StopAll(ctx)
	})
	return s, alloc
}

// echoServer is a shell command that prints a marker then lingers.
func echoServer(marker string) StartOptions {
	return StartOptions{
		Command: "sh",
		Args:    []string{"-c", fmt.Sprintf("echo '%s'; sleep 60", marker)},
	}
}

func TestStart_BecomesRunning(t *testing.T) {
	s, alloc := newTestSupervisor(t)

	// Ports 3000 and 3001 already leased by others
	alloc.Allocate(3000)
	alloc.Allocate(3000)

	opts := echoServer("webpack compiled successfully")
	opts.OwnerID = "proj1"
	opts.Name = "demo"
	opts.Dir = t.TempDir()
	opts.ReadyPattern = "compiled successfully"

	snap, err := s.Start(context.Background(), opts)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if snap.Status != StatusRunning {
		t.Errorf("expected running, got %s", snap.Status)
	}
	if snap.Port != 3002 {
		t.Errorf("expected port 3002, got %d", snap.Port)
	}
	if snap.URL != "http://localhost:3002" {
		t.Errorf("expected http://localhost:3002, got %s", snap.URL)
	}
}

func TestStart_AlreadyRunning(t *testing.T) {
	s, _ := newTestSupervisor(t)

	opts := echoServer("ready")
	opts.OwnerID = "proj1"
	opts.Dir = t.TempDir()
	opts.ReadyPattern = "ready"

	if _, err := s.Start(context.Background(), opts); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if _, err := s.Start(context.Background(), opts); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestStart_PortExhausted(t *testing.T) {
	s, alloc := newTestSupervisor(t)
	_ = s

	cfg := config.Default()
	cfg.Ports.MaxProbes = 1
	exhausted := ports.New(
		ports.WithProbe(func(int) bool { return true }),
		ports.WithMaxProbes(1),
	)
	exhausted.Allocate(3000)
	b := broker.New()
	s2 := New(cfg, exhausted, b)

	opts := echoServer("ready")
	opts.OwnerID = "proj1"
	opts.Dir = t.TempDir()

	if _, err := s2.Start(context.Background(), opts); !errors.Is(err, ports.ErrExhausted) {
		t.Errorf("expected ErrExhausted, got %v", err)
	}
	// No entry may remain for the failed admission
	if _, err := s2.Status("proj1"); !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning, got %v", err)
	}
	_ = alloc
}

func TestStart_HealthTimeout(t *testing.T) {
	s, alloc := newTestSupervisor(t)

	opts := StartOptions{
		OwnerID:      "proj1",
		Dir:          t.TempDir(),
		Command:      "sh",
		Args:         []string{"-c", "echo 'still compiling'; sleep 60"},
		ReadyPattern: "never appears",
	}

	snap, err := s.Start(context.Background(), opts)
	if !errors.Is(err, ErrHealthTimeout) {
		t.Fatalf("expected ErrHealthTimeout, got %v", err)
	}
	if snap.Status != StatusFailed {
		t.Errorf("expected failed, got %s", snap.Status)
	}
	if alloc.IsLeased(snap.Port) {
		t.Errorf("port %d still leased after health timeout", snap.Port)
	}
}

func TestStart_UnexpectedExit(t *testing.T) {
	s, alloc := newTestSupervisor(t)

	opts := StartOptions{
		OwnerID:      "proj1",
		Dir:          t.TempDir(),
		Command:      "sh",
		Args:         []string{"-c", "echo 'crash'; exit 3"},
		ReadyPattern: "never appears",
	}

	snap, err := s.Start(context.Background(), opts)
	if !errors.Is(err, ErrUnexpectedExit) {
		t.Fatalf("expected ErrUnexpectedExit, got %v", err)
	}
	if snap.Status != StatusFailed {
		t.Errorf("expected failed, got %s", snap.Status)
	}
	if alloc.IsLeased(snap.Port) {
		t.Errorf("port %d still leased after crash", snap.Port)
	}
}

func TestStart_SpawnFailure(t *testing.T) {
	s, alloc := newTestSupervisor(t)

	opts := StartOptions{
		OwnerID: "proj1",
		Dir:     t.TempDir(),
		Command: "/definitely/not/a/binary",
	}

	snap, err := s.Start(context.Background(), opts)
	if !errors.Is(err, ErrSpawnFailure) {
		t.Fatalf("expected ErrSpawnFailure, got %v", err)
	}
	if alloc.IsLeased(snap.Port) {
		t.Errorf("port %d still leased after spawn failure", snap.Port)
	}
}

func TestPortReleaseIsOneShot(t *testing.T) {
	s, alloc := newTestSupervisor(t)

	opts := StartOptions{
		OwnerID:      "proj1",
		Dir:          t.TempDir(),
		Command:      "sh",
		Args:         []string{"-c", "exit 1"},
		ReadyPattern: "never",
	}
	snap, err := s.Start(context.Background(), opts)
	if !errors.Is(err, ErrUnexpectedExit) {
		t.Fatalf("expected ErrUnexpectedExit, got %v", err)
	}

	// Another owner picks up the freed port
	port, err := alloc.Allocate(3000)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if port != snap.Port {
		t.Fatalf("expected freed port %d, got %d", snap.Port, port)
	}

	s.mu.Lock()
	srv := s.servers["proj1"]
	s.mu.Unlock()
	if srv == nil {
		t.Fatal("expected failed entry to remain tracked")
	}

	// Late exit-watcher and stop paths both release; neither may free
	// the lease the new owner now holds
	s.releasePort(srv)
	s.teardown(srv)
	if !alloc.IsLeased(port) {
		t.Errorf("port %d lease dropped by a stray second release", port)
	}
}

func TestStop_DuringStartIsNotUnexpected(t *testing.T) {
	// Generous health deadline: the stop must be what ends the start
	cfg := config.Default()
	cfg.Server.HealthTimeoutSecs = 10
	cfg.Server.GracePeriodSecs = 1
	alloc := ports.New(ports.WithProbe(func(int) bool { return true }))
	s := New(cfg, alloc, broker.New())
	t.Cleanup(func() { s.StopAll(context.Background()) })

	opts := StartOptions{
		OwnerID:      "proj1",
		Dir:          t.TempDir(),
		Command:      "sh",
		Args:         []string{"-c", "echo booting; sleep 60"},
		ReadyPattern: "never appears",
	}

	done := make(chan error, 1)
	go func() {
		_, err := s.Start(context.Background(), opts)
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		snap, err := s.Status("proj1")
		if err == nil && snap.PID > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("server never spawned")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := s.Stop(context.Background(), "proj1"); err != nil {
		t.Fatalf("stop: %v", err)
	}

	select {
	case err := <-done:
		if errors.Is(err, ErrUnexpectedExit) {
			t.Errorf("requested stop reported as unexpected exit: %v", err)
		}
		if !errors.Is(err, ErrNotRunning) {
			t.Errorf("expected ErrNotRunning for the interrupted start, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("interrupted start did not return")
	}
}

func TestStart_RetryAfterFailureIsClean(t *testing.T) {
	s, _ := newTestSupervisor(t)

	bad := StartOptions{
		OwnerID:      "proj1",
		Dir:          t.TempDir(),
		Command:      "sh",
		Args:         []string{"-c", "exit 1"},
		ReadyPattern: "ready",
	}
	if _, err := s.Start(context.Background(), bad); err == nil {
		t.Fatal("expected first start to fail")
	}

	good := echoServer("ready")
	good.OwnerID = "proj1"
	good.Dir = t.TempDir()
	good.ReadyPattern = "ready"

	snap, err := s.Start(context.Background(), good)
	if err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	if snap.Status != StatusRunning {
		t.Errorf("expected running after retry, got %s", snap.Status)
	}
}

func TestStop_Idempotent(t *testing.T) {
	s, alloc := newTestSupervisor(t)

	opts := echoServer("ready")
	opts.OwnerID = "proj1"
	opts.Dir = t.TempDir()
	opts.ReadyPattern = "ready"

	snap, err := s.Start(context.Background(), opts)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := s.Stop(context.Background(), "proj1"); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if alloc.IsLeased(snap.Port) {
		t.Errorf("port %d still leased after stop", snap.Port)
	}
	if _, err := s.Status("proj1"); !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected entry removed, got %v", err)
	}

	// Second stop must succeed trivially
	if err := s.Stop(context.Background(), "proj1"); err != nil {
		t.Errorf("second stop: %v", err)
	}
}

func TestStop_EscalatesToKill(t *testing.T) {
	s, alloc := newTestSupervisor(t)

	opts := StartOptions{
		OwnerID:      "proj1",
		Dir:          t.TempDir(),
		Command:      "sh",
		Args:         []string{"-c", "trap '' TERM; echo ready; sleep 60"},
		ReadyPattern: "ready",
	}

	snap, err := s.Start(context.Background(), opts)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Stop(context.Background(), "proj1") }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("stop: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("stop did not complete after escalation")
	}

	if alloc.IsLeased(snap.Port) {
		t.Errorf("port %d still leased after forced stop", snap.Port)
	}
}

func TestStopAll(t *testing.T) {
	s, alloc := newTestSupervisor(t)

	for i := 0; i < 3; i++ {
		opts := echoServer("ready")
		opts.OwnerID = fmt.Sprintf("proj%d", i)
		opts.Dir = t.TempDir()
		opts.ReadyPattern = "ready"
		if _, err := s.Start(context.Background(), opts); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
	}
	if len(s.List()) != 3 {
		t.Fatalf("expected 3 servers, got %d", len(s.List()))
	}

	s.StopAll(context.Background())

	if len(s.List()) != 0 {
		t.Errorf("expected no servers after StopAll, got %d", len(s.List()))
	}
	if len(alloc.Leased()) != 0 {
		t.Errorf("expected no leased ports after StopAll, got %v", alloc.Leased())
	}
}

func TestPorts_PairwiseDistinct(t *testing.T) {
	s, _ := newTestSupervisor(t)

	seen := make(map[int]bool)
	for i := 0; i < 3; i++ {
		opts := echoServer("ready")
		opts.OwnerID = fmt.Sprintf("proj%d", i)
		opts.Dir = t.TempDir()
		opts.ReadyPattern = "ready"
		snap, err := s.Start(context.Background(), opts)
		if err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
		if seen[snap.Port] {
			t.Errorf("port %d assigned twice", snap.Port)
		}
		seen[snap.Port] = true
	}
}

func TestProgressEvents(t *testing.T) {
	s, _ := newTestSupervisor(t)

	var got []ProgressEvent
	ch := make(chan ProgressEvent, 16)
	remove := s.OnProgress(func(ev ProgressEvent) { ch <- ev })
	defer remove()

	opts := echoServer("ready")
	opts.OwnerID = "proj1"
	opts.Dir = t.TempDir()
	opts.ReadyPattern = "ready"

	if _, err := s.Start(context.Background(), opts); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-ch:
			got = append(got, ev)
		case <-deadline:
			t.Fatalf("expected 2 progress events, got %d", len(got))
		}
	}

	if got[0].To != StatusStarting {
		t.Errorf("expected first transition to starting, got %s", got[0].To)
	}
	if got[1].To != StatusRunning {
		t.Errorf("expected second transition to running, got %s", got[1].To)
	}
}

func TestExitEvents(t *testing.T) {
	s, _ := newTestSupervisor(t)

	exits := make(chan ExitEvent, 4)
	remove := s.OnExit(func(ev ExitEvent) { exits <- ev })
	defer remove()

	opts := StartOptions{
		OwnerID:      "proj1",
		Dir:          t.TempDir(),
		Command:      "sh",
		Args:         []string{"-c", "exit 7"},
		ReadyPattern: "never",
	}
	s.Start(context.Background(), opts)

	select {
	case ev := <-exits:
		if ev.Code != 7 {
			t.Errorf("expected exit code 7, got %d", ev.Code)
		}
		if ev.Reason != "exited" {
			t.Errorf("expected reason exited, got %s", ev.Reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no exit event")
	}
}
