// Package ports maintains the pool of network ports leased to dev servers.
package ports

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
)

// ErrExhausted is returned when no free port exists within the probe bound.
var ErrExhausted = errors.New("ports: port range exhausted")

// DefaultMaxProbes bounds the upward scan from the base port.
const DefaultMaxProbes = 100

// Allocator hands out ports with no collisions. A port is leased iff some
// live dev server holds it; Release is idempotent. All decisions happen
// under one lock so two concurrent Allocate calls can never return the
// same port.
type Allocator struct {
	mu sync.Mutex
	// +checklocks:mu
	leased map[int]bool
	// reserved ports are never handed out (immutable after creation)
	reserved  map[int]bool
	maxProbes int
	probe     func(port int) bool // OS-level availability check
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithReserved marks ports that are never handed out even when unleased.
func WithReserved(ports []int) Option {
	return func(a *Allocator) {
		for _, p := range ports {
			a.reserved[p] = true
		}
	}
}

// WithMaxProbes bounds the upward scan before reporting exhaustion.
func WithMaxProbes(n int) Option {
	return func(a *Allocator) {
		if n > 0 {
			a.maxProbes = n
		}
	}
}

// WithProbe replaces the OS availability check. Tests use this to avoid
// binding real sockets.
func WithProbe(probe func(port int) bool) Option {
	return func(a *Allocator) {
		a.probe = probe
	}
}

// New creates an Allocator.
func New(opts ...Option) *Allocator {
	a := &Allocator{
		leased:    make(map[int]bool),
		reserved:  make(map[int]bool),
		maxProbes: DefaultMaxProbes,
		probe:     portFree,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Allocate returns the smallest free port >= base and marks it leased in
// the same critical section. Ports already leased, reserved, or busy at the
// OS level are skipped. Returns ErrExhausted after maxProbes candidates.
func (a *Allocator) Allocate(base int) (int, error) {
	if base <= 0 || base > 65535 {
		return 0, fmt.Errorf("ports: invalid base port %d", base)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for i := 0; i < a.maxProbes; i++ {
		port := base + i
		if port > 65535 {
			break
		}
		if a.leased[port] || a.reserved[port] {
			continue
		}
		if !a.probe(port) {
			continue
		}
		a.leased[port] = true
		return port, nil
	}

	return 0, ErrExhausted
}

// Release returns a port to the pool. Releasing a port that is not leased
// is a no-op, never an error.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.leased, port)
}

// IsLeased reports whether the port is currently held.
func (a *Allocator) IsLeased(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.leased[port]
}

// Leased returns a sorted snapshot of held ports.
func (a *Allocator) Leased() []int {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]int, 0, len(a.leased))
	for p := range a.leased {
		result = append(result, p)
	}
	sort.Ints(result)
	return result
}

// portFree reports whether the port can be bound on the loopback interface.
func portFree(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}
