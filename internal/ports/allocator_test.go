package ports

import (
	"errors"
	"sync"
	"testing"
)

// alwaysFree is a probe that treats every port as available.
func alwaysFree(int) bool { return true }

func TestAllocate(t *testing.T) {
	t.Run("returns base when free", func(t *testing.T) {
		a := New(WithProbe(alwaysFree))
		port, err := a.Allocate(3000)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if port != 3000 {
			t.Errorf("expected 3000, got %d", port)
		}
	})

	t.Run("skips leased ports", func(t *testing.T) {
		a := New(WithProbe(alwaysFree))
		for i := 0; i < 3; i++ {
			port, err := a.Allocate(3000)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if port != 3000+i {
				t.Errorf("expected %d, got %d", 3000+i, port)
			}
		}
	})

	t.Run("skips reserved ports", func(t *testing.T) {
		a := New(WithProbe(alwaysFree), WithReserved([]int{3000, 3001}))
		port, err := a.Allocate(3000)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if port != 3002 {
			t.Errorf("expected 3002, got %d", port)
		}
	})

	t.Run("skips OS-busy ports", func(t *testing.T) {
		busy := map[int]bool{3000: true, 3002: true}
		a := New(WithProbe(func(p int) bool { return !busy[p] }))
		port, err := a.Allocate(3000)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if port != 3001 {
			t.Errorf("expected 3001, got %d", port)
		}
	})

	t.Run("exhaustion", func(t *testing.T) {
		a := New(WithProbe(alwaysFree), WithMaxProbes(2))
		a.Allocate(3000)
		a.Allocate(3000)
		_, err := a.Allocate(3000)
		if !errors.Is(err, ErrExhausted) {
			t.Errorf("expected ErrExhausted, got %v", err)
		}
	})

	t.Run("invalid base", func(t *testing.T) {
		a := New(WithProbe(alwaysFree))
		if _, err := a.Allocate(0); err == nil {
			t.Error("expected error for base 0")
		}
		if _, err := a.Allocate(70000); err == nil {
			t.Error("expected error for base above port range")
		}
	})
}

func TestRelease(t *testing.T) {
	t.Run("released port can be reallocated", func(t *testing.T) {
		a := New(WithProbe(alwaysFree))
		port, _ := a.Allocate(3000)
		a.Release(port)
		again, err := a.Allocate(3000)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if again != port {
			t.Errorf("expected %d after release, got %d", port, again)
		}
	})

	t.Run("idempotent", func(t *testing.T) {
		a := New(WithProbe(alwaysFree))
		// Releasing an unheld port must not panic or error
		a.Release(9999)
		a.Release(9999)
		if a.IsLeased(9999) {
			t.Error("9999 should not be leased")
		}
	})
}

func TestLeased(t *testing.T) {
	a := New(WithProbe(alwaysFree))
	a.Allocate(3000)
	a.Allocate(3000)
	a.Allocate(5000)

	got := a.Leased()
	want := []int{3000, 3001, 5000}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("expected %v, got %v", want, got)
			break
		}
	}
}

func TestAllocate_ConcurrentUniqueness(t *testing.T) {
	a := New(WithProbe(alwaysFree), WithMaxProbes(200))

	var mu sync.Mutex
	seen := make(map[int]bool)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			port, err := a.Allocate(3000)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if seen[port] {
				t.Errorf("port %d allocated twice", port)
			}
			seen[port] = true
		}()
	}
	wg.Wait()

	if len(seen) != 50 {
		t.Errorf("expected 50 distinct ports, got %d", len(seen))
	}
}
