// Package health decides, from a process's live output stream, whether it
// has become ready. It consumes the same ordered event stream the broker
// produces rather than listening on the raw OS pipes, so buffering logic
// lives in exactly one place.
package health

import (
	"regexp"
	"time"

	"github.com/uxfreak/previewd/internal/broker"
)

// Outcome is the result of a readiness watch.
type Outcome int

const (
	// Ready means the readiness pattern matched the output.
	Ready Outcome = iota

	// Timeout means the deadline expired without a match.
	Timeout

	// Exited means the process ended before either outcome.
	Exited
)

// String returns a human-readable outcome name.
func (o Outcome) String() string {
	switch o {
	case Ready:
		return "ready"
	case Timeout:
		return "timeout"
	case Exited:
		return "exited"
	default:
		return "unknown"
	}
}

// Result carries the watch outcome and, for Ready, the matched text.
type Result struct {
	Outcome Outcome
	Matched string
}

// DefaultDeadline bounds the readiness wait when none is configured.
const DefaultDeadline = 30 * time.Second

// Watcher monitors one source for readiness.
type Watcher struct {
	pattern  *regexp.Regexp
	deadline time.Duration
}

// New creates a Watcher with the given readiness pattern and deadline.
// A non-positive deadline falls back to DefaultDeadline.
func New(pattern *regexp.Regexp, deadline time.Duration) *Watcher {
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	return &Watcher{pattern: pattern, deadline: deadline}
}

// Watch consumes events from the subscription until it can decide. The
// result channel receives exactly one value:
//   - Ready on the first pattern match (later matches are irrelevant)
//   - Timeout when the deadline expires without a match
//   - Exited when the exited channel closes first, without waiting for
//     the deadline
//
// Pattern matching spans event boundaries: a marker split across two
// output fragments still matches. Watch cancels the subscription before
// signaling, so the caller only ever handles one outcome.
func (w *Watcher) Watch(sub *broker.Subscription, exited <-chan struct{}) <-chan Result {
	results := make(chan Result, 1)

	go func() {
		defer sub.Cancel()

		timer := time.NewTimer(w.deadline)
		defer timer.Stop()

		// Sliding tail of recent output, large enough to hold any marker
		// split across fragment boundaries.
		var tail []byte
		const tailMax = 8 * 1024

		for {
			select {
			case ev, ok := <-sub.Events():
				if !ok {
					results <- Result{Outcome: Exited}
					return
				}
				if ev.Kind != broker.KindOutput {
					continue
				}
				tail = append(tail, ev.Payload...)
				if loc := w.pattern.FindIndex(tail); loc != nil {
					results <- Result{Outcome: Ready, Matched: string(tail[loc[0]:loc[1]])}
					return
				}
				if len(tail) > tailMax {
					tail = tail[len(tail)-tailMax:]
				}

			case <-exited:
				results <- Result{Outcome: Exited}
				return

			case <-timer.C:
				results <- Result{Outcome: Timeout}
				return
			}
		}
	}()

	return results
}
