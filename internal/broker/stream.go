package broker

import (
	"sync"
	"time"
)

// stream is the per-source ordered buffer plus its subscribers.
type stream struct {
	sourceID string
	broker   *Broker

	mu sync.Mutex
	// +checklocks:mu
	seq uint64 // last assigned sequence number
	// +checklocks:mu
	backlog []Event // undelivered events retained while no subscriber took them
	// +checklocks:mu
	subs map[*Subscription]struct{}
	// +checklocks:mu
	closed bool

	// Output coalescing state
	// +checklocks:mu
	outPending []byte
	// +checklocks:mu
	outTimer *time.Timer

	// Input coalescing state
	// +checklocks:mu
	inPending []byte
	// +checklocks:mu
	inTimer *time.Timer
}

func newStream(sourceID string, b *Broker) *stream {
	return &stream{
		sourceID: sourceID,
		broker:   b,
		subs:     make(map[*Subscription]struct{}),
	}
}

// appendOutput buffers output bytes, emitting one event per coalescing
// window (or sooner when the pending buffer grows large).
func (s *stream) appendOutput(p []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSourceClosed
	}
	s.outPending = append(s.outPending, p...)
	if len(s.outPending) >= maxCoalesceBytes {
		s.emitOutputLocked()
		s.mu.Unlock()
		return nil
	}
	if s.outTimer == nil {
		s.outTimer = time.AfterFunc(s.broker.window, s.flushOutput)
	}
	s.mu.Unlock()
	return nil
}

// appendInput buffers mirrored input bytes, emitting one logical command
// per newline or after an idle pause. The bytes themselves were already
// forwarded to the process by the caller; this only shapes the stream.
func (s *stream) appendInput(p []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSourceClosed
	}
	for _, c := range p {
		s.inPending = append(s.inPending, c)
		if c == '\n' {
			s.emitInputLocked()
		}
	}
	if len(s.inPending) > 0 {
		if s.inTimer != nil {
			s.inTimer.Stop()
		}
		s.inTimer = time.AfterFunc(s.broker.inputIdle, s.flushInput)
	}
	s.mu.Unlock()
	return nil
}

// flushOutput is the output coalesce timer callback.
func (s *stream) flushOutput() {
	s.mu.Lock()
	s.emitOutputLocked()
	s.mu.Unlock()
}

// flushInput is the input idle timer callback.
func (s *stream) flushInput() {
	s.mu.Lock()
	s.emitInputLocked()
	s.mu.Unlock()
}

// flushAll forces both pending buffers out.
func (s *stream) flushAll() {
	s.mu.Lock()
	s.emitOutputLocked()
	s.emitInputLocked()
	s.mu.Unlock()
}

// +checklocks:s.mu
func (s *stream) emitOutputLocked() {
	if s.outTimer != nil {
		s.outTimer.Stop()
		s.outTimer = nil
	}
	if len(s.outPending) == 0 {
		return
	}
	payload := s.outPending
	s.outPending = nil
	s.emitLocked(KindOutput, payload, 0)
}

// +checklocks:s.mu
func (s *stream) emitInputLocked() {
	if s.inTimer != nil {
		s.inTimer.Stop()
		s.inTimer = nil
	}
	if len(s.inPending) == 0 {
		return
	}
	payload := s.inPending
	s.inPending = nil
	s.emitLocked(KindInput, payload, 0)
}

// emitLocked assigns the next sequence number and delivers or buffers the
// event. With live subscribers the event goes straight to them; otherwise
// it lands in the backlog for the next attach, with the oldest entries
// collapsing into a gap marker when the cap is hit.
//
// +checklocks:s.mu
func (s *stream) emitLocked(kind Kind, payload []byte, dropped int) {
	s.seq++
	ev := Event{
		SourceID: s.sourceID,
		Seq:      s.seq,
		Kind:     kind,
		Payload:  payload,
		Dropped:  dropped,
		Time:     time.Now(),
	}

	if len(s.subs) > 0 {
		for sub := range s.subs {
			sub.deliver(ev)
		}
		return
	}

	s.backlog = append(s.backlog, ev)
	if len(s.backlog) > s.broker.capacity {
		s.compactBacklogLocked()
	}
}

// compactBacklogLocked drops the oldest quarter of the backlog, replacing
// it with one gap marker so consumers can detect the loss.
//
// +checklocks:s.mu
func (s *stream) compactBacklogLocked() {
	drop := len(s.backlog) / 4
	if drop < 1 {
		drop = 1
	}

	gap := Event{
		SourceID: s.sourceID,
		Seq:      s.backlog[0].Seq,
		Kind:     KindGap,
		Dropped:  drop,
		Time:     time.Now(),
	}
	// Fold an existing leading gap marker into the new one
	if s.backlog[0].Kind == KindGap {
		gap.Dropped += s.backlog[0].Dropped - 1
	}

	kept := s.backlog[drop:]
	s.backlog = append([]Event{gap}, kept...)
}

// subscribe registers a consumer, replaying the backlog first.
func (s *stream) subscribe() *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := &Subscription{
		stream: s,
		ch:     make(chan Event, s.broker.capacity+subChannelSlack),
	}

	for _, ev := range s.backlog {
		sub.deliver(ev)
	}
	s.backlog = nil

	if s.closed {
		sub.finish()
		return sub
	}

	s.subs[sub] = struct{}{}
	return sub
}

// unsubscribe removes a consumer. Pure bookkeeping: the source and its
// buffered events are untouched.
func (s *stream) unsubscribe(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub]; !ok {
		return
	}
	delete(s.subs, sub)
	sub.finish()
}

// close flushes pending bytes, rejects further appends, and closes live
// subscriber channels. The backlog survives for late subscribers.
func (s *stream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.emitOutputLocked()
	s.emitInputLocked()
	s.closed = true
	for sub := range s.subs {
		delete(s.subs, sub)
		sub.finish()
	}
}

// Subscription is one consumer's attachment to a source stream.
type Subscription struct {
	stream *stream
	ch     chan Event
	// dropped counts events lost to a full channel; surfaced as a gap
	// marker before the next successful delivery.
	mu      sync.Mutex
	dropped int
	gapSeq  uint64
	done    bool
}

// deliver pushes an event without ever blocking the producer. A slow
// consumer loses oldest-first and learns about it from a gap marker.
func (sub *Subscription) deliver(ev Event) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.done {
		return
	}

	if sub.dropped > 0 {
		gap := Event{
			SourceID: ev.SourceID,
			Seq:      sub.gapSeq,
			Kind:     KindGap,
			Dropped:  sub.dropped,
			Time:     time.Now(),
		}
		select {
		case sub.ch <- gap:
			sub.dropped = 0
		default:
			sub.dropped++
			return
		}
	}

	select {
	case sub.ch <- ev:
	default:
		if sub.dropped == 0 {
			sub.gapSeq = ev.Seq
		}
		sub.dropped++
	}
}

// finish closes the subscription channel exactly once.
func (sub *Subscription) finish() {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.done {
		return
	}
	sub.done = true
	close(sub.ch)
}

// Events returns the channel of delivered events. It is closed when the
// source closes or the subscription is canceled.
func (sub *Subscription) Events() <-chan Event {
	return sub.ch
}

// Cancel detaches the consumer. Idempotent; never affects the source.
func (sub *Subscription) Cancel() {
	sub.stream.unsubscribe(sub)
}
