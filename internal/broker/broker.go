// Package broker multiplexes process and session output into ordered,
// per-source event streams for attached consumers, and mirrors consumer
// input back onto the same streams. It applies the buffering policy for
// the whole supervision core: rapid output fragments are coalesced into
// single events, per-source buffers are capped, and overflow is made
// visible to consumers through gap markers instead of silent loss.
package broker

import (
	"errors"
	"sync"
	"time"
)

// Errors returned by broker operations.
var (
	ErrUnknownSource = errors.New("broker: unknown source")
	ErrSourceClosed  = errors.New("broker: source closed")
)

// Kind identifies what an event carries.
type Kind string

const (
	// KindOutput is process output (stdout/stderr or PTY).
	KindOutput Kind = "output"

	// KindInput is mirrored consumer input, coalesced into logical commands.
	KindInput Kind = "input"

	// KindGap marks discarded events. Seq is the first lost sequence number
	// and Dropped the count, so consumers can detect loss.
	KindGap Kind = "gap"
)

// Event is one ordered unit of output attributable to a single source.
// For a given source, sequence numbers are strictly increasing and gapless;
// a gap event stands in for the range it reports as dropped.
type Event struct {
	SourceID string
	Seq      uint64
	Kind     Kind
	Payload  []byte
	Dropped  int
	Time     time.Time
}

// Defaults for the buffering policy.
const (
	DefaultCapacity       = 2048
	DefaultCoalesceWindow = 50 * time.Millisecond
	DefaultInputIdle      = 250 * time.Millisecond
	maxCoalesceBytes      = 16 * 1024
	subChannelSlack       = 64
)

// Broker owns one stream per source.
type Broker struct {
	mu sync.Mutex
	// +checklocks:mu
	streams map[string]*stream

	capacity  int
	window    time.Duration
	inputIdle time.Duration
}

// Option configures a Broker.
type Option func(*Broker)

// WithCapacity caps the per-source undelivered event buffer.
func WithCapacity(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.capacity = n
		}
	}
}

// WithCoalesceWindow sets the window during which output fragments merge
// into one delivered event.
func WithCoalesceWindow(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.window = d
		}
	}
}

// WithInputIdle sets the pause after which pending input is flushed as one
// logical command even without a newline.
func WithInputIdle(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.inputIdle = d
		}
	}
}

// New creates a Broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		streams:   make(map[string]*stream),
		capacity:  DefaultCapacity,
		window:    DefaultCoalesceWindow,
		inputIdle: DefaultInputIdle,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open registers a source. Opening an already-open source is a no-op so
// callers racing on registration stay safe.
func (b *Broker) Open(sourceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.streams[sourceID]; ok {
		return
	}
	b.streams[sourceID] = newStream(sourceID, b)
}

// lookup returns the stream for a source.
func (b *Broker) lookup(sourceID string) (*stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.streams[sourceID]
	if !ok {
		return nil, ErrUnknownSource
	}
	return st, nil
}

// Append adds process output for a source. Fragments arriving within the
// coalescing window are merged into a single delivered event; bytes are
// never dropped here, only grouped.
func (b *Broker) Append(sourceID string, p []byte) error {
	st, err := b.lookup(sourceID)
	if err != nil {
		return err
	}
	return st.appendOutput(p)
}

// AppendInput mirrors consumer input onto the source's stream. Bytes are
// grouped into one logical command per newline, or after an idle pause.
func (b *Broker) AppendInput(sourceID string, p []byte) error {
	st, err := b.lookup(sourceID)
	if err != nil {
		return err
	}
	return st.appendInput(p)
}

// Flush forces any coalescing-pending bytes out as events immediately.
func (b *Broker) Flush(sourceID string) {
	if st, err := b.lookup(sourceID); err == nil {
		st.flushAll()
	}
}

// Close marks a source finished: pending bytes are flushed, further appends
// fail with ErrSourceClosed, and subscriber channels close once drained.
// The stream's buffered events stay readable until Remove.
func (b *Broker) Close(sourceID string) {
	if st, err := b.lookup(sourceID); err == nil {
		st.close()
	}
}

// Remove discards a source and its buffer entirely.
func (b *Broker) Remove(sourceID string) {
	b.mu.Lock()
	st, ok := b.streams[sourceID]
	delete(b.streams, sourceID)
	b.mu.Unlock()
	if ok {
		st.close()
	}
}

// Subscribe attaches a consumer to a source. The subscription first
// receives all buffered-but-undelivered events in order, then live events
// as they arrive. Detach (Cancel) never affects the source itself.
func (b *Broker) Subscribe(sourceID string) (*Subscription, error) {
	st, err := b.lookup(sourceID)
	if err != nil {
		return nil, err
	}
	return st.subscribe(), nil
}

// Sources returns the IDs of all open streams.
func (b *Broker) Sources() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.streams))
	for src := range b.streams {
		out = append(out, src)
	}
	return out
}
