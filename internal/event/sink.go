package event

import (
	"sync"
	"sync/atomic"
)

//go:generate mockgen -destination=mocks/sink.go -package=mocks FinLedger/internal/event Sink

// Sink receives ledger events. Emit must not block the caller for long and
// has no way to report failure: delivery is fire-and-forget.
type Sink interface {
	Emit(evt LedgerEvent)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(evt LedgerEvent)

func (f SinkFunc) Emit(evt LedgerEvent) { f(evt) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(LedgerEvent) {})

// MultiSink fans one event out to several sinks in order.
type MultiSink []Sink

func (m MultiSink) Emit(evt LedgerEvent) {
	for _, s := range m {
		if s != nil {
			s.Emit(evt)
		}
	}
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []LedgerEvent
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Emit(evt LedgerEvent) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []LedgerEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LedgerEvent, len(r.events))
	copy(out, r.events)
	return out
}

// Reset forgets recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

// ChannelSink forwards events to a buffered channel without blocking.
// Events are dropped when the channel is full.
type ChannelSink struct {
	ch      chan<- LedgerEvent
	dropped atomic.Int64
	onDrop  func(evt LedgerEvent)
}

func NewChannelSink(ch chan<- LedgerEvent, onDrop func(evt LedgerEvent)) *ChannelSink {
	return &ChannelSink{ch: ch, onDrop: onDrop}
}

func (c *ChannelSink) Emit(evt LedgerEvent) {
	select {
	case c.ch <- evt:
	default:
		c.dropped.Add(1)
		if c.onDrop != nil {
			c.onDrop(evt)
		}
	}
}

// Dropped returns how many events were discarded.
func (c *ChannelSink) Dropped() int64 {
	return c.dropped.Load()
}
