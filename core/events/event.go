package events

import (
	"sync"

	"dailymint/core/types"
)

// Event represents a structured state change emitted by the ledger.
type Event interface {
	EventType() string
}

// Payload is implemented by events that carry a broadcastable attribute map.
type Payload interface {
	Event
	Event() *types.Event
}

// Emitter broadcasts events to downstream subscribers (e.g. RPC, indexers).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

type envelope struct {
	evt *types.Event
}

func (e envelope) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e envelope) Event() *types.Event { return e.evt }

// Wrap converts a raw event payload into the emitter-friendly envelope.
func Wrap(evt *types.Event) Event { return envelope{evt: evt} }

// Unwrap extracts the attribute payload from an event when available.
func Unwrap(evt Event) (*types.Event, bool) {
	payload, ok := evt.(Payload)
	if !ok || payload.Event() == nil {
		return nil, false
	}
	return payload.Event(), true
}

// Multi fans every event out to each configured emitter in order.
type Multi []Emitter

// Emit implements the Emitter interface.
func (m Multi) Emit(evt Event) {
	for _, emitter := range m {
		if emitter != nil {
			emitter.Emit(evt)
		}
	}
}

// Buffer holds events produced while a state transition is in flight. They
// are released with Flush once the transition commits and dropped otherwise.
type Buffer struct {
	pending []Event
}

// Emit implements the Emitter interface.
func (b *Buffer) Emit(evt Event) {
	if evt == nil {
		return
	}
	b.pending = append(b.pending, evt)
}

// Len reports the number of buffered events.
func (b *Buffer) Len() int { return len(b.pending) }

// Events returns the buffered events in emission order.
func (b *Buffer) Events() []Event {
	return append([]Event(nil), b.pending...)
}

// Flush forwards buffered events to the emitter and clears the buffer.
func (b *Buffer) Flush(to Emitter) {
	pending := b.pending
	b.pending = nil
	if to == nil {
		return
	}
	for _, evt := range pending {
		to.Emit(evt)
	}
}

// Reset discards buffered events.
func (b *Buffer) Reset() { b.pending = nil }

// Recorder is a concurrency-safe emitter that retains every event. It backs
// tests and the in-process event history.
type Recorder struct {
	mu     sync.Mutex
	events []*types.Event
}

// Emit implements the Emitter interface.
func (r *Recorder) Emit(evt Event) {
	payload, ok := Unwrap(evt)
	if !ok {
		return
	}
	r.mu.Lock()
	r.events = append(r.events, payload.Clone())
	r.mu.Unlock()
}

// Events returns copies of the recorded payloads.
func (r *Recorder) Events() []*types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*types.Event, len(r.events))
	for i, evt := range r.events {
		out[i] = evt.Clone()
	}
	return out
}

// OfType returns recorded payloads matching the event type.
func (r *Recorder) OfType(eventType string) []*types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*types.Event
	for _, evt := range r.events {
		if evt.Type == eventType {
			out = append(out, evt.Clone())
		}
	}
	return out
}

// Reset clears recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
