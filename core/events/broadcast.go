package events

import (
	"sync"

	"dailymint/core/types"
)

const defaultBacklog = 256

// Broadcaster fans committed events out to live subscribers and keeps a short
// backlog so late joiners can catch up. Subscribers that fall behind by more
// than their channel capacity are disconnected rather than blocking the ledger.
type Broadcaster struct {
	mu      sync.Mutex
	backlog []*types.Event
	limit   int
	nextID  uint64
	subs    map[uint64]chan *types.Event
}

// NewBroadcaster constructs a broadcaster retaining up to backlog events.
func NewBroadcaster(backlog int) *Broadcaster {
	if backlog <= 0 {
		backlog = defaultBacklog
	}
	return &Broadcaster{limit: backlog, subs: make(map[uint64]chan *types.Event)}
}

// Emit implements the Emitter interface.
func (b *Broadcaster) Emit(evt Event) {
	payload, ok := Unwrap(evt)
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.backlog = append(b.backlog, payload.Clone())
	if len(b.backlog) > b.limit {
		b.backlog = append([]*types.Event(nil), b.backlog[len(b.backlog)-b.limit:]...)
	}
	for id, ch := range b.subs {
		select {
		case ch <- payload.Clone():
		default:
			close(ch)
			delete(b.subs, id)
		}
	}
}

// Subscribe registers a live subscriber. The returned backlog holds events
// emitted before the call; the channel receives everything after it. Callers
// must invoke cancel when done.
func (b *Broadcaster) Subscribe(buffer int) (<-chan *types.Event, func(), []*types.Event) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan *types.Event, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	backlog := make([]*types.Event, len(b.backlog))
	for i, evt := range b.backlog {
		backlog[i] = evt.Clone()
	}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if existing, ok := b.subs[id]; ok {
				close(existing)
				delete(b.subs, id)
			}
			b.mu.Unlock()
		})
	}
	return ch, cancel, backlog
}

// Subscribers reports the number of live subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
