package events

import (
	"sync"
	"time"
)

// HistoryLimit is the number of events retained for late observers
const HistoryLimit = 100

// Bus fans events out to subscribers and keeps a bounded history.
//
// Publish never blocks: every subscriber owns a buffered channel and a
// subscriber that falls behind misses events.
type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  uint64

	histMu  sync.RWMutex
	history []Event
	limit   int
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{
		subs:  make(map[uint64]chan Event),
		limit: HistoryLimit,
	}
}

// Publish records the event and delivers it to current subscribers
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.histMu.Lock()
	b.history = append(b.history, Event{})
	copy(b.history[1:], b.history)
	b.history[0] = e
	if len(b.history) > b.limit {
		b.history = b.history[:b.limit]
	}
	b.histMu.Unlock()

	// Holding the read lock keeps unsubscribe from closing a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe registers an observer for events published from now on.
// The returned function unsubscribes and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsubscribe
}

// Subscribers returns the number of active subscribers
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// History returns a copy of retained events, most recent first
func (b *Bus) History() []Event {
	b.histMu.RLock()
	defer b.histMu.RUnlock()
	out := make([]Event, len(b.history))
	copy(out, b.history)
	return out
}
