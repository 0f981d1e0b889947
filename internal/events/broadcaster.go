package events

import (
	"sync"

	"github.com/vadiminshakov/arbiter/internal/domain"
)

// Broadcaster fans out journaled event records to all subscribers via buffered channels.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[chan domain.EventRecord]struct{}
	buffer int
}

// NewBroadcaster creates a broadcaster with the given per-subscriber buffer.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer < 1 {
		buffer = 64
	}
	return &Broadcaster{
		subs:   make(map[chan domain.EventRecord]struct{}),
		buffer: buffer,
	}
}

// Publish sends the record to all subscribers, dropping if a reader is slow.
func (b *Broadcaster) Publish(r domain.EventRecord) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- r:
		default:
			// drop slow consumer
		}
	}
}

// Subscribe returns a channel that receives records until Unsubscribe is called.
func (b *Broadcaster) Subscribe() chan domain.EventRecord {
	ch := make(chan domain.EventRecord, b.buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes the channel and closes it.
func (b *Broadcaster) Unsubscribe(ch chan domain.EventRecord) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Subscribers returns the number of live subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
