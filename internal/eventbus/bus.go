// Package eventbus is the in-process publish/subscribe layer between the
// call core and presentation. Topics are typed variants of domain.Event;
// subscribers switch on concrete types.
package eventbus

import (
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/speakmate/callkit/internal/core/domain"
)

const subscriberBuffer = 16

// Bus fans out events to all current subscribers. Publishing never blocks:
// a subscriber that falls behind has events dropped, not the publisher stalled.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan domain.Event
	nextID int
	closed bool
}

func New() *Bus {
	return &Bus{subs: make(map[int]chan domain.Event)}
}

// Subscribe registers a new subscriber. cancel detaches it and closes its
// channel; calling cancel more than once is safe.
func (b *Bus) Subscribe() (<-chan domain.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan domain.Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber.
func (b *Bus) Publish(ev domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			log.Warn().Str("topic", string(ev.Topic())).Msg("Slow event subscriber, dropping event")
		}
	}
}

// Close detaches all subscribers and closes their channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
