package events

import (
	"errors"
	"sync"

	"orgsim/internal/domain"
)

var ErrUnknownSubscriber = errors.New("subscriber is not registered in bus")

// Bus fans orchestrator events out to named subscribers over bounded
// channels. Publish never blocks: a subscriber that cannot keep up loses
// events, and the caller learns how many were dropped.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]chan domain.Event
	buffer int
}

func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[string]chan domain.Event),
		buffer: buffer,
	}
}

func (b *Bus) Subscribe(name string) <-chan domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[name]; ok {
		return ch
	}
	ch := make(chan domain.Event, b.buffer)
	b.subs[name] = ch
	return ch
}

func (b *Bus) Unsubscribe(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subs[name]
	if !ok {
		return
	}
	delete(b.subs, name)
	close(ch)
}

// Publish delivers evt to every subscriber and returns the number of
// subscribers whose buffer was full.
func (b *Bus) Publish(evt domain.Event) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	dropped := 0
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			dropped++
		}
	}
	return dropped
}
