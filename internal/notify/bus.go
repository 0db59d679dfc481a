package notify

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/entitysync/internal/ids"
)

const defaultSubscriberBuffer = 64

// Bus fans events out to in-process subscribers. A subscriber that falls behind loses events
// rather than blocking the engine worker.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	kinds  map[ids.Kind]struct{}
	stream chan Event
}

// NewBus creates a bus whose subscribers buffer bufferSize events; non-positive selects the default.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = defaultSubscriberBuffer
	}
	return &Bus{
		subscribers: make(map[int64]*subscriber),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a stream of events limited to kinds, or of every event when kinds is empty.
// The subscription ends when ctx is done or cleanup is called.
func (b *Bus) Subscribe(ctx context.Context, kinds ...ids.Kind) (<-chan Event, func()) {
	sub := &subscriber{
		stream: make(chan Event, b.bufferSize),
	}
	if len(kinds) > 0 {
		sub.kinds = make(map[ids.Kind]struct{}, len(kinds))
		for _, kind := range kinds {
			sub.kinds[kind] = struct{}{}
		}
	}
	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subscribers[sub.id] = sub
	b.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, sub.id)
			b.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish delivers event to every matching subscriber without blocking.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	if len(b.subscribers) == 0 {
		b.mu.RUnlock()
		return
	}
	targets := make([]*subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		if sub.accepts(event.Kind) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()
	for _, sub := range targets {
		select {
		case sub.stream <- event:
		default:
		}
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (s *subscriber) accepts(kind ids.Kind) bool {
	if s.kinds == nil {
		return true
	}
	_, ok := s.kinds[kind]
	return ok
}
