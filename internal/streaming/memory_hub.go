package streaming

import (
	"context"
	"sync"
)

const subscriberBuffer = 64

// MemoryHub is the in-process Hub. Each subscriber gets a buffered channel;
// a publish that finds the buffer full drops the event for that subscriber
// rather than blocking the run.
type MemoryHub struct {
	mu   sync.RWMutex
	subs map[*memorySub]struct{}
}

type memorySub struct {
	filter Filter
	events chan StatusEvent
	once   sync.Once
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[*memorySub]struct{})}
}

// Publish fans the event out to every subscriber whose filter matches.
func (h *MemoryHub) Publish(ctx context.Context, event StatusEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs {
		if !sub.filter.Matches(event) {
			continue
		}
		select {
		case sub.events <- event:
		default:
			// slow subscriber, drop
		}
	}
	return nil
}

// Subscribe registers a filtered subscription. The returned cancel func is
// safe to call more than once.
func (h *MemoryHub) Subscribe(ctx context.Context, filter Filter) (<-chan StatusEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	sub := &memorySub{
		filter: filter,
		events: make(chan StatusEvent, subscriberBuffer),
	}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		sub.once.Do(func() {
			h.mu.Lock()
			delete(h.subs, sub)
			h.mu.Unlock()
		})
	}
	return sub.events, cancel, nil
}
