package notify

import (
	"context"
	"sync"
)

// Hub is an in-process Publisher and Subscriber.
//
// Thread-safety: all methods are safe for concurrent use.
type Hub struct {
	mu   sync.Mutex
	subs map[*hubSubscription]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*hubSubscription]struct{})}
}

// Publish signals every subscription matching the event's tenant and entity.
// It never blocks: a subscription with an undelivered event keeps that one.
func (h *Hub) Publish(_ context.Context, ev Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs {
		if sub.tenantID != ev.TenantID || sub.entity != ev.Entity {
			continue
		}
		select {
		case sub.events <- ev:
		default:
		}
	}
	return nil
}

// Subscribe registers a subscription for one tenant and entity.
func (h *Hub) Subscribe(_ context.Context, tenantID string, entity Entity) (Subscription, error) {
	sub := &hubSubscription{
		hub:      h,
		tenantID: tenantID,
		entity:   entity,
		events:   make(chan Event, 1),
	}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub, nil
}

// Subscribers returns the number of open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

type hubSubscription struct {
	hub      *Hub
	tenantID string
	entity   Entity
	events   chan Event
	once     sync.Once
}

func (s *hubSubscription) Events() <-chan Event { return s.events }

// Close unregisters the subscription and closes its channel. Safe to call
// more than once.
func (s *hubSubscription) Close() error {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s)
		close(s.events)
		s.hub.mu.Unlock()
	})
	return nil
}
