// Package notify carries tenant-scoped change signals from the system of
// record to the read hooks.
//
// An Event only says that something changed; consumers refetch. Delivery is
// coalescing: a subscriber that has not drained its channel yet receives at
// most one pending event.
package notify

import (
	"context"
	"time"

	"github.com/roach88/tillsync/internal/domain"
)

// Entity is the kind of data a change signal is about.
type Entity string

const (
	EntityOrders Entity = "orders"
	EntityTables Entity = "tables"
)

// Event is one change signal.
type Event struct {
	TenantID string    `json:"tenant_id"`
	Entity   Entity    `json:"entity"`
	At       time.Time `json:"at"`
}

// Publisher emits change signals.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Subscriber opens tenant-scoped subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context, tenantID string, entity Entity) (Subscription, error)
}

// Subscription delivers events until closed. Events is closed after Close
// returns or when the underlying transport goes away.
type Subscription interface {
	Events() <-chan Event
	Close() error
}

// EntityFor maps a remote collection to the entity its writes signal.
func EntityFor(collection string) (Entity, bool) {
	switch collection {
	case domain.CollectionOrders, domain.CollectionOrderItems:
		return EntityOrders, true
	case domain.CollectionTables:
		return EntityTables, true
	}
	return "", false
}
