// Package remote defines the contract of the authoritative multi-tenant
// system of record and the record helpers shared by its backends.
//
// Records cross the boundary as JSON-shaped maps. Backends live in the
// memremote (in-process) and pgremote (Postgres) subpackages.
package remote

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/roach88/tillsync/internal/domain"
)

var (
	// ErrNotFound is returned when a patched or read record does not exist.
	ErrNotFound = errors.New("remote: record not found")

	// ErrInsufficientStock is returned by DecrementStock when the floor
	// check refuses a decrement.
	ErrInsufficientStock = errors.New("remote: insufficient stock")

	// ErrUnavailable is returned when the remote cannot be reached.
	ErrUnavailable = errors.New("remote: unavailable")
)

// Record is one remote row as a JSON-shaped map.
type Record map[string]any

// Query selects records from one collection. Where matches fields by
// equality; OrderBy sorts by one field; Limit 0 means no limit.
type Query struct {
	Where   map[string]any
	OrderBy string
	Desc    bool
	Limit   int
}

// Remote is the system of record. Every call is tenant-agnostic; callers
// scope queries with a tenant_id filter.
type Remote interface {
	// Upsert inserts or replaces rec, keyed by its "id" field.
	Upsert(ctx context.Context, collection string, rec Record) error

	// Patch merges fields into an existing record.
	Patch(ctx context.Context, collection, id string, fields Record) error

	// PatchIf merges fields only if every expect field still holds its
	// value. Returns false when the precondition failed.
	PatchIf(ctx context.Context, collection, id string, expect, fields Record) (bool, error)

	Select(ctx context.Context, collection string, q Query) ([]Record, error)

	// Delete removes a record. Deleting a missing record is not an error.
	Delete(ctx context.Context, collection, id string) error

	// SubmitOrder writes an order header and its items in one transaction.
	SubmitOrder(ctx context.Context, header Record, items []Record) error

	// ReplaceOrder patches an order header and replaces its whole item set
	// in one transaction.
	ReplaceOrder(ctx context.Context, orderID string, fields Record, items []Record) error
}

// StockDecrementer is implemented by backends that can apply a stock ledger
// row atomically: insert the movement (skipping it if its id exists) and
// adjust the stock item's current_stock by mv.Delta. With floor set, a
// decrement that would go below zero fails with ErrInsufficientStock.
// Returns false when the movement had already been applied.
type StockDecrementer interface {
	DecrementStock(ctx context.Context, mv domain.StockMovement, floor bool) (bool, error)
}

// Incrementer is implemented by backends with an atomic upsert-increment.
// A missing record is created from set with deltas starting at zero; an
// existing one gets set fields overwritten and deltas added.
type Incrementer interface {
	Increment(ctx context.Context, collection, id string, set Record, deltas map[string]decimal.Decimal) error
}
