// Package memremote is an in-process system of record.
//
// It implements remote.Remote together with the optional StockDecrementer
// and Incrementer primitives, and supports going offline and injecting
// faults per operation. Every write to orders, order items or tables is
// signalled through an optional notify.Publisher.
package memremote

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/roach88/tillsync/internal/domain"
	"github.com/roach88/tillsync/internal/notify"
	"github.com/roach88/tillsync/internal/remote"
)

// Operation names used for fault injection and call counting.
const (
	OpUpsert         = "upsert"
	OpPatch          = "patch"
	OpPatchIf        = "patch_if"
	OpSelect         = "select"
	OpDelete         = "delete"
	OpSubmitOrder    = "submit_order"
	OpReplaceOrder   = "replace_order"
	OpDecrementStock = "decrement_stock"
	OpIncrement      = "increment"
)

// FaultFunc decides whether an operation on a collection fails. Returning
// nil lets the call through.
type FaultFunc func(op, collection string) error

// Remote is the in-memory backend.
//
// Thread-safety: all methods are safe for concurrent use. Records are deep
// copied on the way in and out.
type Remote struct {
	mu      sync.Mutex
	data    map[string]map[string]remote.Record
	offline bool
	fault   FaultFunc
	calls   map[string]int

	pub   notify.Publisher
	clock domain.Clock
}

// Option configures a Remote.
type Option func(*Remote)

// WithPublisher sets the publisher for change signals.
func WithPublisher(p notify.Publisher) Option {
	return func(r *Remote) { r.pub = p }
}

// WithClock sets the clock stamped on change signals.
func WithClock(c domain.Clock) Option {
	return func(r *Remote) { r.clock = c }
}

// New creates an empty remote.
func New(opts ...Option) *Remote {
	r := &Remote{
		data:  make(map[string]map[string]remote.Record),
		calls: make(map[string]int),
		clock: domain.SystemClock{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetOffline makes every call fail with remote.ErrUnavailable.
func (r *Remote) SetOffline(offline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offline = offline
}

// SetFault installs a fault injector; nil removes it.
func (r *Remote) SetFault(f FaultFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fault = f
}

// Calls returns how many times an operation was attempted.
func (r *Remote) Calls(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[op]
}

// Seed stores values (structs or records) directly, bypassing faults and
// signals.
func (r *Remote) Seed(collection string, values ...any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range values {
		rec, ok := v.(remote.Record)
		if !ok {
			var err error
			if rec, err = remote.ToRecord(v); err != nil {
				return err
			}
		}
		if rec.ID() == "" {
			return fmt.Errorf("seed %s: record has no id", collection)
		}
		r.put(collection, rec)
	}
	return nil
}

// Get returns a copy of one stored record.
func (r *Remote) Get(collection, id string) (remote.Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.data[collection][id]
	return remote.Clone(rec), ok
}

// All returns copies of every record in a collection, ordered by id.
func (r *Remote) All(collection string) []remote.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.all(collection)
}

// Basic hides the optional primitives so callers exercise their fallbacks.
func Basic(r *Remote) remote.Remote {
	return basic{r}
}

type basic struct{ remote.Remote }

// begin counts the call and applies offline and fault checks. Must be
// called with r.mu held.
func (r *Remote) begin(op, collection string) error {
	r.calls[op]++
	if r.offline {
		return fmt.Errorf("%s %s: %w", op, collection, remote.ErrUnavailable)
	}
	if r.fault != nil {
		if err := r.fault(op, collection); err != nil {
			return err
		}
	}
	return nil
}

func (r *Remote) put(collection string, rec remote.Record) {
	coll, ok := r.data[collection]
	if !ok {
		coll = make(map[string]remote.Record)
		r.data[collection] = coll
	}
	coll[rec.ID()] = remote.Clone(rec)
}

func (r *Remote) all(collection string) []remote.Record {
	coll := r.data[collection]
	ids := make([]string, 0, len(coll))
	for id := range coll {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]remote.Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, remote.Clone(coll[id]))
	}
	return out
}

// signal publishes a change for collections that have subscribers. Must be
// called without r.mu held.
func (r *Remote) signal(ctx context.Context, collection, tenantID string) {
	if r.pub == nil || tenantID == "" {
		return
	}
	entity, ok := notify.EntityFor(collection)
	if !ok {
		return
	}
	r.pub.Publish(ctx, notify.Event{TenantID: tenantID, Entity: entity, At: r.clock.Now()})
}

func (r *Remote) Upsert(ctx context.Context, collection string, rec remote.Record) error {
	r.mu.Lock()
	if err := r.begin(OpUpsert, collection); err != nil {
		r.mu.Unlock()
		return err
	}
	if rec.ID() == "" {
		r.mu.Unlock()
		return fmt.Errorf("upsert %s: record has no id", collection)
	}
	r.put(collection, rec)
	r.mu.Unlock()

	r.signal(ctx, collection, rec.TenantID())
	return nil
}

func (r *Remote) Patch(ctx context.Context, collection, id string, fields remote.Record) error {
	r.mu.Lock()
	if err := r.begin(OpPatch, collection); err != nil {
		r.mu.Unlock()
		return err
	}
	tenantID, err := r.patch(collection, id, fields)
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("patch %s/%s: %w", collection, id, err)
	}

	r.signal(ctx, collection, tenantID)
	return nil
}

func (r *Remote) patch(collection, id string, fields remote.Record) (string, error) {
	rec, ok := r.data[collection][id]
	if !ok {
		return "", remote.ErrNotFound
	}
	for k, v := range remote.Clone(fields) {
		rec[k] = v
	}
	return rec.TenantID(), nil
}

func (r *Remote) PatchIf(ctx context.Context, collection, id string, expect, fields remote.Record) (bool, error) {
	r.mu.Lock()
	if err := r.begin(OpPatchIf, collection); err != nil {
		r.mu.Unlock()
		return false, err
	}
	rec, ok := r.data[collection][id]
	if !ok {
		r.mu.Unlock()
		return false, fmt.Errorf("patch %s/%s: %w", collection, id, remote.ErrNotFound)
	}
	if !remote.Matches(rec, expect) {
		r.mu.Unlock()
		return false, nil
	}
	tenantID, _ := r.patch(collection, id, fields)
	r.mu.Unlock()

	r.signal(ctx, collection, tenantID)
	return true, nil
}

func (r *Remote) Select(_ context.Context, collection string, q remote.Query) ([]remote.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(OpSelect, collection); err != nil {
		return nil, err
	}
	return remote.Apply(r.all(collection), q), nil
}

func (r *Remote) Delete(ctx context.Context, collection, id string) error {
	r.mu.Lock()
	if err := r.begin(OpDelete, collection); err != nil {
		r.mu.Unlock()
		return err
	}
	rec, ok := r.data[collection][id]
	delete(r.data[collection], id)
	r.mu.Unlock()

	if ok {
		r.signal(ctx, collection, rec.TenantID())
	}
	return nil
}

func (r *Remote) SubmitOrder(ctx context.Context, header remote.Record, items []remote.Record) error {
	r.mu.Lock()
	if err := r.begin(OpSubmitOrder, domain.CollectionOrders); err != nil {
		r.mu.Unlock()
		return err
	}
	if header.ID() == "" {
		r.mu.Unlock()
		return fmt.Errorf("submit order: header has no id")
	}
	r.put(domain.CollectionOrders, header)
	for _, item := range items {
		r.put(domain.CollectionOrderItems, item)
	}
	r.mu.Unlock()

	r.signal(ctx, domain.CollectionOrders, header.TenantID())
	return nil
}

func (r *Remote) ReplaceOrder(ctx context.Context, orderID string, fields remote.Record, items []remote.Record) error {
	r.mu.Lock()
	if err := r.begin(OpReplaceOrder, domain.CollectionOrders); err != nil {
		r.mu.Unlock()
		return err
	}
	tenantID, err := r.patch(domain.CollectionOrders, orderID, fields)
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("replace order %s: %w", orderID, err)
	}
	for id, item := range r.data[domain.CollectionOrderItems] {
		if item["order_id"] == orderID {
			delete(r.data[domain.CollectionOrderItems], id)
		}
	}
	for _, item := range items {
		r.put(domain.CollectionOrderItems, item)
	}
	r.mu.Unlock()

	r.signal(ctx, domain.CollectionOrders, tenantID)
	return nil
}

// DecrementStock implements remote.StockDecrementer.
func (r *Remote) DecrementStock(_ context.Context, mv domain.StockMovement, floor bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(OpDecrementStock, domain.CollectionInventoryItems); err != nil {
		return false, err
	}

	if _, ok := r.data[domain.CollectionStockMovements][mv.ID]; ok {
		return false, nil
	}
	item, ok := r.data[domain.CollectionInventoryItems][mv.StockItemID]
	if !ok {
		return false, fmt.Errorf("decrement %s: %w", mv.StockItemID, remote.ErrNotFound)
	}

	next := remote.DecimalField(item, "current_stock").Add(mv.Delta)
	if floor && next.IsNegative() {
		return false, fmt.Errorf("decrement %s: %w", mv.StockItemID, remote.ErrInsufficientStock)
	}

	ledger, err := remote.ToRecord(mv)
	if err != nil {
		return false, err
	}
	item["current_stock"] = remote.Sum(item["current_stock"], mv.Delta)
	r.put(domain.CollectionStockMovements, ledger)
	return true, nil
}

// Increment implements remote.Incrementer.
func (r *Remote) Increment(_ context.Context, collection, id string, set remote.Record, deltas map[string]decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(OpIncrement, collection); err != nil {
		return err
	}

	rec, ok := r.data[collection][id]
	if !ok {
		rec = remote.Record{"id": id}
	}
	for k, v := range remote.Clone(set) {
		rec[k] = v
	}
	for k, d := range deltas {
		rec[k] = remote.Sum(rec[k], d)
	}
	r.put(collection, rec)
	return nil
}
