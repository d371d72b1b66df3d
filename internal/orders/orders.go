// Package orders is the optimistic write path.
//
// Every mutation writes the local record and enqueues the matching job in
// one store transaction, then wakes the sync engine. Callers see the new
// state immediately; the remote catches up when the queue drains.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/roach88/tillsync/internal/domain"
	"github.com/roach88/tillsync/internal/remote"
	"github.com/roach88/tillsync/internal/stock"
	"github.com/roach88/tillsync/internal/store"
)

var (
	// ErrNotFound is returned when an order or table is not cached for the
	// tenant.
	ErrNotFound = errors.New("orders: not found")

	// ErrInvalidRequest is returned for malformed requests.
	ErrInvalidRequest = errors.New("orders: invalid request")

	// ErrPromoNotFound is returned when a promo code does not exist.
	ErrPromoNotFound = errors.New("orders: promo code not found")

	// ErrPromoUnusable is returned for inactive, exhausted or expired codes.
	ErrPromoUnusable = errors.New("orders: promo code not usable")
)

// Notifier is woken after every enqueue. Implemented by *engine.Processor.
type Notifier interface {
	Notify()
}

// StockChecker is the pre-flight gate used at checkout. Implemented by
// *stock.Reserver.
type StockChecker interface {
	CheckAvailability(ctx context.Context, tenantID string, items []domain.LineItem) (stock.Availability, error)
}

type nopNotifier struct{}

func (nopNotifier) Notify() {}

// Service applies order lifecycle mutations for one terminal.
type Service struct {
	store    *store.Store
	remote   remote.Remote
	stock    StockChecker
	clock    domain.Clock
	ids      domain.IDGenerator
	notifier Notifier
	taxRate  decimal.Decimal
	logger   *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the clock used for timestamps.
func WithClock(c domain.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithIDGenerator sets the generator for order and line item ids.
func WithIDGenerator(g domain.IDGenerator) Option {
	return func(s *Service) { s.ids = g }
}

// WithNotifier sets who is woken after an enqueue.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithStockChecker replaces the availability check used by Settle.
func WithStockChecker(c StockChecker) Option {
	return func(s *Service) { s.stock = c }
}

// WithTaxRate sets the tax rate applied to order totals, e.g. 0.1 for 10%.
func WithTaxRate(rate decimal.Decimal) Option {
	return func(s *Service) { s.taxRate = rate }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// New creates a Service writing to st. rm is consulted only for interactive
// checks (stock availability and promo validation).
func New(st *store.Store, rm remote.Remote, opts ...Option) *Service {
	s := &Service{
		store:    st,
		remote:   rm,
		clock:    domain.SystemClock{},
		ids:      domain.UUIDv7Generator{},
		notifier: nopNotifier{},
		taxRate:  decimal.Zero,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.stock == nil {
		s.stock = stock.New(rm, stock.WithClock(s.clock), stock.WithLogger(s.logger))
	}
	return s
}

// ItemInput is one requested line.
type ItemInput struct {
	MenuItemID string
	Name       string
	Quantity   int
	UnitPrice  decimal.Decimal
	Variant    string
	Notes      string
}

// CreateOrderRequest opens a new order.
type CreateOrderRequest struct {
	TenantID    string
	OrderType   domain.OrderType
	TableID     string
	PeopleCount int
	Items       []ItemInput
	Discount    decimal.Decimal
	Customer    *domain.CustomerSnapshot
	Notes       string
	CreatedBy   string
}

// SettleRequest bills an order.
type SettleRequest struct {
	TenantID      string
	OrderID       string
	PaymentMethod string
	PromoCode     string
	Customer      *domain.CustomerSnapshot

	// Override settles despite a failed stock check. OverrideReason is
	// required with it.
	Override       bool
	OverrideReason string
}

// CreateOrder prices and stores a NEW order. A dine-in order also seats its
// party at the table.
func (s *Service) CreateOrder(ctx context.Context, req CreateOrderRequest) (domain.Order, error) {
	if req.TenantID == "" {
		return domain.Order{}, fmt.Errorf("%w: tenant id is required", ErrInvalidRequest)
	}
	if req.OrderType == "" {
		req.OrderType = domain.OrderTypeTakeaway
	}
	if req.OrderType == domain.OrderTypeDineIn && req.TableID == "" {
		return domain.Order{}, fmt.Errorf("%w: dine-in order needs a table", ErrInvalidRequest)
	}

	var tbl domain.Table
	if req.OrderType == domain.OrderTypeDineIn {
		var err error
		if tbl, err = s.table(ctx, req.TenantID, req.TableID); err != nil {
			return domain.Order{}, err
		}
	}

	now := s.clock.Now()
	o := domain.Order{
		ID:          s.ids.NewID(),
		TenantID:    req.TenantID,
		Status:      domain.StatusNew,
		OrderType:   req.OrderType,
		TableID:     tbl.ID,
		TableName:   tbl.Name,
		PeopleCount: req.PeopleCount,
		Customer:    req.Customer,
		Notes:       req.Notes,
		CreatedBy:   req.CreatedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	items, err := s.lineItems(o, req.Items)
	if err != nil {
		return domain.Order{}, err
	}
	o.Items = items
	o.ApplyTotals(domain.ComputeTotals(items, s.taxRate, req.Discount))

	muts := []store.Mutation{{
		Collection: domain.CollectionOrders,
		Record:     o,
		Job:        &domain.CreateOrder{Order: o},
	}}
	if o.DineIn() {
		muts = append(muts, tableMutation(tbl, tbl.Seat(req.PeopleCount)))
	}

	if _, err := s.store.Commit(ctx, muts...); err != nil {
		return domain.Order{}, fmt.Errorf("create order: %w", err)
	}
	s.logger.Info("order created", "order_id", o.ID, "tenant_id", o.TenantID, "items", len(o.Items), "total", o.Total)
	s.notifier.Notify()
	return o, nil
}

// UpdateOrder patches notes, customer or party size of an open order.
// Status changes go through Advance, Settle or Cancel.
func (s *Service) UpdateOrder(ctx context.Context, tenantID, orderID string, patch domain.OrderPatch) (domain.Order, error) {
	if patch.Status != nil {
		return domain.Order{}, fmt.Errorf("%w: use Advance to change status", ErrInvalidRequest)
	}
	o, err := s.openOrder(ctx, tenantID, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if patch.Empty() {
		return o, nil
	}
	return s.patch(ctx, o, patch)
}

// ReplaceItems swaps an open order's line items and reprices it.
func (s *Service) ReplaceItems(ctx context.Context, tenantID, orderID string, inputs []ItemInput) (domain.Order, error) {
	o, err := s.openOrder(ctx, tenantID, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	items, err := s.lineItems(o, inputs)
	if err != nil {
		return domain.Order{}, err
	}
	o.Items = items
	o.ApplyTotals(domain.ComputeTotals(items, s.taxRate, o.Discount))
	o.UpdatedAt = s.clock.Now()
	o.IsSynced = false

	_, err = s.store.Commit(ctx, store.Mutation{
		Collection: domain.CollectionOrders,
		Record:     o,
		Job:        &domain.UpdateOrderFull{Order: o},
	})
	if err != nil {
		return domain.Order{}, fmt.Errorf("replace items: %w", err)
	}
	s.notifier.Notify()
	return o, nil
}

// Advance moves an order along the kitchen flow (NEW, IN_KITCHEN, READY) or
// archives a billed order.
func (s *Service) Advance(ctx context.Context, tenantID, orderID string, to domain.Status) (domain.Order, error) {
	switch to {
	case domain.StatusInKitchen, domain.StatusReady, domain.StatusArchived:
	case domain.StatusBilled:
		return domain.Order{}, fmt.Errorf("%w: use Settle to bill", ErrInvalidRequest)
	case domain.StatusCancelled:
		return domain.Order{}, fmt.Errorf("%w: use Cancel to cancel", ErrInvalidRequest)
	default:
		return domain.Order{}, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, to)
	}

	o, err := s.order(ctx, tenantID, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if err := domain.CheckTransition(o.Status, to); err != nil {
		return domain.Order{}, err
	}
	return s.patch(ctx, o, domain.OrderPatch{Status: &to})
}

// Settle bills a READY order. Stock is checked first and a shortfall aborts
// with stock.ErrInsufficientStock unless the request overrides it. A promo
// code is validated against the remote. Remote failures of either check
// abort the settlement.
func (s *Service) Settle(ctx context.Context, req SettleRequest) (domain.Order, error) {
	if req.PaymentMethod == "" {
		return domain.Order{}, fmt.Errorf("%w: payment method is required", ErrInvalidRequest)
	}
	o, err := s.order(ctx, req.TenantID, req.OrderID)
	if err != nil {
		return domain.Order{}, err
	}
	if err := domain.CheckTransition(o.Status, domain.StatusBilled); err != nil {
		return domain.Order{}, err
	}

	avail, err := s.stock.CheckAvailability(ctx, o.TenantID, o.Items)
	if err != nil {
		return domain.Order{}, fmt.Errorf("check stock: %w", err)
	}
	override := false
	if !avail.OK {
		if !req.Override {
			return domain.Order{}, avail.Err()
		}
		if strings.TrimSpace(req.OverrideReason) == "" {
			return domain.Order{}, fmt.Errorf("%w: override needs a reason", ErrInvalidRequest)
		}
		override = true
		s.logger.Warn("settling without stock",
			"order_id", o.ID,
			"tenant_id", o.TenantID,
			"reason", req.OverrideReason,
			"shortfalls", len(avail.Shortfalls),
		)
	}

	discount := o.Discount
	if req.PromoCode != "" {
		promo, err := s.ValidatePromo(ctx, o.TenantID, req.PromoCode)
		if err != nil {
			return domain.Order{}, err
		}
		discount = promo.Discount
		o.PromoCode = promo.Code
	}
	if req.Customer != nil {
		c := *req.Customer
		o.Customer = &c
	}

	now := s.clock.Now()
	o.ApplyTotals(domain.ComputeTotals(o.Items, s.taxRate, discount))
	o.Status = domain.StatusBilled
	o.PaymentMethod = req.PaymentMethod
	o.UpdatedAt = now
	o.IsSynced = false

	settlement := domain.Settlement{
		TenantID:      o.TenantID,
		OrderID:       o.ID,
		OrderType:     o.OrderType,
		TableID:       o.TableID,
		PeopleCount:   o.PeopleCount,
		Items:         o.Items,
		Subtotal:      o.Subtotal,
		Tax:           o.Tax,
		Discount:      o.Discount,
		Total:         o.Total,
		PaymentMethod: o.PaymentMethod,
		PromoCode:     o.PromoCode,
		Customer:      o.Customer,
		Override:      override,
		SettledAt:     now,
	}
	if override {
		settlement.OverrideReason = req.OverrideReason
	}

	muts := []store.Mutation{{
		Collection: domain.CollectionOrders,
		Record:     o,
		Job:        &domain.CompleteOrder{Settlement: settlement},
	}}
	// The cascade releases the remote table; locally it is freed now.
	if o.DineIn() {
		if tbl, ok := s.cachedTable(ctx, o.TenantID, o.TableID); ok {
			released := tbl.Release(o.PeopleCount)
			released.IsSynced = false
			muts = append(muts, store.Mutation{Collection: domain.CollectionTables, Record: released})
		}
	}

	if _, err := s.store.Commit(ctx, muts...); err != nil {
		return domain.Order{}, fmt.Errorf("settle order: %w", err)
	}
	s.logger.Info("order settled", "order_id", o.ID, "tenant_id", o.TenantID, "total", o.Total, "override", override)
	s.notifier.Notify()
	return o, nil
}

// Cancel cancels an order before billing and frees its table. Stock is not
// touched.
func (s *Service) Cancel(ctx context.Context, tenantID, orderID string) (domain.Order, error) {
	o, err := s.order(ctx, tenantID, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if err := domain.CheckTransition(o.Status, domain.StatusCancelled); err != nil {
		return domain.Order{}, err
	}

	status := domain.StatusCancelled
	patch := domain.OrderPatch{Status: &status, UpdatedAt: s.clock.Now()}
	patch.Apply(&o)
	o.IsSynced = false

	muts := []store.Mutation{{
		Collection: domain.CollectionOrders,
		Record:     o,
		Job:        &domain.UpdateOrder{TenantID: o.TenantID, OrderID: o.ID, Patch: patch},
	}}
	if o.DineIn() {
		if tbl, ok := s.cachedTable(ctx, o.TenantID, o.TableID); ok {
			muts = append(muts, tableMutation(tbl, tbl.Release(o.PeopleCount)))
		}
	}

	if _, err := s.store.Commit(ctx, muts...); err != nil {
		return domain.Order{}, fmt.Errorf("cancel order: %w", err)
	}
	s.logger.Info("order cancelled", "order_id", o.ID, "tenant_id", o.TenantID)
	s.notifier.Notify()
	return o, nil
}

// SetTable applies a direct patch to a table.
func (s *Service) SetTable(ctx context.Context, tenantID, tableID string, patch domain.TablePatch) (domain.Table, error) {
	tbl, err := s.table(ctx, tenantID, tableID)
	if err != nil {
		return domain.Table{}, err
	}
	if patch.Empty() {
		return tbl, nil
	}
	next := tbl
	patch.Apply(&next)
	m := tableMutation(tbl, next)
	if _, err := s.store.Commit(ctx, m); err != nil {
		return domain.Table{}, fmt.Errorf("set table: %w", err)
	}
	s.notifier.Notify()
	return m.Record.(domain.Table), nil
}

// ValidatePromo looks a code up on the remote and checks it can be used now.
func (s *Service) ValidatePromo(ctx context.Context, tenantID, code string) (domain.PromoCode, error) {
	code = strings.TrimSpace(code)
	recs, err := s.remote.Select(ctx, domain.CollectionPromoCodes, remote.Query{
		Where: map[string]any{"tenant_id": tenantID, "code": code},
		Limit: 1,
	})
	if err != nil {
		return domain.PromoCode{}, fmt.Errorf("validate promo %q: %w", code, err)
	}
	if len(recs) == 0 {
		return domain.PromoCode{}, fmt.Errorf("%w: %q", ErrPromoNotFound, code)
	}
	promo, err := remote.Decode[domain.PromoCode](recs[0])
	if err != nil {
		return domain.PromoCode{}, fmt.Errorf("validate promo %q: %w", code, err)
	}
	if !promo.Usable(s.clock.Now()) {
		return domain.PromoCode{}, fmt.Errorf("%w: %q", ErrPromoUnusable, code)
	}
	return promo, nil
}

func (s *Service) patch(ctx context.Context, o domain.Order, patch domain.OrderPatch) (domain.Order, error) {
	patch.UpdatedAt = s.clock.Now()
	patch.Apply(&o)
	o.IsSynced = false

	_, err := s.store.Commit(ctx, store.Mutation{
		Collection: domain.CollectionOrders,
		Record:     o,
		Job:        &domain.UpdateOrder{TenantID: o.TenantID, OrderID: o.ID, Patch: patch},
	})
	if err != nil {
		return domain.Order{}, fmt.Errorf("update order %s: %w", o.ID, err)
	}
	s.notifier.Notify()
	return o, nil
}

func (s *Service) lineItems(o domain.Order, inputs []ItemInput) ([]domain.LineItem, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: order has no items", ErrInvalidRequest)
	}
	items := make([]domain.LineItem, 0, len(inputs))
	for i, in := range inputs {
		if in.MenuItemID == "" {
			return nil, fmt.Errorf("%w: item %d has no menu item", ErrInvalidRequest, i)
		}
		if in.Quantity <= 0 {
			return nil, fmt.Errorf("%w: item %d quantity %d", ErrInvalidRequest, i, in.Quantity)
		}
		if in.UnitPrice.IsNegative() {
			return nil, fmt.Errorf("%w: item %d has a negative price", ErrInvalidRequest, i)
		}
		items = append(items, domain.LineItem{
			ID:           s.ids.NewID(),
			OrderID:      o.ID,
			TenantID:     o.TenantID,
			MenuItemID:   in.MenuItemID,
			MenuItemName: in.Name,
			Quantity:     in.Quantity,
			UnitPrice:    in.UnitPrice,
			Variant:      in.Variant,
			Notes:        in.Notes,
		})
	}
	return items, nil
}

func (s *Service) order(ctx context.Context, tenantID, orderID string) (domain.Order, error) {
	o, ok, err := store.GetAs[domain.Order](ctx, s.store, domain.CollectionOrders, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if !ok || o.TenantID != tenantID {
		return domain.Order{}, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	return o, nil
}

func (s *Service) openOrder(ctx context.Context, tenantID, orderID string) (domain.Order, error) {
	o, err := s.order(ctx, tenantID, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if !o.Status.Open() {
		return domain.Order{}, fmt.Errorf("%w: order %s is %s", ErrInvalidRequest, o.ID, o.Status)
	}
	return o, nil
}

func (s *Service) table(ctx context.Context, tenantID, tableID string) (domain.Table, error) {
	tbl, ok, err := store.GetAs[domain.Table](ctx, s.store, domain.CollectionTables, tableID)
	if err != nil {
		return domain.Table{}, err
	}
	if !ok || tbl.TenantID != tenantID {
		return domain.Table{}, fmt.Errorf("table %s: %w", tableID, ErrNotFound)
	}
	return tbl, nil
}

// cachedTable is table for paths that must not fail when the table is
// missing locally.
func (s *Service) cachedTable(ctx context.Context, tenantID, tableID string) (domain.Table, bool) {
	tbl, err := s.table(ctx, tenantID, tableID)
	if err != nil {
		s.logger.Warn("table not cached, local release skipped", "table_id", tableID, "tenant_id", tenantID, "error", err)
		return domain.Table{}, false
	}
	return tbl, true
}

// tableMutation writes next locally and queues the fields that changed.
func tableMutation(before, next domain.Table) store.Mutation {
	next.IsSynced = false
	return store.Mutation{
		Collection: domain.CollectionTables,
		Record:     next,
		Job: &domain.UpdateTable{
			TenantID: next.TenantID,
			TableID:  next.ID,
			Patch:    before.Patch(next),
		},
	}
}
