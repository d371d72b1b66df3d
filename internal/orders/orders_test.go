package orders

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/domain"
	"github.com/roach88/tillsync/internal/engine"
	"github.com/roach88/tillsync/internal/remote"
	"github.com/roach88/tillsync/internal/remote/memremote"
	"github.com/roach88/tillsync/internal/stock"
	"github.com/roach88/tillsync/internal/store"
	"github.com/roach88/tillsync/internal/testutil"
)

type countingNotifier struct{ n atomic.Int32 }

func (c *countingNotifier) Notify() { c.n.Add(1) }

type fixture struct {
	svc    *Service
	store  *store.Store
	remote *memremote.Remote
	proc   *engine.Processor
	clock  *testutil.ManualClock
	wakes  *countingNotifier
}

func setup(t *testing.T) *fixture {
	t.Helper()
	clock := testutil.NewManualClock()
	st, err := store.Open(filepath.Join(t.TempDir(), "orders.db"),
		store.WithClock(clock),
		store.WithIDGenerator(testutil.NewSequentialIDs("job")),
	)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	rm := memremote.New(memremote.WithClock(clock))
	wakes := &countingNotifier{}
	svc := New(st, rm,
		WithClock(clock),
		WithIDGenerator(testutil.NewSequentialIDs("id")),
		WithNotifier(wakes),
		WithTaxRate(decimal.RequireFromString("0.1")),
	)
	proc := engine.New(st, rm, engine.WithClock(clock))

	tbl := domain.Table{ID: "T1", TenantID: "t1", Name: "Window", Capacity: 4, Status: domain.TableAvailable, IsSynced: true}
	require.NoError(t, st.Put(context.Background(), domain.CollectionTables, tbl))
	require.NoError(t, rm.Seed(domain.CollectionTables, tbl))

	return &fixture{svc: svc, store: st, remote: rm, proc: proc, clock: clock, wakes: wakes}
}

func (f *fixture) seedStock(t *testing.T, current string) {
	t.Helper()
	require.NoError(t, f.remote.Seed(domain.CollectionInventoryItems, domain.StockItem{
		ID: "flour", TenantID: "t1", Name: "Flour", Unit: "kg", CurrentStock: decimal.RequireFromString(current),
	}))
	require.NoError(t, f.remote.Seed(domain.CollectionRecipes, domain.RecipeLine{
		ID: "r1", TenantID: "t1", MenuItemID: "pizza", StockItemID: "flour", QuantityPerUnit: decimal.NewFromInt(1),
	}))
}

func pizzaAndSoda() []ItemInput {
	return []ItemInput{
		{MenuItemID: "pizza", Name: "Pizza", Quantity: 3, UnitPrice: decimal.NewFromInt(10)},
		{MenuItemID: "soda", Name: "Soda", Quantity: 1, UnitPrice: decimal.NewFromInt(2)},
	}
}

func (f *fixture) dineIn(t *testing.T, people int) domain.Order {
	t.Helper()
	o, err := f.svc.CreateOrder(context.Background(), CreateOrderRequest{
		TenantID:    "t1",
		OrderType:   domain.OrderTypeDineIn,
		TableID:     "T1",
		PeopleCount: people,
		Items:       pizzaAndSoda(),
	})
	require.NoError(t, err)
	return o
}

func (f *fixture) ready(t *testing.T, id string) {
	t.Helper()
	for _, st := range []domain.Status{domain.StatusInKitchen, domain.StatusReady} {
		_, err := f.svc.Advance(context.Background(), "t1", id, st)
		require.NoError(t, err)
	}
}

func (f *fixture) drain(t *testing.T) engine.DrainResult {
	t.Helper()
	res, err := f.proc.Drain(context.Background())
	require.NoError(t, err)
	return res
}

func (f *fixture) localTable(t *testing.T) domain.Table {
	t.Helper()
	tbl, ok, err := store.GetAs[domain.Table](context.Background(), f.store, domain.CollectionTables, "T1")
	require.NoError(t, err)
	require.True(t, ok)
	return tbl
}

func TestCreateOrder_OfflineThenDrain(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.remote.SetOffline(true)

	o, err := f.svc.CreateOrder(ctx, CreateOrderRequest{TenantID: "t1", Items: pizzaAndSoda()})
	require.NoError(t, err)

	local, ok, err := store.GetAs[domain.Order](ctx, f.store, domain.CollectionOrders, o.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.StatusNew, local.Status)
	assert.Len(t, local.Items, 2)
	assert.False(t, local.IsSynced)
	assert.True(t, local.Subtotal.Equal(decimal.NewFromInt(32)))
	assert.True(t, local.Total.Equal(decimal.RequireFromString("35.2")), "total %s", local.Total)
	assert.EqualValues(t, 1, f.wakes.n.Load())

	res := f.drain(t)
	assert.Equal(t, 1, res.Failed)

	f.remote.SetOffline(false)
	f.clock.Advance(time.Minute)
	res = f.drain(t)
	assert.Equal(t, 1, res.Succeeded)

	local, _, err = store.GetAs[domain.Order](ctx, f.store, domain.CollectionOrders, o.ID)
	require.NoError(t, err)
	assert.True(t, local.IsSynced)

	assert.Len(t, f.remote.All(domain.CollectionOrders), 1)
	header, ok := f.remote.Get(domain.CollectionOrders, o.ID)
	require.True(t, ok)
	assert.Equal(t, string(domain.StatusNew), header["status"])

	items := f.remote.All(domain.CollectionOrderItems)
	require.Len(t, items, 2)
	for i, it := range items {
		assert.Equal(t, local.Items[i].ID, it.ID())
		assert.Equal(t, o.ID, it["order_id"])
		assert.True(t, remote.Equal(it["quantity"], local.Items[i].Quantity))
	}
}

func TestCreateOrder_DineInSeatsTable(t *testing.T) {
	f := setup(t)

	o := f.dineIn(t, 2)
	assert.Equal(t, "Window", o.TableName)

	tbl := f.localTable(t)
	assert.Equal(t, 2, tbl.CurrentOccupancy)
	assert.Equal(t, domain.TableOccupied, tbl.Status)
	assert.False(t, tbl.IsSynced)

	assert.Equal(t, 2, f.drain(t).Succeeded)
	remoteTbl, _ := f.remote.Get(domain.CollectionTables, "T1")
	assert.True(t, remote.Equal(remoteTbl["current_occupancy"], 2))
	assert.True(t, f.localTable(t).IsSynced)
}

func TestCreateOrder_Validation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	cases := map[string]CreateOrderRequest{
		"no tenant":      {Items: pizzaAndSoda()},
		"no items":       {TenantID: "t1"},
		"zero quantity":  {TenantID: "t1", Items: []ItemInput{{MenuItemID: "pizza", Quantity: 0}}},
		"dine-in no tbl": {TenantID: "t1", OrderType: domain.OrderTypeDineIn, Items: pizzaAndSoda()},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.CreateOrder(ctx, req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}

	_, err := f.svc.CreateOrder(ctx, CreateOrderRequest{
		TenantID: "t1", OrderType: domain.OrderTypeDineIn, TableID: "nope", Items: pizzaAndSoda(),
	})
	assert.ErrorIs(t, err, ErrNotFound)

	stats, err := f.store.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Depth, "rejected requests enqueue nothing")
}

func TestAdvance_FollowsLifecycle(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	o := f.dineIn(t, 2)

	_, err := f.svc.Advance(ctx, "t1", o.ID, domain.StatusReady)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = f.svc.Advance(ctx, "t1", o.ID, domain.StatusBilled)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	f.ready(t, o.ID)
	f.drain(t)

	header, _ := f.remote.Get(domain.CollectionOrders, o.ID)
	assert.Equal(t, string(domain.StatusReady), header["status"])

	_, err = f.svc.Advance(ctx, "t2", o.ID, domain.StatusArchived)
	assert.ErrorIs(t, err, ErrNotFound, "other tenants cannot see the order")
}

func TestUpdateOrder_PatchesOpenOrder(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	o := f.dineIn(t, 2)

	notes := "no onions"
	got, err := f.svc.UpdateOrder(ctx, "t1", o.ID, domain.OrderPatch{Notes: &notes})
	require.NoError(t, err)
	assert.Equal(t, notes, got.Notes)

	status := domain.StatusReady
	_, err = f.svc.UpdateOrder(ctx, "t1", o.ID, domain.OrderPatch{Status: &status})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	f.drain(t)
	header, _ := f.remote.Get(domain.CollectionOrders, o.ID)
	assert.Equal(t, notes, header["notes"])
}

func TestReplaceItems_RepricesAndReplacesRemoteItems(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	o := f.dineIn(t, 2)
	f.drain(t)

	got, err := f.svc.ReplaceItems(ctx, "t1", o.ID, []ItemInput{
		{MenuItemID: "soda", Name: "Soda", Quantity: 5, UnitPrice: decimal.NewFromInt(2)},
	})
	require.NoError(t, err)
	assert.True(t, got.Subtotal.Equal(decimal.NewFromInt(10)))
	assert.Len(t, got.Items, 1)

	assert.Equal(t, 1, f.drain(t).Succeeded)
	items := f.remote.All(domain.CollectionOrderItems)
	require.Len(t, items, 1)
	assert.Equal(t, "soda", items[0]["menu_item_id"])
	header, _ := f.remote.Get(domain.CollectionOrders, o.ID)
	assert.True(t, remote.DecimalField(header, "subtotal").Equal(decimal.NewFromInt(10)))
}

func TestSettle_DineInReleasesTable(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.seedStock(t, "10")
	o := f.dineIn(t, 2)
	f.ready(t, o.ID)
	f.drain(t)

	billed, err := f.svc.Settle(ctx, SettleRequest{TenantID: "t1", OrderID: o.ID, PaymentMethod: "card"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusBilled, billed.Status)

	tbl := f.localTable(t)
	assert.Equal(t, 0, tbl.CurrentOccupancy)
	assert.Equal(t, domain.TableAvailable, tbl.Status)
	assert.False(t, tbl.IsSynced)

	assert.Equal(t, 1, f.drain(t).Succeeded)

	remoteTbl, _ := f.remote.Get(domain.CollectionTables, "T1")
	assert.True(t, remote.Equal(remoteTbl["current_occupancy"], 0))
	assert.Equal(t, string(domain.TableAvailable), remoteTbl["status"])
	assert.True(t, f.localTable(t).IsSynced)

	flour, _ := f.remote.Get(domain.CollectionInventoryItems, "flour")
	assert.True(t, remote.DecimalField(flour, "current_stock").Equal(decimal.NewFromInt(7)))
}

func TestSettle_WaitsForFailedSeatingOfItsTable(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.seedStock(t, "10")
	o := f.dineIn(t, 2)
	f.ready(t, o.ID)
	_, err := f.svc.Settle(ctx, SettleRequest{TenantID: "t1", OrderID: o.ID, PaymentMethod: "card"})
	require.NoError(t, err)

	var fired atomic.Bool
	f.remote.SetFault(func(op, coll string) error {
		if op == memremote.OpPatch && coll == domain.CollectionTables && fired.CompareAndSwap(false, true) {
			return errors.New("timeout")
		}
		return nil
	})

	res := f.drain(t)
	assert.Equal(t, 1, res.Failed, "seating the table")
	assert.Equal(t, 1, res.Held, "settlement waits for the table")
	remoteOrder, _ := f.remote.Get(domain.CollectionOrders, o.ID)
	assert.Equal(t, string(domain.StatusReady), remoteOrder["status"])

	f.clock.Advance(time.Minute)
	res = f.drain(t)
	assert.Equal(t, 2, res.Succeeded)

	remoteTbl, _ := f.remote.Get(domain.CollectionTables, "T1")
	assert.True(t, remote.Equal(remoteTbl["current_occupancy"], 0))
	assert.Equal(t, string(domain.TableAvailable), remoteTbl["status"])
	tbl := f.localTable(t)
	assert.Equal(t, 0, tbl.CurrentOccupancy)
	assert.True(t, tbl.IsSynced)
	remoteOrder, _ = f.remote.Get(domain.CollectionOrders, o.ID)
	assert.Equal(t, string(domain.StatusBilled), remoteOrder["status"])
}

func TestSettle_ShortfallBlocksWithoutOverride(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.seedStock(t, "2")
	o := f.dineIn(t, 2)
	f.ready(t, o.ID)

	_, err := f.svc.Settle(ctx, SettleRequest{TenantID: "t1", OrderID: o.ID, PaymentMethod: "cash"})
	require.ErrorIs(t, err, stock.ErrInsufficientStock)
	var sf *stock.ShortfallError
	require.True(t, errors.As(err, &sf))
	require.Len(t, sf.Shortfalls, 1)
	assert.True(t, sf.Shortfalls[0].Required.Equal(decimal.NewFromInt(3)))
	assert.True(t, sf.Shortfalls[0].Available.Equal(decimal.NewFromInt(2)))

	_, err = f.svc.Settle(ctx, SettleRequest{TenantID: "t1", OrderID: o.ID, PaymentMethod: "cash", Override: true})
	assert.ErrorIs(t, err, ErrInvalidRequest, "override needs a reason")

	local, _, _ := store.GetAs[domain.Order](ctx, f.store, domain.CollectionOrders, o.ID)
	assert.Equal(t, domain.StatusReady, local.Status)

	billed, err := f.svc.Settle(ctx, SettleRequest{
		TenantID: "t1", OrderID: o.ID, PaymentMethod: "cash",
		Override: true, OverrideReason: "manager",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusBilled, billed.Status)

	f.drain(t)
	ledger := f.remote.All(domain.CollectionStockMovements)
	require.Len(t, ledger, 1)
	assert.Equal(t, string(domain.ReasonOverrideStock), ledger[0]["reason"])
}

func TestSettle_StockCheckRemoteFailureAborts(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	o := f.dineIn(t, 2)
	f.ready(t, o.ID)
	f.remote.SetOffline(true)

	_, err := f.svc.Settle(ctx, SettleRequest{TenantID: "t1", OrderID: o.ID, PaymentMethod: "cash"})
	assert.ErrorIs(t, err, remote.ErrUnavailable)

	local, _, _ := store.GetAs[domain.Order](ctx, f.store, domain.CollectionOrders, o.ID)
	assert.Equal(t, domain.StatusReady, local.Status)
}

func TestSettle_PromoCode(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	expired := testutil.Epoch.Add(-time.Hour)
	require.NoError(t, f.remote.Seed(domain.CollectionPromoCodes,
		domain.PromoCode{ID: "p1", TenantID: "t1", Code: "SAVE5", Active: true, Discount: decimal.NewFromInt(5)},
		domain.PromoCode{ID: "p2", TenantID: "t1", Code: "OLD", Active: true, Discount: decimal.NewFromInt(5), ExpiresAt: &expired},
	))
	o := f.dineIn(t, 2)
	f.ready(t, o.ID)

	_, err := f.svc.Settle(ctx, SettleRequest{TenantID: "t1", OrderID: o.ID, PaymentMethod: "cash", PromoCode: "OLD"})
	assert.ErrorIs(t, err, ErrPromoUnusable)
	_, err = f.svc.Settle(ctx, SettleRequest{TenantID: "t1", OrderID: o.ID, PaymentMethod: "cash", PromoCode: "NOPE"})
	assert.ErrorIs(t, err, ErrPromoNotFound)

	billed, err := f.svc.Settle(ctx, SettleRequest{TenantID: "t1", OrderID: o.ID, PaymentMethod: "cash", PromoCode: "SAVE5"})
	require.NoError(t, err)
	assert.True(t, billed.Discount.Equal(decimal.NewFromInt(5)))
	assert.True(t, billed.Total.Equal(decimal.RequireFromString("29.7")), "total %s", billed.Total)

	f.drain(t)
	promo, _ := f.remote.Get(domain.CollectionPromoCodes, "p1")
	assert.True(t, remote.DecimalField(promo, "used_count").Equal(decimal.NewFromInt(1)))
}

func TestCancel_ReleasesTableWithoutStock(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.seedStock(t, "10")
	o := f.dineIn(t, 2)
	f.drain(t)

	cancelled, err := f.svc.Cancel(ctx, "t1", o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, cancelled.Status)
	assert.Equal(t, 0, f.localTable(t).CurrentOccupancy)

	assert.Equal(t, 2, f.drain(t).Succeeded)

	remoteTbl, _ := f.remote.Get(domain.CollectionTables, "T1")
	assert.True(t, remote.Equal(remoteTbl["current_occupancy"], 0))
	assert.Equal(t, string(domain.TableAvailable), remoteTbl["status"])
	assert.Equal(t, 0, f.remote.Calls(memremote.OpDecrementStock))
	assert.Empty(t, f.remote.All(domain.CollectionStockMovements))

	_, err = f.svc.Cancel(ctx, "t1", o.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestSetTable_PatchesChangedFields(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	name := "Patio"
	status := domain.TableBooked

	tbl, err := f.svc.SetTable(ctx, "t1", "T1", domain.TablePatch{Name: &name, Status: &status})
	require.NoError(t, err)
	assert.Equal(t, "Patio", tbl.Name)
	assert.False(t, tbl.IsSynced)

	f.drain(t)
	remoteTbl, _ := f.remote.Get(domain.CollectionTables, "T1")
	assert.Equal(t, "Patio", remoteTbl["name"])
	assert.Equal(t, string(domain.TableBooked), remoteTbl["status"])
	assert.True(t, f.localTable(t).IsSynced)
}
