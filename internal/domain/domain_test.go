package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition_Lifecycle(t *testing.T) {
	allowed := [][2]Status{
		{StatusNew, StatusInKitchen},
		{StatusInKitchen, StatusReady},
		{StatusReady, StatusBilled},
		{StatusBilled, StatusArchived},
		{StatusNew, StatusCancelled},
		{StatusInKitchen, StatusCancelled},
		{StatusReady, StatusCancelled},
	}
	for _, tr := range allowed {
		assert.True(t, CanTransition(tr[0], tr[1]), "%s -> %s should be allowed", tr[0], tr[1])
	}

	rejected := [][2]Status{
		{StatusNew, StatusBilled},
		{StatusBilled, StatusCancelled},
		{StatusCancelled, StatusNew},
		{StatusArchived, StatusBilled},
		{StatusReady, StatusNew},
		{StatusNew, StatusNew},
	}
	for _, tr := range rejected {
		assert.False(t, CanTransition(tr[0], tr[1]), "%s -> %s should be rejected", tr[0], tr[1])
	}
}

func TestCheckTransition_WrapsSentinel(t *testing.T) {
	err := CheckTransition(StatusBilled, StatusNew)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Contains(t, err.Error(), "BILLED -> NEW")

	assert.NoError(t, CheckTransition(StatusNew, StatusInKitchen))
}

func TestComputeTotals(t *testing.T) {
	items := []LineItem{
		{Quantity: 3, UnitPrice: decimal.RequireFromString("4.50")},
		{Quantity: 1, UnitPrice: decimal.RequireFromString("10")},
	}

	totals := ComputeTotals(items, decimal.RequireFromString("0.1"), decimal.RequireFromString("3.5"))

	assert.True(t, totals.Subtotal.Equal(decimal.RequireFromString("23.5")), "subtotal %s", totals.Subtotal)
	assert.True(t, totals.Discount.Equal(decimal.RequireFromString("3.5")))
	assert.True(t, totals.Tax.Equal(decimal.RequireFromString("2")), "tax %s", totals.Tax)
	assert.True(t, totals.Total.Equal(decimal.RequireFromString("22")), "total %s", totals.Total)
}

func TestComputeTotals_DiscountCappedAtSubtotal(t *testing.T) {
	items := []LineItem{{Quantity: 1, UnitPrice: decimal.NewFromInt(5)}}

	totals := ComputeTotals(items, decimal.Zero, decimal.NewFromInt(50))

	assert.True(t, totals.Discount.Equal(decimal.NewFromInt(5)))
	assert.True(t, totals.Total.IsZero())
}

func TestTable_ReleaseFreesTable(t *testing.T) {
	tbl := Table{ID: "t1", Capacity: 4, CurrentOccupancy: 2, Status: TableOccupied}

	released := tbl.Release(2)

	assert.Equal(t, 0, released.CurrentOccupancy)
	assert.Equal(t, TableAvailable, released.Status)
}

func TestTable_ReleaseFloorsAtZero(t *testing.T) {
	tbl := Table{ID: "t1", Capacity: 4, CurrentOccupancy: 1, Status: TableOccupied}

	released := tbl.Release(3)

	assert.Equal(t, 0, released.CurrentOccupancy)
	assert.Equal(t, TableAvailable, released.Status)
}

func TestTable_SeatDerivesStatus(t *testing.T) {
	tbl := Table{ID: "t1", Capacity: 4, Status: TableAvailable}

	partial := tbl.Seat(2)
	assert.Equal(t, TableOccupied, partial.Status)

	full := partial.Seat(2)
	assert.Equal(t, 4, full.CurrentOccupancy)
	assert.Equal(t, TableFull, full.Status)

	booked := Table{ID: "t2", Capacity: 2, Status: TableBooked}
	assert.Equal(t, TableFull, booked.Seat(2).Status)
}

func TestTable_PatchOnlyChangedFields(t *testing.T) {
	before := Table{ID: "t1", Capacity: 4, CurrentOccupancy: 2, Status: TableOccupied}
	after := before.Release(2)

	p := before.Patch(after)

	require.NotNil(t, p.CurrentOccupancy)
	assert.Equal(t, 0, *p.CurrentOccupancy)
	require.NotNil(t, p.Status)
	assert.Equal(t, TableAvailable, *p.Status)
	assert.Nil(t, p.Capacity)
	assert.Nil(t, p.Name)

	applied := before
	p.Apply(&applied)
	assert.Equal(t, after, applied)
}

func TestNormalizeMobile(t *testing.T) {
	assert.Equal(t, "+15551234567", NormalizeMobile(" +1 (555) 123-4567 "))
	assert.Equal(t, "0123", NormalizeMobile("０１２３"), "full-width digits fold to ASCII")
	assert.Equal(t, "", NormalizeMobile("+"))
	assert.Equal(t, "t1:0123", CustomerID("t1", "01-23"))
}

func TestPromoCode_Usable(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	later := now.Add(time.Hour)

	assert.True(t, PromoCode{Active: true}.Usable(now))
	assert.False(t, PromoCode{Active: false}.Usable(now))
	assert.False(t, PromoCode{Active: true, MaxUses: 2, UsedCount: 2}.Usable(now))
	assert.True(t, PromoCode{Active: true, ExpiresAt: &later}.Usable(now))
	assert.False(t, PromoCode{Active: true, ExpiresAt: &now}.Usable(now))
}

func TestMovementID_StablePerOrderUnitReason(t *testing.T) {
	a := MovementID("t1", "o1", "flour", ReasonFulfillment)
	b := MovementID("t1", "o1", "flour", ReasonFulfillment)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	assert.NotEqual(t, a, MovementID("t1", "o2", "flour", ReasonFulfillment))
	assert.NotEqual(t, a, MovementID("t1", "o1", "flour", ReasonOverrideStock))
	// Null separators keep "ab"+"c" distinct from "a"+"bc".
	assert.NotEqual(t, MovementID("t", "ab", "c", ReasonFulfillment), MovementID("t", "a", "bc", ReasonFulfillment))
}

func TestNewDeduction_NegativeDelta(t *testing.T) {
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	mv := NewDeduction("t1", "o1", "flour", decimal.NewFromInt(3), ReasonFulfillment, at)

	assert.True(t, mv.Delta.Equal(decimal.NewFromInt(-3)))
	assert.Equal(t, MovementID("t1", "o1", "flour", ReasonFulfillment), mv.ID)
}

func TestDecodePayload_RestoresVariant(t *testing.T) {
	status := StatusReady
	original := &UpdateOrder{
		TenantID: "t1",
		OrderID:  "o1",
		Patch:    OrderPatch{Status: &status},
	}

	data, err := EncodePayload(original)
	require.NoError(t, err)

	decoded, err := DecodePayload(KindUpdateOrder, data)
	require.NoError(t, err)

	got, ok := decoded.(*UpdateOrder)
	require.True(t, ok, "expected *UpdateOrder, got %T", decoded)
	require.NotNil(t, got.Patch.Status)
	assert.Equal(t, StatusReady, *got.Patch.Status)
	assert.Equal(t, EntityRef{Collection: CollectionOrders, ID: "o1", TenantID: "t1"}, got.Entity())
}

func TestDecodePayload_UnknownKind(t *testing.T) {
	_, err := DecodePayload(JobKind("DROP_TABLES"), []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown job kind")
}

func TestCompleteOrder_MarkDoneIsIdempotent(t *testing.T) {
	c := &CompleteOrder{}
	c.MarkDone(StepBill)
	c.MarkDone(StepBill)
	c.MarkDone(StepStock)

	assert.Equal(t, []SettlementStep{StepBill, StepStock}, c.Completed)
	assert.True(t, c.Done(StepStock))
	assert.False(t, c.Done(StepTable))
}

func TestJob_Ready(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	assert.True(t, Job{}.Ready(now))
	assert.False(t, Job{NextAttemptAt: now.Add(time.Second)}.Ready(now))
	assert.True(t, Job{NextAttemptAt: now}.Ready(now))
	assert.False(t, Job{Quarantined: true}.Ready(now))
}
