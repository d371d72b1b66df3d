package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// StockItem is an inventory unit. CurrentStock is authoritative on the remote.
type StockItem struct {
	ID           string          `json:"id"`
	TenantID     string          `json:"tenant_id"`
	Name         string          `json:"name,omitempty"`
	Unit         string          `json:"unit"`
	CurrentStock decimal.Decimal `json:"current_stock"`
	MinLevel     decimal.Decimal `json:"min_level"`
}

// Key implements the store's keyed-record contract.
func (s StockItem) Key() (id, tenantID string) { return s.ID, s.TenantID }

// Low reports whether stock is at or below the reorder level.
func (s StockItem) Low() bool {
	return s.CurrentStock.LessThanOrEqual(s.MinLevel)
}

// RecipeLine maps one menu item to one stock unit with a usage rate per
// portion. A menu item may have zero, one or many lines.
type RecipeLine struct {
	ID              string          `json:"id"`
	TenantID        string          `json:"tenant_id"`
	MenuItemID      string          `json:"menu_item_id"`
	StockItemID     string          `json:"stock_item_id"`
	QuantityPerUnit decimal.Decimal `json:"quantity_per_unit"`
}

// StockRequirement is the aggregated demand on one stock unit for a checkout.
// It is derived and never persisted.
type StockRequirement struct {
	StockItemID string          `json:"stock_item_id"`
	RequiredQty decimal.Decimal `json:"required_qty"`
}

// MovementReason tags a ledger row.
type MovementReason string

const (
	ReasonFulfillment   MovementReason = "order_fulfillment"
	ReasonOverrideStock MovementReason = "override_without_stock"
)

// StockMovement is one audit ledger row. Delta is signed; deductions are
// negative.
type StockMovement struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	StockItemID string          `json:"stock_item_id"`
	OrderID     string          `json:"order_id"`
	Delta       decimal.Decimal `json:"delta"`
	Reason      MovementReason  `json:"reason"`
	CreatedAt   time.Time       `json:"created_at"`
}

// NewDeduction builds the ledger row for taking qty of a stock unit for an
// order. The ID is derived from the order, unit and reason so that a repeated
// deduction for the same order maps to the same row.
func NewDeduction(tenantID, orderID, stockItemID string, qty decimal.Decimal, reason MovementReason, at time.Time) StockMovement {
	return StockMovement{
		ID:          MovementID(tenantID, orderID, stockItemID, reason),
		TenantID:    tenantID,
		StockItemID: stockItemID,
		OrderID:     orderID,
		Delta:       qty.Neg(),
		Reason:      reason,
		CreatedAt:   at,
	}
}
