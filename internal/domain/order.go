package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of an order.
type Status string

const (
	StatusNew       Status = "NEW"
	StatusInKitchen Status = "IN_KITCHEN"
	StatusReady     Status = "READY"
	StatusBilled    Status = "BILLED"
	StatusCancelled Status = "CANCELLED"
	StatusArchived  Status = "ARCHIVED"
)

// ErrInvalidTransition is returned when a status change is not in the
// lifecycle graph.
var ErrInvalidTransition = errors.New("invalid order status transition")

var transitions = map[Status][]Status{
	StatusNew:       {StatusInKitchen, StatusCancelled},
	StatusInKitchen: {StatusReady, StatusCancelled},
	StatusReady:     {StatusBilled, StatusCancelled},
	StatusBilled:    {StatusArchived},
}

// CanTransition reports whether an order may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns an error wrapping ErrInvalidTransition when the
// move is not allowed.
func CheckTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusInKitchen, StatusReady, StatusBilled, StatusCancelled, StatusArchived:
		return true
	}
	return false
}

// Open reports whether the order is still before settlement.
func (s Status) Open() bool {
	return s == StatusNew || s == StatusInKitchen || s == StatusReady
}

// OrderType distinguishes dine-in orders (which hold a table) from the rest.
type OrderType string

const (
	OrderTypeDineIn   OrderType = "DINE_IN"
	OrderTypeTakeaway OrderType = "TAKEAWAY"
	OrderTypeDelivery OrderType = "DELIVERY"
)

// CustomerSnapshot is the customer identity captured on an order.
type CustomerSnapshot struct {
	Name   string `json:"name,omitempty"`
	Mobile string `json:"mobile,omitempty"`
}

// LineItem is one row of an order.
type LineItem struct {
	ID           string          `json:"id"`
	OrderID      string          `json:"order_id"`
	TenantID     string          `json:"tenant_id"`
	MenuItemID   string          `json:"menu_item_id"`
	MenuItemName string          `json:"menu_item_name,omitempty"`
	Quantity     int             `json:"quantity"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	Variant      string          `json:"variant,omitempty"`
	Notes        string          `json:"notes,omitempty"`
}

// LineTotal is quantity times unit price.
func (li LineItem) LineTotal() decimal.Decimal {
	return li.UnitPrice.Mul(decimal.NewFromInt(int64(li.Quantity)))
}

// Order is the aggregate root of the lifecycle.
type Order struct {
	ID            string            `json:"id"`
	TenantID      string            `json:"tenant_id"`
	Status        Status            `json:"status"`
	OrderType     OrderType         `json:"order_type"`
	TableID       string            `json:"table_id,omitempty"`
	TableName     string            `json:"table_name,omitempty"`
	PeopleCount   int               `json:"people_count"`
	Items         []LineItem        `json:"items"`
	Subtotal      decimal.Decimal   `json:"subtotal"`
	Tax           decimal.Decimal   `json:"tax"`
	Discount      decimal.Decimal   `json:"discount"`
	Total         decimal.Decimal   `json:"total"`
	PaymentMethod string            `json:"payment_method,omitempty"`
	PromoCode     string            `json:"promo_code,omitempty"`
	Customer      *CustomerSnapshot `json:"customer,omitempty"`
	Notes         string            `json:"notes,omitempty"`
	CreatedBy     string            `json:"created_by,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	IsSynced      bool              `json:"is_synced"`
}

// Key implements the store's keyed-record contract.
func (o Order) Key() (id, tenantID string) { return o.ID, o.TenantID }

// DineIn reports whether the order occupies a table.
func (o Order) DineIn() bool {
	return o.OrderType == OrderTypeDineIn && o.TableID != ""
}

// Fields that exist only on the terminal and are never sent upstream.
var (
	LocalOnlyOrderFields = []string{"is_synced", "table_name", "items"}
	LocalOnlyItemFields  = []string{"menu_item_name"}
)

// Totals is the priced summary of a set of line items.
type Totals struct {
	Subtotal decimal.Decimal
	Tax      decimal.Decimal
	Discount decimal.Decimal
	Total    decimal.Decimal
}

// ComputeTotals prices items. The discount is capped at the subtotal and tax
// is charged on the discounted amount, rounded to two places.
func ComputeTotals(items []LineItem, taxRate, discount decimal.Decimal) Totals {
	subtotal := decimal.Zero
	for _, li := range items {
		subtotal = subtotal.Add(li.LineTotal())
	}
	if discount.IsNegative() {
		discount = decimal.Zero
	}
	if discount.GreaterThan(subtotal) {
		discount = subtotal
	}
	taxable := subtotal.Sub(discount)
	tax := taxable.Mul(taxRate).Round(2)
	return Totals{
		Subtotal: subtotal,
		Tax:      tax,
		Discount: discount,
		Total:    taxable.Add(tax),
	}
}

// ApplyTotals copies t onto the order.
func (o *Order) ApplyTotals(t Totals) {
	o.Subtotal = t.Subtotal
	o.Tax = t.Tax
	o.Discount = t.Discount
	o.Total = t.Total
}

// OrderPatch is a partial update. Nil fields are left untouched.
type OrderPatch struct {
	Status      *Status           `json:"status,omitempty"`
	PeopleCount *int              `json:"people_count,omitempty"`
	Notes       *string           `json:"notes,omitempty"`
	Customer    *CustomerSnapshot `json:"customer,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Apply writes the set fields onto o.
func (p OrderPatch) Apply(o *Order) {
	if p.Status != nil {
		o.Status = *p.Status
	}
	if p.PeopleCount != nil {
		o.PeopleCount = *p.PeopleCount
	}
	if p.Notes != nil {
		o.Notes = *p.Notes
	}
	if p.Customer != nil {
		c := *p.Customer
		o.Customer = &c
	}
	if !p.UpdatedAt.IsZero() {
		o.UpdatedAt = p.UpdatedAt
	}
}

// Empty reports whether the patch changes nothing.
func (p OrderPatch) Empty() bool {
	return p.Status == nil && p.PeopleCount == nil && p.Notes == nil && p.Customer == nil
}
