package domain

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// JobKind tags a pending operation. It is the discriminator persisted next to
// the payload.
type JobKind string

const (
	KindCreateOrder     JobKind = "CREATE_ORDER"
	KindUpdateOrder     JobKind = "UPDATE_ORDER"
	KindUpdateOrderFull JobKind = "UPDATE_ORDER_FULL"
	KindCompleteOrder   JobKind = "COMPLETE_ORDER"
	KindUpdateTable     JobKind = "UPDATE_TABLE"
)

// EntityRef names the local record a job mutates.
type EntityRef struct {
	Collection string
	ID         string
	TenantID   string
}

// String renders the ref as collection/id.
func (r EntityRef) String() string { return r.Collection + "/" + r.ID }

// Payload is the closed set of job variants. Only types in this package
// implement it.
type Payload interface {
	Kind() JobKind
	Entity() EntityRef
	isPayload()
}

// CreateOrder uploads a new order with all of its line items.
type CreateOrder struct {
	Order Order `json:"order"`
}

// UpdateOrder patches fields of an existing remote order.
type UpdateOrder struct {
	TenantID string     `json:"tenant_id"`
	OrderID  string     `json:"order_id"`
	Patch    OrderPatch `json:"patch"`
}

// UpdateOrderFull replaces an order's fields and its entire item set.
type UpdateOrderFull struct {
	Order Order `json:"order"`
}

// SettlementStep names one step of the settlement cascade.
type SettlementStep string

const (
	StepBill       SettlementStep = "bill"
	StepStock      SettlementStep = "stock"
	StepPromo      SettlementStep = "promo"
	StepDailySales SettlementStep = "daily_sales"
	StepLoyalty    SettlementStep = "loyalty"
	StepTable      SettlementStep = "table"
)

// SettlementSteps is the cascade in execution order.
var SettlementSteps = []SettlementStep{
	StepBill,
	StepStock,
	StepPromo,
	StepDailySales,
	StepLoyalty,
	StepTable,
}

// Settlement carries everything the cascade needs, captured at checkout.
type Settlement struct {
	TenantID       string            `json:"tenant_id"`
	OrderID        string            `json:"order_id"`
	OrderType      OrderType         `json:"order_type"`
	TableID        string            `json:"table_id,omitempty"`
	PeopleCount    int               `json:"people_count"`
	Items          []LineItem        `json:"items"`
	Subtotal       decimal.Decimal   `json:"subtotal"`
	Tax            decimal.Decimal   `json:"tax"`
	Discount       decimal.Decimal   `json:"discount"`
	Total          decimal.Decimal   `json:"total"`
	PaymentMethod  string            `json:"payment_method"`
	PromoCode      string            `json:"promo_code,omitempty"`
	Customer       *CustomerSnapshot `json:"customer,omitempty"`
	Override       bool              `json:"override,omitempty"`
	OverrideReason string            `json:"override_reason,omitempty"`
	SettledAt      time.Time         `json:"settled_at"`
}

// DineIn reports whether settlement releases a table.
func (s Settlement) DineIn() bool {
	return s.OrderType == OrderTypeDineIn && s.TableID != ""
}

// CompleteOrder settles an order and runs the dependent cascade. Completed
// records the steps already applied remotely so a redelivery skips them.
type CompleteOrder struct {
	Settlement Settlement       `json:"settlement"`
	Completed  []SettlementStep `json:"completed_steps,omitempty"`
}

// Done reports whether a step was already applied.
func (c *CompleteOrder) Done(step SettlementStep) bool {
	return slices.Contains(c.Completed, step)
}

// MarkDone records a step as applied.
func (c *CompleteOrder) MarkDone(step SettlementStep) {
	if !c.Done(step) {
		c.Completed = append(c.Completed, step)
	}
}

// UpdateTable patches a table row.
type UpdateTable struct {
	TenantID string     `json:"tenant_id"`
	TableID  string     `json:"table_id"`
	Patch    TablePatch `json:"patch"`
}

func (*CreateOrder) Kind() JobKind     { return KindCreateOrder }
func (*UpdateOrder) Kind() JobKind     { return KindUpdateOrder }
func (*UpdateOrderFull) Kind() JobKind { return KindUpdateOrderFull }
func (*CompleteOrder) Kind() JobKind   { return KindCompleteOrder }
func (*UpdateTable) Kind() JobKind     { return KindUpdateTable }

func (p *CreateOrder) Entity() EntityRef {
	return EntityRef{Collection: CollectionOrders, ID: p.Order.ID, TenantID: p.Order.TenantID}
}

func (p *UpdateOrder) Entity() EntityRef {
	return EntityRef{Collection: CollectionOrders, ID: p.OrderID, TenantID: p.TenantID}
}

func (p *UpdateOrderFull) Entity() EntityRef {
	return EntityRef{Collection: CollectionOrders, ID: p.Order.ID, TenantID: p.Order.TenantID}
}

func (p *CompleteOrder) Entity() EntityRef {
	return EntityRef{Collection: CollectionOrders, ID: p.Settlement.OrderID, TenantID: p.Settlement.TenantID}
}

func (p *UpdateTable) Entity() EntityRef {
	return EntityRef{Collection: CollectionTables, ID: p.TableID, TenantID: p.TenantID}
}

// Related is implemented by payloads that also settle records other than
// their entity.
type Related interface {
	Related() []EntityRef
}

// Related returns the table a dine-in settlement releases.
func (p *CompleteOrder) Related() []EntityRef {
	if !p.Settlement.DineIn() {
		return nil
	}
	return []EntityRef{{Collection: CollectionTables, ID: p.Settlement.TableID, TenantID: p.Settlement.TenantID}}
}

func (*CreateOrder) isPayload()     {}
func (*UpdateOrder) isPayload()     {}
func (*UpdateOrderFull) isPayload() {}
func (*CompleteOrder) isPayload()   {}
func (*UpdateTable) isPayload()     {}

// Job is a queued pending operation.
type Job struct {
	ID            string
	Seq           int64
	Payload       Payload
	EnqueuedAt    time.Time
	RetryCount    int
	LastError     string
	NextAttemptAt time.Time
	Quarantined   bool
}

// Kind returns the payload's discriminator.
func (j Job) Kind() JobKind { return j.Payload.Kind() }

// Entity returns the record the job mutates.
func (j Job) Entity() EntityRef { return j.Payload.Entity() }

// Refs returns the entity followed by any related records the job also
// writes.
func (j Job) Refs() []EntityRef {
	refs := []EntityRef{j.Entity()}
	if r, ok := j.Payload.(Related); ok {
		refs = append(refs, r.Related()...)
	}
	return refs
}

// Ready reports whether the job may be attempted at now.
func (j Job) Ready(now time.Time) bool {
	return !j.Quarantined && !now.Before(j.NextAttemptAt)
}

// EncodePayload serialises a payload for persistence.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("encode payload: nil payload")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.Kind(), err)
	}
	return data, nil
}

// DecodePayload restores a payload from its kind and JSON body.
func DecodePayload(kind JobKind, data []byte) (Payload, error) {
	var p Payload
	switch kind {
	case KindCreateOrder:
		p = &CreateOrder{}
	case KindUpdateOrder:
		p = &UpdateOrder{}
	case KindUpdateOrderFull:
		p = &UpdateOrderFull{}
	case KindCompleteOrder:
		p = &CompleteOrder{}
	case KindUpdateTable:
		p = &UpdateTable{}
	default:
		return nil, fmt.Errorf("decode payload: unknown job kind %q", kind)
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return p, nil
}
