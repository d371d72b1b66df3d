package domain

import "github.com/shopspring/decimal"

// Setting is a tenant configuration key.
type Setting struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Name     string `json:"key"`
	Value    string `json:"value"`
}

// Key implements the store's keyed-record contract.
func (s Setting) Key() (id, tenantID string) { return s.ID, s.TenantID }

// Category groups menu items.
type Category struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
	Position int    `json:"position"`
}

// Key implements the store's keyed-record contract.
func (c Category) Key() (id, tenantID string) { return c.ID, c.TenantID }

// MenuItem is a sellable item.
type MenuItem struct {
	ID         string          `json:"id"`
	TenantID   string          `json:"tenant_id"`
	CategoryID string          `json:"category_id,omitempty"`
	Name       string          `json:"name"`
	Price      decimal.Decimal `json:"price"`
	Available  bool            `json:"available"`
}

// Key implements the store's keyed-record contract.
func (m MenuItem) Key() (id, tenantID string) { return m.ID, m.TenantID }
