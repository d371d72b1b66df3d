package domain

import (
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"
)

// Customer is the loyalty aggregate, keyed by mobile number within a tenant.
type Customer struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	Mobile      string          `json:"mobile"`
	Name        string          `json:"name,omitempty"`
	TotalVisits int             `json:"total_visits"`
	TotalSpent  decimal.Decimal `json:"total_spent"`
	LastVisit   time.Time       `json:"last_visit"`
}

// NormalizeMobile reduces a phone number to its digits, keeping a leading
// plus sign. NFKC folds full-width and other compatibility digits to ASCII.
func NormalizeMobile(mobile string) string {
	s := norm.NFKC.String(strings.TrimSpace(mobile))
	var b strings.Builder
	for i, r := range s {
		switch {
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r < unicode.MaxASCII && unicode.IsDigit(r):
			b.WriteRune(r)
		}
	}
	out := b.String()
	if out == "+" {
		return ""
	}
	return out
}

// CustomerID is the natural key of a customer within a tenant.
func CustomerID(tenantID, mobile string) string {
	return tenantID + ":" + NormalizeMobile(mobile)
}

// DailySales is the per-tenant, per-day settlement aggregate.
type DailySales struct {
	ID         string          `json:"id"`
	TenantID   string          `json:"tenant_id"`
	Day        string          `json:"day"`
	TotalSales decimal.Decimal `json:"total_sales"`
	OrderCount int             `json:"order_count"`
}

// DayLayout formats the DailySales day key.
const DayLayout = "2006-01-02"

// DailySalesID is the aggregate key for a tenant and settlement time.
func DailySalesID(tenantID string, at time.Time) string {
	return tenantID + ":" + at.Format(DayLayout)
}

// PromoCode is a discount code with a usage counter.
type PromoCode struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenant_id"`
	Code      string          `json:"code"`
	Active    bool            `json:"active"`
	Discount  decimal.Decimal `json:"discount"`
	MaxUses   int             `json:"max_uses"`
	UsedCount int             `json:"used_count"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}

// Usable reports whether the code can be applied at the given time.
func (p PromoCode) Usable(at time.Time) bool {
	if !p.Active {
		return false
	}
	if p.MaxUses > 0 && p.UsedCount >= p.MaxUses {
		return false
	}
	if p.ExpiresAt != nil && !at.Before(*p.ExpiresAt) {
		return false
	}
	return true
}
