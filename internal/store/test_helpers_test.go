package store

import (
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/roach88/tillsync/internal/domain"
	"github.com/roach88/tillsync/internal/testutil"
)

// createTestStore creates a fresh on-disk store with a manual clock and
// sequential job IDs.
func createTestStore(t *testing.T) (*Store, *testutil.ManualClock) {
	t.Helper()
	clock := testutil.NewManualClock()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, WithClock(clock), WithIDGenerator(testutil.NewSequentialIDs("job")))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, clock
}

// createTestOrder creates an unsynced order with one line item.
func createTestOrder(id, tenantID string) domain.Order {
	return domain.Order{
		ID:        id,
		TenantID:  tenantID,
		Status:    domain.StatusNew,
		OrderType: domain.OrderTypeTakeaway,
		Items: []domain.LineItem{{
			ID:         id + "-item-1",
			OrderID:    id,
			TenantID:   tenantID,
			MenuItemID: "menu-1",
			Quantity:   1,
			UnitPrice:  decimal.NewFromInt(10),
		}},
		Subtotal: decimal.NewFromInt(10),
		Total:    decimal.NewFromInt(10),
		IsSynced: false,
	}
}

func statusPtr(s domain.Status) *domain.Status { return &s }
