package store

import (
	"context"
	"testing"

	"github.com/roach88/tillsync/internal/domain"
)

func TestPut_GetRoundTrip(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	order := createTestOrder("o1", "t1")
	if err := s.Put(ctx, domain.CollectionOrders, order); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	got, ok, err := GetAs[domain.Order](ctx, s, domain.CollectionOrders, "o1")
	if err != nil {
		t.Fatalf("GetAs() failed: %v", err)
	}
	if !ok {
		t.Fatal("GetAs() found nothing")
	}
	if got.ID != "o1" || got.TenantID != "t1" || len(got.Items) != 1 {
		t.Errorf("got %+v", got)
	}
	if !got.Total.Equal(order.Total) {
		t.Errorf("total = %s, want %s", got.Total, order.Total)
	}
}

func TestPut_IsIdempotentUpsert(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	order := createTestOrder("o1", "t1")
	for i := 0; i < 3; i++ {
		if err := s.Put(ctx, domain.CollectionOrders, order); err != nil {
			t.Fatalf("Put() %d failed: %v", i, err)
		}
	}
	order.Notes = "no onions"
	if err := s.Put(ctx, domain.CollectionOrders, order); err != nil {
		t.Fatalf("Put() update failed: %v", err)
	}

	raws, err := s.GetByTenant(ctx, domain.CollectionOrders, "t1")
	if err != nil {
		t.Fatalf("GetByTenant() failed: %v", err)
	}
	if len(raws) != 1 {
		t.Fatalf("expected 1 record, got %d", len(raws))
	}

	got, _, _ := GetAs[domain.Order](ctx, s, domain.CollectionOrders, "o1")
	if got.Notes != "no onions" {
		t.Errorf("notes = %q, want last write", got.Notes)
	}
}

func TestGet_Missing(t *testing.T) {
	s, _ := createTestStore(t)

	var o domain.Order
	ok, err := s.Get(context.Background(), domain.CollectionOrders, "nope", &o)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if ok {
		t.Error("Get() reported a hit for a missing record")
	}
}

func TestPut_RejectsEmptyID(t *testing.T) {
	s, _ := createTestStore(t)

	err := s.Put(context.Background(), domain.CollectionOrders, domain.Order{TenantID: "t1"})
	if err == nil {
		t.Error("expected error for empty id")
	}
}

func TestGetByTenant_FiltersAndOrders(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	recs := []Keyed{
		createTestOrder("o2", "t1"),
		createTestOrder("o1", "t1"),
		createTestOrder("o3", "t2"),
	}
	if err := s.BulkPut(ctx, domain.CollectionOrders, recs); err != nil {
		t.Fatalf("BulkPut() failed: %v", err)
	}

	orders, err := ListAs[domain.Order](ctx, s, domain.CollectionOrders, "t1")
	if err != nil {
		t.Fatalf("ListAs() failed: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("expected 2 orders for t1, got %d", len(orders))
	}
	if orders[0].ID != "o1" || orders[1].ID != "o2" {
		t.Errorf("order = [%s %s], want [o1 o2]", orders[0].ID, orders[1].ID)
	}

	empty, err := s.GetByTenant(ctx, domain.CollectionOrders, "t9")
	if err != nil {
		t.Fatalf("GetByTenant() failed: %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Errorf("expected empty non-nil slice, got %v", empty)
	}
}

func TestDelete(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, domain.CollectionOrders, createTestOrder("o1", "t1")); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if err := s.Delete(ctx, domain.CollectionOrders, "o1"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if err := s.Delete(ctx, domain.CollectionOrders, "o1"); err != nil {
		t.Fatalf("second Delete() should be a no-op: %v", err)
	}

	_, ok, _ := GetAs[domain.Order](ctx, s, domain.CollectionOrders, "o1")
	if ok {
		t.Error("record still present after Delete()")
	}
}

func TestMergeRemote_KeepsUnsyncedLocal(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	local := createTestOrder("o1", "t1")
	local.Status = domain.StatusReady
	if err := s.Put(ctx, domain.CollectionOrders, local); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	remote := createTestOrder("o1", "t1")
	remote.Status = domain.StatusNew
	remote.IsSynced = true
	if err := s.MergeRemote(ctx, domain.CollectionOrders, "t1", []Keyed{remote}, false); err != nil {
		t.Fatalf("MergeRemote() failed: %v", err)
	}

	got, _, _ := GetAs[domain.Order](ctx, s, domain.CollectionOrders, "o1")
	if got.Status != domain.StatusReady {
		t.Errorf("status = %s, unsynced local write was clobbered", got.Status)
	}
}

func TestMergeRemote_OverwritesSyncedAndPrunes(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	synced := createTestOrder("o1", "t1")
	synced.IsSynced = true
	gone := createTestOrder("o2", "t1")
	gone.IsSynced = true
	pending := createTestOrder("o3", "t1")
	if err := s.BulkPut(ctx, domain.CollectionOrders, []Keyed{synced, gone, pending}); err != nil {
		t.Fatalf("BulkPut() failed: %v", err)
	}

	fresh := createTestOrder("o1", "t1")
	fresh.IsSynced = true
	fresh.Status = domain.StatusInKitchen
	if err := s.MergeRemote(ctx, domain.CollectionOrders, "t1", []Keyed{fresh}, true); err != nil {
		t.Fatalf("MergeRemote() failed: %v", err)
	}

	orders, err := ListAs[domain.Order](ctx, s, domain.CollectionOrders, "t1")
	if err != nil {
		t.Fatalf("ListAs() failed: %v", err)
	}
	ids := map[string]domain.Order{}
	for _, o := range orders {
		ids[o.ID] = o
	}
	if ids["o1"].Status != domain.StatusInKitchen {
		t.Errorf("o1 status = %s, want remote value", ids["o1"].Status)
	}
	if _, ok := ids["o2"]; ok {
		t.Error("synced record missing from remote listing was not pruned")
	}
	if _, ok := ids["o3"]; !ok {
		t.Error("unsynced local record was pruned")
	}
}

func TestCache_DegradesToMissOnFailure(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, domain.CollectionOrders, createTestOrder("o1", "t1")); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	cache := NewCache(s, nil)

	if got := ListCached[domain.Order](ctx, cache, domain.CollectionOrders, "t1"); len(got) != 1 {
		t.Fatalf("expected 1 cached order, got %d", len(got))
	}

	// A closed database stands in for quota or platform failures.
	s.Close()

	if got := ListCached[domain.Order](ctx, cache, domain.CollectionOrders, "t1"); len(got) != 0 {
		t.Errorf("expected miss after failure, got %d", len(got))
	}
	var o domain.Order
	if cache.Get(ctx, domain.CollectionOrders, "o1", &o) {
		t.Error("Get() should miss after failure")
	}
	if cache.Merge(ctx, domain.CollectionOrders, "t1", nil, false) {
		t.Error("Merge() should report failure")
	}
}
