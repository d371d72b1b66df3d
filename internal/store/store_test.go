package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/roach88/tillsync/internal/domain"
)

func TestOpen_ConfiguresDurableStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "till.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("database file not created: %v", err)
	}

	for _, tc := range []struct {
		pragma string
		want   string
	}{
		{"journal_mode", "wal"},
		{"synchronous", "1"}, // NORMAL
		{"busy_timeout", "5000"},
		{"foreign_keys", "1"},
	} {
		if err := s.verifyPragma(tc.pragma, tc.want); err != nil {
			t.Error(err)
		}
	}
}

func TestOpen_ReopenKeepsCacheAndSchemaVersion(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "till.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := s.Put(ctx, domain.CollectionOrders, createTestOrder("o1", "t1")); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	_ = s.Close() // second close must not panic

	for i := 0; i < 2; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("reopen %d failed: %v", i, err)
		}
		if _, ok, err := GetAs[domain.Order](ctx, s, domain.CollectionOrders, "o1"); err != nil || !ok {
			t.Errorf("reopen %d: cached order missing (ok=%v, err=%v)", i, ok, err)
		}
		if v := userVersion(t, s.db); v != currentSchemaVersion {
			t.Errorf("reopen %d: user_version = %d, want %d", i, v, currentSchemaVersion)
		}
		s.Close()
	}
}

func TestOpen_MemoryDatabaseKeepsState(t *testing.T) {
	ctx := context.Background()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	order := createTestOrder("o1", "t1")
	if _, err := s.PutAndEnqueue(ctx, domain.CollectionOrders, order, &domain.CreateOrder{Order: order}); err != nil {
		t.Fatalf("PutAndEnqueue() failed: %v", err)
	}
	jobs, err := s.DequeueAll(ctx)
	if err != nil {
		t.Fatalf("DequeueAll() failed: %v", err)
	}
	if len(jobs) != 1 {
		t.Errorf("jobs = %d, want 1 across calls on one in-memory database", len(jobs))
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	if _, err := Open("/nonexistent/dir/till.db"); err == nil {
		t.Error("expected error for invalid path, got nil")
	}
}

func TestOpen_UpgradesVersionZeroDatabase(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "till.db")

	// A terminal from before the queue tenant index existed.
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		t.Fatalf("failed to apply schema: %v", err)
	}
	if _, err := db.Exec(`DROP INDEX IF EXISTS idx_pending_tenant; PRAGMA user_version = 0`); err != nil {
		t.Fatalf("failed to reset version: %v", err)
	}
	if _, err := db.Exec(`
		INSERT INTO records (collection, id, tenant_id, data, updated_at)
		VALUES ('settings', 's1', 't1', '{"id":"s1","tenant_id":"t1","key":"currency","value":"EUR"}', 0)
	`); err != nil {
		t.Fatalf("failed to seed record: %v", err)
	}
	db.Close()

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if v := userVersion(t, s.db); v != currentSchemaVersion {
		t.Errorf("user_version = %d, want %d after migration", v, currentSchemaVersion)
	}
	if indexes := tableIndexes(t, s.db, "pending_orders"); !slices.Contains(indexes, "idx_pending_tenant") {
		t.Errorf("pending_orders indexes = %v, want idx_pending_tenant", indexes)
	}
	setting, ok, err := GetAs[domain.Setting](ctx, s, domain.CollectionSettings, "s1")
	if err != nil || !ok {
		t.Fatalf("cached setting lost in upgrade (ok=%v, err=%v)", ok, err)
	}
	if setting.Name != "currency" || setting.Value != "EUR" {
		t.Errorf("setting = %+v", setting)
	}
}

func userVersion(t *testing.T, db *sql.DB) int {
	t.Helper()
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		t.Fatalf("failed to get user_version: %v", err)
	}
	return version
}

func tableIndexes(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()
	rows, err := db.Query("SELECT name FROM sqlite_master WHERE type='index' AND tbl_name=?", table)
	if err != nil {
		t.Fatalf("failed to get indexes for %q: %v", table, err)
	}
	defer rows.Close()

	var indexes []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("failed to scan index name: %v", err)
		}
		indexes = append(indexes, name)
	}
	return indexes
}
