package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Keyed is implemented by every cached entity.
type Keyed interface {
	Key() (id, tenantID string)
}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Get loads the record with the given id into out.
// Returns false (and no error) if the record does not exist.
func (s *Store) Get(ctx context.Context, collection, id string, out any) (bool, error) {
	data, err := getRaw(ctx, s.db, collection, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("get %s/%s: decode: %w", collection, id, err)
	}
	return true, nil
}

// Put upserts a record. Writing the same record twice is a no-op.
func (s *Store) Put(ctx context.Context, collection string, rec Keyed) error {
	if err := putRecord(ctx, s.db, collection, rec, s.clock.Now().UnixNano()); err != nil {
		return fmt.Errorf("put %s: %w", collection, err)
	}
	return nil
}

// BulkPut upserts records in a single transaction.
func (s *Store) BulkPut(ctx context.Context, collection string, recs []Keyed) error {
	now := s.clock.Now().UnixNano()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, rec := range recs {
			if err := putRecord(ctx, tx, collection, rec, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("bulk put %s: %w", collection, err)
	}
	return nil
}

// GetByTenant returns all raw records of a collection for one tenant,
// ordered by id. Returns an empty slice (not nil) when nothing is cached.
func (s *Store) GetByTenant(ctx context.Context, collection, tenantID string) ([]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM records
		WHERE collection = ? AND tenant_id = ?
		ORDER BY id COLLATE BINARY ASC
	`, collection, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	defer rows.Close()

	out := []json.RawMessage{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan %s: %w", collection, err)
		}
		out = append(out, json.RawMessage(data))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", collection, err)
	}
	return out, nil
}

// Delete removes a record. Deleting a missing record is not an error.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE collection = ? AND id = ?`, collection, id)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	return nil
}

// MergeRemote re-caches records fetched from the remote for one tenant.
//
// A local record whose is_synced flag is false still has queued mutations and
// is the optimistic truth, so it is kept as-is. When prune is set, synced
// local records missing from recs are deleted (recs must then be the tenant's
// complete listing).
func (s *Store) MergeRemote(ctx context.Context, collection, tenantID string, recs []Keyed, prune bool) error {
	now := s.clock.Now().UnixNano()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		seen := make(map[string]bool, len(recs))
		for _, rec := range recs {
			id, _ := rec.Key()
			seen[id] = true

			pending, err := hasUnsyncedLocal(ctx, tx, collection, id)
			if err != nil {
				return err
			}
			if pending {
				continue
			}
			if err := putRecord(ctx, tx, collection, rec, now); err != nil {
				return err
			}
		}

		if !prune {
			return nil
		}
		return pruneMissing(ctx, tx, collection, tenantID, seen)
	})
	if err != nil {
		return fmt.Errorf("merge %s: %w", collection, err)
	}
	return nil
}

// GetAs loads one record as T.
func GetAs[T any](ctx context.Context, s *Store, collection, id string) (T, bool, error) {
	var out T
	ok, err := s.Get(ctx, collection, id, &out)
	return out, ok, err
}

// ListAs returns a tenant's records decoded as T.
func ListAs[T any](ctx context.Context, s *Store, collection, tenantID string) ([]T, error) {
	raws, err := s.GetByTenant(ctx, collection, tenantID)
	if err != nil {
		return nil, err
	}
	return decodeAll[T](collection, raws)
}

func decodeAll[T any](collection string, raws []json.RawMessage) ([]T, error) {
	out := make([]T, 0, len(raws))
	for _, raw := range raws {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", collection, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func putRecord(ctx context.Context, q dbtx, collection string, rec Keyed, now int64) error {
	id, tenantID := rec.Key()
	if id == "" {
		return fmt.Errorf("record has empty id")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO records (collection, id, tenant_id, data, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			data = excluded.data,
			updated_at = excluded.updated_at
	`, collection, id, tenantID, string(data), now)
	if err != nil {
		return fmt.Errorf("write %s/%s: %w", collection, id, err)
	}
	return nil
}

func getRaw(ctx context.Context, q dbtx, collection, id string) ([]byte, error) {
	var data string
	err := q.QueryRowContext(ctx, `
		SELECT data FROM records WHERE collection = ? AND id = ?
	`, collection, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", collection, id, err)
	}
	return []byte(data), nil
}

// syncFlag reads only the is_synced field of a record.
type syncFlag struct {
	IsSynced *bool `json:"is_synced"`
}

func hasUnsyncedLocal(ctx context.Context, q dbtx, collection, id string) (bool, error) {
	data, err := getRaw(ctx, q, collection, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var f syncFlag
	if err := json.Unmarshal(data, &f); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", collection, id, err)
	}
	return f.IsSynced != nil && !*f.IsSynced, nil
}

func pruneMissing(ctx context.Context, tx *sql.Tx, collection, tenantID string, keep map[string]bool) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, data FROM records WHERE collection = ? AND tenant_id = ?
	`, collection, tenantID)
	if err != nil {
		return fmt.Errorf("list for prune: %w", err)
	}

	var stale []string
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			rows.Close()
			return fmt.Errorf("scan for prune: %w", err)
		}
		if keep[id] {
			continue
		}
		var f syncFlag
		if err := json.Unmarshal([]byte(data), &f); err == nil && f.IsSynced != nil && !*f.IsSynced {
			continue
		}
		stale = append(stale, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterate for prune: %w", err)
	}
	rows.Close()

	for _, id := range stale {
		if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE collection = ? AND id = ?`, collection, id); err != nil {
			return fmt.Errorf("prune %s: %w", id, err)
		}
	}
	return nil
}

// setSynced flips is_synced to true on a record that carries the flag.
// Records without the flag are left untouched.
func setSynced(ctx context.Context, q dbtx, collection, id string) error {
	data, err := getRaw(ctx, q, collection, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("decode %s/%s: %w", collection, id, err)
	}
	if _, ok := fields["is_synced"]; !ok {
		return nil
	}
	fields["is_synced"] = json.RawMessage("true")

	updated, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}
	_, err = q.ExecContext(ctx, `
		UPDATE records SET data = ? WHERE collection = ? AND id = ?
	`, string(updated), collection, id)
	if err != nil {
		return fmt.Errorf("mark synced %s/%s: %w", collection, id, err)
	}
	return nil
}
