// Package pgremote is the Postgres system of record.
//
// Every collection lives in one document table keyed by (collection, id)
// with the record body in a jsonb column. Multi-row operations run in a
// single transaction, and read-modify-write primitives lock the row with
// SELECT ... FOR UPDATE.
package pgremote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/roach88/tillsync/internal/domain"
	"github.com/roach88/tillsync/internal/notify"
	"github.com/roach88/tillsync/internal/remote"
)

const schema = `
CREATE TABLE IF NOT EXISTS tillsync_records (
    collection TEXT NOT NULL,
    id         TEXT NOT NULL,
    tenant_id  TEXT NOT NULL DEFAULT '',
    doc        JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (collection, id)
);

CREATE INDEX IF NOT EXISTS idx_tillsync_records_tenant
    ON tillsync_records(collection, tenant_id);
`

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// connectTimeout bounds the startup connection attempt and each Online
// check.
const connectTimeout = 2 * time.Second

// Remote implements remote.Remote, remote.StockDecrementer and
// remote.Incrementer on Postgres.
type Remote struct {
	pool   *pgxpool.Pool
	pub    notify.Publisher
	clock  domain.Clock
	logger *slog.Logger

	schemaMu sync.Mutex
	migrated bool
}

// Option configures a Remote.
type Option func(*Remote)

// WithPublisher sets the publisher for order and table change signals.
func WithPublisher(p notify.Publisher) Option {
	return func(r *Remote) { r.pub = p }
}

// WithLogger sets the logger for failed change signals.
func WithLogger(l *slog.Logger) Option {
	return func(r *Remote) { r.logger = l }
}

// Connect opens a pool and creates the document table. An unreachable
// database is not an error: the pool dials lazily and the table is created
// on first successful use.
func Connect(ctx context.Context, dsn string, opts ...Option) (*Remote, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	r := New(pool, opts...)
	pctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := r.ready(pctx); err != nil {
		r.logger.Warn("postgres unreachable, starting offline", "error", err)
	}
	return r, nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool, opts ...Option) *Remote {
	r := &Remote{
		pool:   pool,
		clock:  domain.SystemClock{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Migrate creates the document table if needed.
func (r *Remote) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate postgres schema: %w", err)
	}
	return nil
}

// ready migrates once, on the first call that reaches the database.
func (r *Remote) ready(ctx context.Context) error {
	r.schemaMu.Lock()
	defer r.schemaMu.Unlock()
	if r.migrated {
		return nil
	}
	if err := r.Migrate(ctx); err != nil {
		return fmt.Errorf("%w: %w", remote.ErrUnavailable, err)
	}
	r.migrated = true
	return nil
}

// Close closes the pool.
func (r *Remote) Close() {
	r.pool.Close()
}

// Online pings the database with a short timeout and creates the schema
// the first time it answers.
func (r *Remote) Online() bool {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := r.pool.Ping(ctx); err != nil {
		return false
	}
	return r.ready(ctx) == nil
}

func (r *Remote) Upsert(ctx context.Context, collection string, rec remote.Record) error {
	if err := r.ready(ctx); err != nil {
		return err
	}
	if err := upsert(ctx, r.pool, collection, rec); err != nil {
		return err
	}
	r.signal(ctx, collection, rec.TenantID())
	return nil
}

func (r *Remote) Patch(ctx context.Context, collection, id string, fields remote.Record) error {
	if err := r.ready(ctx); err != nil {
		return err
	}
	tenantID, err := patch(ctx, r.pool, collection, id, fields)
	if err != nil {
		return err
	}
	r.signal(ctx, collection, tenantID)
	return nil
}

func (r *Remote) PatchIf(ctx context.Context, collection, id string, expect, fields remote.Record) (bool, error) {
	if err := r.ready(ctx); err != nil {
		return false, err
	}
	var (
		applied  bool
		tenantID string
	)
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		cur, err := lockDoc(ctx, tx, collection, id)
		if err != nil {
			return err
		}
		if !remote.Matches(cur, expect) {
			return nil
		}
		tenantID, err = patch(ctx, tx, collection, id, fields)
		applied = err == nil
		return err
	})
	if err != nil {
		return false, err
	}
	if applied {
		r.signal(ctx, collection, tenantID)
	}
	return applied, nil
}

func (r *Remote) Select(ctx context.Context, collection string, q remote.Query) ([]remote.Record, error) {
	if err := r.ready(ctx); err != nil {
		return nil, err
	}
	sql, args, err := buildSelect(collection, q.Where)
	if err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", collection, err)
	}
	defer rows.Close()

	var recs []remote.Record
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan %s: %w", collection, err)
		}
		rec, err := decodeDoc(doc)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", collection, err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", collection, err)
	}
	return remote.Apply(recs, remote.Query{OrderBy: q.OrderBy, Desc: q.Desc, Limit: q.Limit}), nil
}

func (r *Remote) Delete(ctx context.Context, collection, id string) error {
	if err := r.ready(ctx); err != nil {
		return err
	}
	var tenantID string
	err := r.pool.QueryRow(ctx, `
		DELETE FROM tillsync_records WHERE collection = $1 AND id = $2
		RETURNING tenant_id
	`, collection, id).Scan(&tenantID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	r.signal(ctx, collection, tenantID)
	return nil
}

func (r *Remote) SubmitOrder(ctx context.Context, header remote.Record, items []remote.Record) error {
	if err := r.ready(ctx); err != nil {
		return err
	}
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		if err := upsert(ctx, tx, domain.CollectionOrders, header); err != nil {
			return err
		}
		for _, item := range items {
			if err := upsert(ctx, tx, domain.CollectionOrderItems, item); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("submit order %s: %w", header.ID(), err)
	}
	r.signal(ctx, domain.CollectionOrders, header.TenantID())
	return nil
}

func (r *Remote) ReplaceOrder(ctx context.Context, orderID string, fields remote.Record, items []remote.Record) error {
	if err := r.ready(ctx); err != nil {
		return err
	}
	var tenantID string
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		if tenantID, err = patch(ctx, tx, domain.CollectionOrders, orderID, fields); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			DELETE FROM tillsync_records
			WHERE collection = $1 AND doc->>'order_id' = $2
		`, domain.CollectionOrderItems, orderID); err != nil {
			return fmt.Errorf("delete items: %w", err)
		}
		for _, item := range items {
			if err := upsert(ctx, tx, domain.CollectionOrderItems, item); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replace order %s: %w", orderID, err)
	}
	r.signal(ctx, domain.CollectionOrders, tenantID)
	return nil
}

// DecrementStock implements remote.StockDecrementer. The stock row is locked
// before the ledger is checked, so concurrent deliveries of one movement
// apply it once.
func (r *Remote) DecrementStock(ctx context.Context, mv domain.StockMovement, floor bool) (bool, error) {
	if err := r.ready(ctx); err != nil {
		return false, err
	}
	var applied bool
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		item, err := lockDoc(ctx, tx, domain.CollectionInventoryItems, mv.StockItemID)
		if err != nil {
			return err
		}

		var exists bool
		if err := tx.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM tillsync_records WHERE collection = $1 AND id = $2)
		`, domain.CollectionStockMovements, mv.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check ledger: %w", err)
		}
		if exists {
			return nil
		}

		next := remote.DecimalField(item, "current_stock").Add(mv.Delta)
		if floor && next.IsNegative() {
			return remote.ErrInsufficientStock
		}

		if _, err := patch(ctx, tx, domain.CollectionInventoryItems, mv.StockItemID, remote.Record{
			"current_stock": remote.Sum(item["current_stock"], mv.Delta),
		}); err != nil {
			return err
		}
		ledger, err := remote.ToRecord(mv)
		if err != nil {
			return err
		}
		if err := upsert(ctx, tx, domain.CollectionStockMovements, ledger); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("decrement %s: %w", mv.StockItemID, err)
	}
	return applied, nil
}

// Increment implements remote.Incrementer.
func (r *Remote) Increment(ctx context.Context, collection, id string, set remote.Record, deltas map[string]decimal.Decimal) error {
	if err := r.ready(ctx); err != nil {
		return err
	}
	stub, err := json.Marshal(remote.Record{"id": id})
	if err != nil {
		return fmt.Errorf("increment %s/%s: %w", collection, id, err)
	}
	err = r.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO tillsync_records (collection, id, tenant_id, doc)
			VALUES ($1, $2, $3, $4::jsonb)
			ON CONFLICT (collection, id) DO NOTHING
		`, collection, id, set.TenantID(), string(stub)); err != nil {
			return fmt.Errorf("create: %w", err)
		}

		rec, err := lockDoc(ctx, tx, collection, id)
		if err != nil {
			return err
		}
		for k, v := range set {
			rec[k] = v
		}
		for k, d := range deltas {
			rec[k] = remote.Sum(rec[k], d)
		}
		return upsert(ctx, tx, collection, rec)
	})
	if err != nil {
		return fmt.Errorf("increment %s/%s: %w", collection, id, err)
	}
	return nil
}

func (r *Remote) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // No-op if committed

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *Remote) signal(ctx context.Context, collection, tenantID string) {
	if r.pub == nil || tenantID == "" {
		return
	}
	entity, ok := notify.EntityFor(collection)
	if !ok {
		return
	}
	ev := notify.Event{TenantID: tenantID, Entity: entity, At: r.clock.Now()}
	if err := r.pub.Publish(ctx, ev); err != nil {
		r.logger.Warn("change signal failed", "tenant_id", tenantID, "entity", entity, "error", err)
	}
}

func upsert(ctx context.Context, q querier, collection string, rec remote.Record) error {
	id := rec.ID()
	if id == "" {
		return fmt.Errorf("upsert %s: record has no id", collection)
	}
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}
	_, err = q.Exec(ctx, `
		INSERT INTO tillsync_records (collection, id, tenant_id, doc, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, now())
		ON CONFLICT (collection, id) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id,
			doc = EXCLUDED.doc,
			updated_at = now()
	`, collection, id, rec.TenantID(), string(doc))
	if err != nil {
		return fmt.Errorf("upsert %s/%s: %w", collection, id, err)
	}
	return nil
}

func patch(ctx context.Context, q querier, collection, id string, fields remote.Record) (string, error) {
	doc, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("encode patch %s/%s: %w", collection, id, err)
	}
	var tenantID string
	err = q.QueryRow(ctx, `
		UPDATE tillsync_records
		SET doc = doc || $3::jsonb, updated_at = now()
		WHERE collection = $1 AND id = $2
		RETURNING tenant_id
	`, collection, id, string(doc)).Scan(&tenantID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("patch %s/%s: %w", collection, id, remote.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("patch %s/%s: %w", collection, id, err)
	}
	return tenantID, nil
}

func lockDoc(ctx context.Context, tx pgx.Tx, collection, id string) (remote.Record, error) {
	var doc []byte
	err := tx.QueryRow(ctx, `
		SELECT doc FROM tillsync_records WHERE collection = $1 AND id = $2 FOR UPDATE
	`, collection, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, remote.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lock %s/%s: %w", collection, id, err)
	}
	return decodeDoc(doc)
}

func decodeDoc(doc []byte) (remote.Record, error) {
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	var rec remote.Record
	if err := dec.Decode(&rec); err != nil {
		return nil, err
	}
	return rec, nil
}

var fieldName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// buildSelect renders the filter for Select. Field names are checked
// against a strict pattern because they are interpolated into the query.
func buildSelect(collection string, where map[string]any) (string, []any, error) {
	keys := make([]string, 0, len(where))
	for k := range where {
		if !fieldName.MatchString(k) {
			return "", nil, fmt.Errorf("select %s: invalid field name %q", collection, k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("SELECT doc FROM tillsync_records WHERE collection = $1")
	args := []any{collection}
	for _, k := range keys {
		args = append(args, remote.ValueString(where[k]))
		if k == "tenant_id" {
			fmt.Fprintf(&b, " AND tenant_id = $%d", len(args))
			continue
		}
		fmt.Fprintf(&b, " AND doc->>'%s' = $%d", k, len(args))
	}
	b.WriteString(" ORDER BY id")
	return b.String(), args, nil
}
