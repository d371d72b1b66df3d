package hooks

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sort"
	"strings"

	"github.com/roach88/tillsync/internal/domain"
	"github.com/roach88/tillsync/internal/notify"
	"github.com/roach88/tillsync/internal/remote"
	"github.com/roach88/tillsync/internal/store"
)

// Factory opens resources for one terminal.
type Factory struct {
	cache  *store.Cache
	remote remote.Remote
	cfg    openConfig
}

// Option configures a Factory.
type Option func(*Factory)

// WithSubscriber enables change-driven refresh for orders and tables.
func WithSubscriber(s notify.Subscriber) Option {
	return func(f *Factory) { f.cfg.subscriber = s }
}

// WithoutInitialRefresh opens resources from the local snapshot only; they
// refresh on Refresh or on a change signal.
func WithoutInitialRefresh() Option {
	return func(f *Factory) { f.cfg.refresh = false }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Factory) { f.cfg.logger = l }
}

// NewFactory creates a factory reading through st and refreshing from rm.
func NewFactory(st *store.Store, rm remote.Remote, opts ...Option) *Factory {
	f := &Factory{
		remote: rm,
		cfg:    openConfig{refresh: true, logger: slog.Default()},
	}
	for _, opt := range opts {
		opt(f)
	}
	f.cache = store.NewCache(st, f.cfg.logger)
	return f
}

// Settings opens the tenant's settings, ordered by key.
func (f *Factory) Settings(ctx context.Context, tenantID string) (*Resource[domain.Setting], error) {
	return open(ctx, f.cache, tenantID, Source[domain.Setting]{
		Collection: domain.CollectionSettings,
		Fetch:      fetchAll[domain.Setting](f.remote, domain.CollectionSettings),
		View: sortedBy(func(a, b domain.Setting) bool {
			return a.Name < b.Name
		}),
	}, f.cfg)
}

// Inventory opens the tenant's stock items, ordered by name.
func (f *Factory) Inventory(ctx context.Context, tenantID string) (*Resource[domain.StockItem], error) {
	return open(ctx, f.cache, tenantID, Source[domain.StockItem]{
		Collection: domain.CollectionInventoryItems,
		Fetch:      fetchAll[domain.StockItem](f.remote, domain.CollectionInventoryItems),
		View: sortedBy(func(a, b domain.StockItem) bool {
			return strings.ToLower(a.Name) < strings.ToLower(b.Name)
		}),
	}, f.cfg)
}

// Tables opens the tenant's tables, ordered by name, following table
// change signals.
func (f *Factory) Tables(ctx context.Context, tenantID string) (*Resource[domain.Table], error) {
	return open(ctx, f.cache, tenantID, Source[domain.Table]{
		Collection: domain.CollectionTables,
		Fetch:      f.fetchTables,
		View: sortedBy(func(a, b domain.Table) bool {
			return a.Name < b.Name
		}),
		Entity: notify.EntityTables,
	}, f.cfg)
}

// Menu is the categories and menu items pair.
type Menu struct {
	Categories *Resource[domain.Category]
	Items      *Resource[domain.MenuItem]
}

// Menu opens categories ordered by position and menu items ordered by name.
func (f *Factory) Menu(ctx context.Context, tenantID string) (*Menu, error) {
	cats, err := open(ctx, f.cache, tenantID, Source[domain.Category]{
		Collection: domain.CollectionCategories,
		Fetch:      fetchAll[domain.Category](f.remote, domain.CollectionCategories),
		View: sortedBy(func(a, b domain.Category) bool {
			return a.Position < b.Position
		}),
	}, f.cfg)
	if err != nil {
		return nil, err
	}
	items, err := open(ctx, f.cache, tenantID, Source[domain.MenuItem]{
		Collection: domain.CollectionMenuItems,
		Fetch:      fetchAll[domain.MenuItem](f.remote, domain.CollectionMenuItems),
		View: sortedBy(func(a, b domain.MenuItem) bool {
			return a.Name < b.Name
		}),
	}, f.cfg)
	if err != nil {
		cats.Close()
		return nil, err
	}
	return &Menu{Categories: cats, Items: items}, nil
}

// Loading reports whether either half is still loading.
func (m *Menu) Loading() bool {
	return m.Categories.Loading() || m.Items.Loading()
}

// Refresh refreshes both halves.
func (m *Menu) Refresh(ctx context.Context) error {
	return errors.Join(m.Categories.Refresh(ctx), m.Items.Refresh(ctx))
}

// Close closes both halves.
func (m *Menu) Close() error {
	return errors.Join(m.Categories.Close(), m.Items.Close())
}

// OrderView selects which orders a resource shows.
type OrderView struct {
	// Statuses keeps only orders in these states. Empty keeps all.
	Statuses []domain.Status
	// Limit caps the number of orders. Zero means no cap.
	Limit int
}

// Apply filters and orders newest first.
func (v OrderView) Apply(orders []domain.Order) []domain.Order {
	out := make([]domain.Order, 0, len(orders))
	for _, o := range orders {
		if len(v.Statuses) == 0 || slices.Contains(v.Statuses, o.Status) {
			out = append(out, o)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if v.Limit > 0 && len(out) > v.Limit {
		out = out[:v.Limit]
	}
	return out
}

// Orders opens the tenant's orders through view, following order change
// signals.
func (f *Factory) Orders(ctx context.Context, tenantID string, view OrderView) (*Resource[domain.Order], error) {
	return open(ctx, f.cache, tenantID, Source[domain.Order]{
		Collection: domain.CollectionOrders,
		Fetch:      f.fetchOrders,
		View:       view.Apply,
		Entity:     notify.EntityOrders,
	}, f.cfg)
}

// fetchOrders joins remote headers with their items. Local-only display
// names the remote does not store are carried over from the cache.
func (f *Factory) fetchOrders(ctx context.Context, tenantID string) ([]domain.Order, error) {
	byTenant := remote.Query{Where: map[string]any{"tenant_id": tenantID}}

	headers, err := f.remote.Select(ctx, domain.CollectionOrders, byTenant)
	if err != nil {
		return nil, err
	}
	itemRecs, err := f.remote.Select(ctx, domain.CollectionOrderItems, byTenant)
	if err != nil {
		return nil, err
	}

	orders, err := remote.DecodeAll[domain.Order](headers)
	if err != nil {
		return nil, err
	}
	items, err := remote.DecodeAll[domain.LineItem](itemRecs)
	if err != nil {
		return nil, err
	}
	byOrder := make(map[string][]domain.LineItem)
	for _, it := range items {
		byOrder[it.OrderID] = append(byOrder[it.OrderID], it)
	}

	for i := range orders {
		o := &orders[i]
		o.Items = byOrder[o.ID]
		o.IsSynced = true

		var cached domain.Order
		if !f.cache.Get(ctx, domain.CollectionOrders, o.ID, &cached) {
			continue
		}
		o.TableName = cached.TableName
		names := make(map[string]string, len(cached.Items))
		for _, it := range cached.Items {
			names[it.ID] = it.MenuItemName
		}
		for j := range o.Items {
			if o.Items[j].MenuItemName == "" {
				o.Items[j].MenuItemName = names[o.Items[j].ID]
			}
		}
	}
	return orders, nil
}

// fetchTables marks fetched tables synced: a remote row is confirmed state.
func (f *Factory) fetchTables(ctx context.Context, tenantID string) ([]domain.Table, error) {
	tables, err := fetchAll[domain.Table](f.remote, domain.CollectionTables)(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	for i := range tables {
		tables[i].IsSynced = true
	}
	return tables, nil
}

func fetchAll[T any](rm remote.Remote, collection string) func(ctx context.Context, tenantID string) ([]T, error) {
	return func(ctx context.Context, tenantID string) ([]T, error) {
		recs, err := rm.Select(ctx, collection, remote.Query{
			Where: map[string]any{"tenant_id": tenantID},
		})
		if err != nil {
			return nil, err
		}
		return remote.DecodeAll[T](recs)
	}
}

func sortedBy[T any](less func(a, b T) bool) func([]T) []T {
	return func(recs []T) []T {
		out := slices.Clone(recs)
		sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
		return out
	}
}
