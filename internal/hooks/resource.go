// Package hooks exposes local-first, stale-while-revalidate views of cached
// collections.
//
// A Resource serves the terminal's local snapshot synchronously and
// refreshes it from the remote in the background. Orders and tables also
// follow tenant-scoped change notifications: each event triggers a full
// refetch.
package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/roach88/tillsync/internal/notify"
	"github.com/roach88/tillsync/internal/store"
)

// Source describes where a Resource reads from.
type Source[T store.Keyed] struct {
	// Collection is the local collection the records are cached in.
	Collection string

	// Fetch loads the tenant's complete listing from the remote.
	Fetch func(ctx context.Context, tenantID string) ([]T, error)

	// View filters and orders cached records for display. Nil keeps the
	// cache order (by id).
	View func([]T) []T

	// Entity, when set, subscribes the resource to change signals.
	Entity notify.Entity
}

// Resource is a live view of one tenant's records.
//
// Thread-safety: all methods are safe for concurrent use.
type Resource[T store.Keyed] struct {
	src      Source[T]
	tenantID string
	cache    *store.Cache
	logger   *slog.Logger

	mu      sync.RWMutex
	data    []T
	loading bool
	changed chan struct{}

	flight singleflight.Group
	sub    notify.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

type openConfig struct {
	subscriber notify.Subscriber
	refresh    bool
	logger     *slog.Logger
}

// open loads the local snapshot, subscribes when the source asks for it and
// starts the background refresh.
func open[T store.Keyed](ctx context.Context, cache *store.Cache, tenantID string, src Source[T], cfg openConfig) (*Resource[T], error) {
	rctx, cancel := context.WithCancel(context.Background())
	r := &Resource[T]{
		src:      src,
		tenantID: tenantID,
		cache:    cache,
		logger:   cfg.logger.With("collection", src.Collection, "tenant_id", tenantID),
		loading:  true,
		changed:  make(chan struct{}, 1),
		ctx:      rctx,
		cancel:   cancel,
	}
	r.loadLocal(ctx)

	if src.Entity != "" && cfg.subscriber != nil {
		// The subscription lives as long as the resource, not the caller's ctx.
		sub, err := cfg.subscriber.Subscribe(rctx, tenantID, src.Entity)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("subscribe %s: %w", src.Entity, err)
		}
		r.sub = sub
		r.wg.Add(1)
		go r.consume()
	}

	if cfg.refresh {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.Refresh(r.ctx)
		}()
	}
	return r, nil
}

// Data returns the current view. The slice must not be modified.
func (r *Resource[T]) Data() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.data
}

// Loading reports whether no data has arrived yet, locally or remotely.
func (r *Resource[T]) Loading() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loading
}

// Changed is signalled after every update of Data. Signals coalesce.
func (r *Resource[T]) Changed() <-chan struct{} {
	return r.changed
}

// Refresh refetches from the remote, re-caches and re-reads the local
// snapshot. On remote failure the local snapshot is re-read and the error is
// returned. Concurrent calls share one fetch.
func (r *Resource[T]) Refresh(ctx context.Context) error {
	_, err, _ := r.flight.Do("refresh", func() (any, error) {
		return nil, r.refresh(ctx)
	})
	return err
}

// Close stops the subscription and waits for background work.
func (r *Resource[T]) Close() error {
	var err error
	r.once.Do(func() {
		r.cancel()
		if r.sub != nil {
			err = r.sub.Close()
		}
		r.wg.Wait()
	})
	return err
}

func (r *Resource[T]) refresh(ctx context.Context) error {
	recs, err := r.src.Fetch(ctx, r.tenantID)
	if err != nil {
		r.logger.Warn("remote refresh failed, serving local snapshot", "error", err)
		r.loadLocal(ctx)
		return err
	}

	keyed := make([]store.Keyed, len(recs))
	for i := range recs {
		keyed[i] = recs[i]
	}
	if !r.cache.Merge(ctx, r.src.Collection, r.tenantID, keyed, true) {
		// Cache is unusable; show what the remote returned.
		r.set(r.view(recs), true)
		return nil
	}
	r.set(r.view(r.local(ctx)), true)
	return nil
}

func (r *Resource[T]) loadLocal(ctx context.Context) {
	data := r.view(r.local(ctx))
	r.set(data, len(data) > 0)
}

func (r *Resource[T]) local(ctx context.Context) []T {
	return store.ListCached[T](ctx, r.cache, r.src.Collection, r.tenantID)
}

func (r *Resource[T]) view(recs []T) []T {
	if r.src.View == nil {
		return recs
	}
	return r.src.View(recs)
}

// set publishes data; arrived clears loading.
func (r *Resource[T]) set(data []T, arrived bool) {
	r.mu.Lock()
	r.data = data
	if arrived {
		r.loading = false
	}
	r.mu.Unlock()

	select {
	case r.changed <- struct{}{}:
	default:
	}
}

// consume refreshes once per delivered change signal.
func (r *Resource[T]) consume() {
	defer r.wg.Done()
	events := r.sub.Events()
	for {
		select {
		case <-r.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.logger.Debug("change signal received", "event", ev.Entity)
			if err := r.Refresh(r.ctx); err != nil && r.ctx.Err() == nil {
				r.logger.Warn("refresh after change signal failed", "error", err)
			}
		}
	}
}
