package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/roach88/tillsync/internal/domain"
	"github.com/roach88/tillsync/internal/remote"
	"github.com/roach88/tillsync/internal/stock"
	"github.com/roach88/tillsync/internal/store"
)

// DefaultInterval is how often Run drains without being notified.
const DefaultInterval = 30 * time.Second

// Connectivity reports whether the remote is reachable.
type Connectivity interface {
	Online() bool
}

// AlwaysOnline is a Connectivity that never blocks draining.
type AlwaysOnline struct{}

// Online implements Connectivity.
func (AlwaysOnline) Online() bool { return true }

// Deducter applies settlement stock deductions. Implemented by
// *stock.Reserver.
type Deducter interface {
	Deduct(ctx context.Context, tenantID, orderID string, items []domain.LineItem, override bool) (stock.DeductResult, error)
}

// DrainResult summarises one drain.
type DrainResult struct {
	Attempted   int `json:"attempted"`
	Succeeded   int `json:"succeeded"`
	Failed      int `json:"failed"`
	Held        int `json:"held"`
	Quarantined int `json:"quarantined"`
}

// Processor is the queue's only consumer.
//
// Thread-safety model:
//   - Notify(): safe from any goroutine
//   - Drain(): safe from any goroutine; concurrent calls share one drain
//   - Run(): must be called from exactly one goroutine
type Processor struct {
	store    *store.Store
	remote   remote.Remote
	stock    Deducter
	clock    domain.Clock
	backoff  Backoff
	online   Connectivity
	interval time.Duration
	logger   *slog.Logger

	flight singleflight.Group
	wake   *signal
}

// Option configures a Processor.
type Option func(*Processor)

// WithClock sets the clock used for backoff schedules.
func WithClock(c domain.Clock) Option {
	return func(p *Processor) { p.clock = c }
}

// WithBackoff sets the retry policy.
func WithBackoff(b Backoff) Option {
	return func(p *Processor) { p.backoff = b }
}

// WithConnectivity sets the reachability check consulted by Run.
func WithConnectivity(c Connectivity) Option {
	return func(p *Processor) { p.online = c }
}

// WithInterval sets the periodic drain interval for Run.
func WithInterval(d time.Duration) Option {
	return func(p *Processor) { p.interval = d }
}

// WithDeducter replaces the stock module used by settlement.
func WithDeducter(d Deducter) Option {
	return func(p *Processor) { p.stock = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) { p.logger = l }
}

// New creates a processor draining s into rm.
func New(s *store.Store, rm remote.Remote, opts ...Option) *Processor {
	p := &Processor{
		store:    s,
		remote:   rm,
		clock:    domain.SystemClock{},
		backoff:  DefaultBackoff,
		online:   AlwaysOnline{},
		interval: DefaultInterval,
		logger:   slog.Default(),
		wake:     newSignal(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.stock == nil {
		p.stock = stock.New(rm, stock.WithClock(p.clock), stock.WithLogger(p.logger))
	}
	return p
}

// Notify wakes the Run loop. Non-blocking.
func (p *Processor) Notify() {
	p.wake.Notify()
}

// Drain processes a snapshot of the queue. If a drain is already in flight
// the caller waits for it and receives its result.
//
// The shared drain runs on the ctx of the call that started it. Cancelling
// that ctx stops the drain after its current job for every caller waiting
// on it, and a joining caller's own ctx is not consulted. Unfinished jobs
// stay queued for the next drain.
func (p *Processor) Drain(ctx context.Context) (DrainResult, error) {
	v, err, _ := p.flight.Do("drain", func() (any, error) {
		return p.drain(ctx)
	})
	res, _ := v.(DrainResult)
	return res, err
}

// Run drains whenever notified and every interval, while online. Blocks
// until ctx is cancelled. A drain in progress when ctx is cancelled stops
// after its current job; unfinished jobs stay queued.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info("sync engine starting", "interval", p.interval)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.tryDrain(ctx)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("sync engine stopping: context cancelled")
			return ctx.Err()
		case <-p.wake.Wait():
			p.tryDrain(ctx)
		case <-ticker.C:
			p.tryDrain(ctx)
		}
	}
}

func (p *Processor) tryDrain(ctx context.Context) {
	if !p.online.Online() {
		p.logger.Debug("skipping drain: offline")
		return
	}
	res, err := p.Drain(ctx)
	if err != nil && ctx.Err() == nil {
		p.logger.Error("drain failed", "error", err)
		return
	}
	if res.Attempted > 0 || res.Held > 0 {
		p.logger.Info("drain finished",
			"attempted", res.Attempted,
			"succeeded", res.Succeeded,
			"failed", res.Failed,
			"held", res.Held,
			"quarantined", res.Quarantined,
		)
	}
}

func (p *Processor) drain(ctx context.Context) (DrainResult, error) {
	var res DrainResult

	jobs, err := p.store.DequeueAll(ctx)
	if err != nil {
		return res, fmt.Errorf("load queue: %w", err)
	}

	now := p.clock.Now()
	blocked := make(map[string]bool)
	// Outcomes are recorded even when ctx ends mid-job, so an applied job is
	// not applied again.
	bookCtx := context.WithoutCancel(ctx)

	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}

		key := job.Entity().String()
		refs := job.Refs()
		if anyBlocked(blocked, refs) || !job.Ready(now) {
			block(blocked, refs)
			res.Held++
			continue
		}

		res.Attempted++
		err := p.apply(ctx, &job)
		if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			// Shutdown mid-job is not the job's failure.
			res.Attempted--
			break
		}
		if err == nil {
			if err := p.store.CompleteJob(bookCtx, job); err != nil {
				return res, err
			}
			res.Succeeded++
			p.logger.Debug("job applied", "job_id", job.ID, "kind", job.Kind(), "entity", key)
			continue
		}

		block(blocked, refs)
		res.Failed++
		attempts := job.RetryCount + 1
		quarantine := IsPermanent(err) || p.backoff.Exhausted(attempts)
		next := now.Add(p.backoff.Delay(attempts))
		if err := p.store.FailJob(bookCtx, job.ID, err, next, quarantine); err != nil {
			return res, err
		}

		if quarantine {
			res.Quarantined++
			p.logger.Error("job quarantined",
				"job_id", job.ID,
				"kind", job.Kind(),
				"entity", key,
				"attempts", attempts,
				"error", err,
			)
			continue
		}
		p.logger.Warn("job failed",
			"job_id", job.ID,
			"kind", job.Kind(),
			"entity", key,
			"attempts", attempts,
			"next_attempt_at", next,
			"error", err,
		)
	}
	return res, nil
}

// anyBlocked reports whether an earlier job touching one of refs is still
// pending. Related records count: a settlement must not release a table
// whose seating has not reached the remote yet.
func anyBlocked(blocked map[string]bool, refs []domain.EntityRef) bool {
	for _, r := range refs {
		if blocked[r.String()] {
			return true
		}
	}
	return false
}

func block(blocked map[string]bool, refs []domain.EntityRef) {
	for _, r := range refs {
		blocked[r.String()] = true
	}
}

// apply dispatches one job to its remote translation.
func (p *Processor) apply(ctx context.Context, job *domain.Job) error {
	switch pl := job.Payload.(type) {
	case *domain.CreateOrder:
		header, items, err := remote.OrderPayload(pl.Order)
		if err != nil {
			return newJobError(ErrCodeInvalidPayload, *job, "encode order", err)
		}
		if err := p.remote.SubmitOrder(ctx, header, items); err != nil {
			return newJobError(ErrCodeRemoteFailure, *job, "submit order", err)
		}
		return nil

	case *domain.UpdateOrder:
		fields, err := remote.ToRecord(pl.Patch)
		if err != nil {
			return newJobError(ErrCodeInvalidPayload, *job, "encode order patch", err)
		}
		if err := p.remote.Patch(ctx, domain.CollectionOrders, pl.OrderID, fields); err != nil {
			return newJobError(ErrCodeRemoteFailure, *job, "patch order", err)
		}
		return nil

	case *domain.UpdateOrderFull:
		header, items, err := remote.OrderPayload(pl.Order)
		if err != nil {
			return newJobError(ErrCodeInvalidPayload, *job, "encode order", err)
		}
		if err := p.remote.ReplaceOrder(ctx, pl.Order.ID, header, items); err != nil {
			return newJobError(ErrCodeRemoteFailure, *job, "replace order", err)
		}
		return nil

	case *domain.CompleteOrder:
		return p.settle(ctx, job, pl)

	case *domain.UpdateTable:
		if pl.Patch.Empty() {
			return nil
		}
		fields, err := remote.ToRecord(pl.Patch)
		if err != nil {
			return newJobError(ErrCodeInvalidPayload, *job, "encode table patch", err)
		}
		if err := p.remote.Patch(ctx, domain.CollectionTables, pl.TableID, fields); err != nil {
			return newJobError(ErrCodeRemoteFailure, *job, "patch table", err)
		}
		return nil

	default:
		return &SyncError{
			Code:    ErrCodeUnknownJobKind,
			Message: fmt.Sprintf("no handler for %T", job.Payload),
			JobID:   job.ID,
		}
	}
}
