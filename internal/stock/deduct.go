package stock

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/tillsync/internal/domain"
	"github.com/roach88/tillsync/internal/remote"
)

// ItemFailure is a deduction that could not be applied.
type ItemFailure struct {
	StockItemID string
	Err         error
}

// DeductResult reports per stock item what a deduction did.
type DeductResult struct {
	Applied []string
	Skipped []string // already applied for this order
	Failed  []ItemFailure
}

// Err joins every failure, or returns nil.
func (r DeductResult) Err() error {
	errs := make([]error, 0, len(r.Failed))
	for _, f := range r.Failed {
		errs = append(errs, fmt.Errorf("%s: %w", f.StockItemID, f.Err))
	}
	return errors.Join(errs...)
}

// Retryable reports whether any failure may succeed on a later attempt.
// Floor-check refusals and stock items missing from the remote are
// permanent.
func (r DeductResult) Retryable() bool {
	for _, f := range r.Failed {
		if !errors.Is(f.Err, ErrInsufficientStock) && !errors.Is(f.Err, remote.ErrNotFound) {
			return true
		}
	}
	return false
}

// Deduct takes the recipe requirements of items out of stock for an order.
//
// Every deduction writes a ledger row whose id is derived from the order,
// stock item and reason, so a repeated call for the same order skips items
// already deducted. Without override, a deduction that would take stock
// below zero is refused; with override the reason is recorded as
// override_without_stock and no floor applies.
//
// Each stock item is handled independently: one failure does not stop the
// others.
func (r *Reserver) Deduct(ctx context.Context, tenantID, orderID string, items []domain.LineItem, override bool) (DeductResult, error) {
	reqs, err := r.Requirements(ctx, tenantID, items)
	if err != nil {
		return DeductResult{}, err
	}

	reason := domain.ReasonFulfillment
	if override {
		reason = domain.ReasonOverrideStock
	}
	now := r.clock.Now()

	var res DeductResult
	for _, req := range reqs {
		mv := domain.NewDeduction(tenantID, orderID, req.StockItemID, req.RequiredQty, reason, now)

		applied, err := r.apply(ctx, mv, !override)
		switch {
		case err != nil:
			r.logger.Warn("stock deduction failed",
				"tenant_id", tenantID,
				"order_id", orderID,
				"stock_item_id", req.StockItemID,
				"error", err,
			)
			res.Failed = append(res.Failed, ItemFailure{StockItemID: req.StockItemID, Err: err})
		case applied:
			res.Applied = append(res.Applied, req.StockItemID)
		default:
			res.Skipped = append(res.Skipped, req.StockItemID)
		}
	}
	return res, nil
}

func (r *Reserver) apply(ctx context.Context, mv domain.StockMovement, floor bool) (bool, error) {
	if dec, ok := r.remote.(remote.StockDecrementer); ok {
		applied, err := dec.DecrementStock(ctx, mv, floor)
		if errors.Is(err, remote.ErrInsufficientStock) {
			return false, fmt.Errorf("%w: %w", ErrInsufficientStock, err)
		}
		return applied, err
	}
	return r.applyCAS(ctx, mv, floor)
}

// applyCAS is the fallback for remotes without an atomic decrement: check
// the ledger, compare-and-set current_stock, then write the ledger row.
// A crash between the two writes can deduct twice on redelivery.
func (r *Reserver) applyCAS(ctx context.Context, mv domain.StockMovement, floor bool) (bool, error) {
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		done, err := r.remote.Select(ctx, domain.CollectionStockMovements, remote.Query{
			Where: map[string]any{"id": mv.ID},
			Limit: 1,
		})
		if err != nil {
			return false, fmt.Errorf("check ledger: %w", err)
		}
		if len(done) > 0 {
			return false, nil
		}

		recs, err := r.remote.Select(ctx, domain.CollectionInventoryItems, remote.Query{
			Where: map[string]any{"id": mv.StockItemID},
			Limit: 1,
		})
		if err != nil {
			return false, fmt.Errorf("read stock: %w", err)
		}
		if len(recs) == 0 {
			return false, fmt.Errorf("stock item %s: %w", mv.StockItemID, remote.ErrNotFound)
		}
		item := recs[0]

		current := remote.DecimalField(item, "current_stock")
		if floor && current.Add(mv.Delta).IsNegative() {
			return false, fmt.Errorf("%w: have %s, need %s", ErrInsufficientStock, current, mv.Delta.Neg())
		}

		ok, err := r.remote.PatchIf(ctx, domain.CollectionInventoryItems, mv.StockItemID,
			remote.Record{"current_stock": current},
			remote.Record{"current_stock": remote.Sum(item["current_stock"], mv.Delta)},
		)
		if err != nil {
			return false, fmt.Errorf("update stock: %w", err)
		}
		if !ok {
			continue
		}

		ledger, err := remote.ToRecord(mv)
		if err != nil {
			return false, err
		}
		if err := r.remote.Upsert(ctx, domain.CollectionStockMovements, ledger); err != nil {
			return false, fmt.Errorf("write ledger: %w", err)
		}
		return true, nil
	}
	return false, fmt.Errorf("deduct %s: %w after %d attempts", mv.StockItemID, ErrConflict, r.maxRetries)
}
