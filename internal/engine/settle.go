package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/tillsync/internal/domain"
	"github.com/roach88/tillsync/internal/remote"
)

// permanentStep marks a cascade failure that a retry would repeat. The step
// is logged and marked done.
type permanentStep struct{ err error }

func (e permanentStep) Error() string { return e.err.Error() }
func (e permanentStep) Unwrap() error { return e.err }

func permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentStep{err}
}

// permanentIfMissing treats a vanished remote record as permanent.
func permanentIfMissing(err error) error {
	if errors.Is(err, remote.ErrNotFound) {
		return permanent(err)
	}
	return err
}

type settlementStep struct {
	step domain.SettlementStep
	run  func(ctx context.Context, s domain.Settlement) error
}

// settle runs the settlement cascade. Billing must succeed first; the other
// steps are independent. Steps already recorded in the payload are skipped,
// and progress is saved after every step.
func (p *Processor) settle(ctx context.Context, job *domain.Job, c *domain.CompleteOrder) error {
	s := c.Settlement

	if !c.Done(domain.StepBill) {
		if err := p.bill(ctx, s); err != nil {
			return newJobError(ErrCodeRemoteFailure, *job, "bill order", err)
		}
		c.MarkDone(domain.StepBill)
		p.saveProgress(ctx, job)
	}

	steps := []settlementStep{
		{domain.StepStock, p.deductStock},
		{domain.StepPromo, p.countPromo},
		{domain.StepDailySales, p.addDailySales},
		{domain.StepLoyalty, p.recordVisit},
		{domain.StepTable, p.releaseTable},
	}

	var retry []error
	for _, st := range steps {
		if c.Done(st.step) {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := st.run(ctx, s)
		var perm permanentStep
		switch {
		case err == nil:
		case errors.As(err, &perm):
			p.logger.Error("settlement step failed permanently",
				"job_id", job.ID,
				"order_id", s.OrderID,
				"tenant_id", s.TenantID,
				"step", st.step,
				"error", err,
			)
		default:
			p.logger.Warn("settlement step failed",
				"job_id", job.ID,
				"order_id", s.OrderID,
				"tenant_id", s.TenantID,
				"step", st.step,
				"error", err,
			)
			se := newJobError(ErrCodeCascadeStep, *job, "settlement step failed", err)
			se.Step = st.step
			retry = append(retry, se)
			continue
		}
		c.MarkDone(st.step)
		p.saveProgress(ctx, job)
	}
	return errors.Join(retry...)
}

// saveProgress persists completed steps. A failure only costs a repeated
// step on redelivery.
func (p *Processor) saveProgress(ctx context.Context, job *domain.Job) {
	if err := p.store.SaveProgress(context.WithoutCancel(ctx), *job); err != nil {
		p.logger.Warn("saving settlement progress failed", "job_id", job.ID, "error", err)
	}
}

func (p *Processor) bill(ctx context.Context, s domain.Settlement) error {
	fields := remote.Record{
		"status":         string(domain.StatusBilled),
		"subtotal":       s.Subtotal.String(),
		"tax":            s.Tax.String(),
		"discount":       s.Discount.String(),
		"total":          s.Total.String(),
		"payment_method": s.PaymentMethod,
		"updated_at":     timestamp(s.SettledAt),
	}
	if s.PromoCode != "" {
		fields["promo_code"] = s.PromoCode
	}
	if s.Customer != nil {
		fields["customer"] = map[string]any{"name": s.Customer.Name, "mobile": s.Customer.Mobile}
	}
	return p.remote.Patch(ctx, domain.CollectionOrders, s.OrderID, fields)
}

func (p *Processor) deductStock(ctx context.Context, s domain.Settlement) error {
	res, err := p.stock.Deduct(ctx, s.TenantID, s.OrderID, s.Items, s.Override)
	if err != nil {
		return err
	}
	if err := res.Err(); err != nil {
		if res.Retryable() {
			return err
		}
		return permanent(err)
	}
	return nil
}

func (p *Processor) countPromo(ctx context.Context, s domain.Settlement) error {
	if s.PromoCode == "" {
		return nil
	}
	recs, err := p.remote.Select(ctx, domain.CollectionPromoCodes, remote.Query{
		Where: map[string]any{"tenant_id": s.TenantID, "code": s.PromoCode},
		Limit: 1,
	})
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return permanent(fmt.Errorf("promo code %q: %w", s.PromoCode, remote.ErrNotFound))
	}
	return permanentIfMissing(p.increment(ctx, domain.CollectionPromoCodes, recs[0].ID(),
		remote.Record{"tenant_id": s.TenantID},
		map[string]decimal.Decimal{"used_count": decimal.NewFromInt(1)},
	))
}

func (p *Processor) addDailySales(ctx context.Context, s domain.Settlement) error {
	return p.increment(ctx, domain.CollectionDailySales, domain.DailySalesID(s.TenantID, s.SettledAt),
		remote.Record{"tenant_id": s.TenantID, "day": s.SettledAt.Format(domain.DayLayout)},
		map[string]decimal.Decimal{
			"total_sales": s.Total,
			"order_count": decimal.NewFromInt(1),
		},
	)
}

func (p *Processor) recordVisit(ctx context.Context, s domain.Settlement) error {
	if s.Customer == nil {
		return nil
	}
	mobile := domain.NormalizeMobile(s.Customer.Mobile)
	if mobile == "" {
		return nil
	}
	set := remote.Record{
		"tenant_id":  s.TenantID,
		"mobile":     mobile,
		"last_visit": timestamp(s.SettledAt),
	}
	if s.Customer.Name != "" {
		set["name"] = s.Customer.Name
	}
	return p.increment(ctx, domain.CollectionCustomers, domain.CustomerID(s.TenantID, mobile), set,
		map[string]decimal.Decimal{
			"total_visits": decimal.NewFromInt(1),
			"total_spent":  s.Total,
		},
	)
}

// releaseTable frees the party's seats on the remote table. The table is
// read first so a concurrent seating elsewhere is not overwritten.
func (p *Processor) releaseTable(ctx context.Context, s domain.Settlement) error {
	if !s.DineIn() {
		return nil
	}
	recs, err := p.remote.Select(ctx, domain.CollectionTables, remote.Query{
		Where: map[string]any{"id": s.TableID},
		Limit: 1,
	})
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return permanent(fmt.Errorf("table %s: %w", s.TableID, remote.ErrNotFound))
	}
	tbl, err := remote.Decode[domain.Table](recs[0])
	if err != nil {
		return permanent(err)
	}

	patch := tbl.Patch(tbl.Release(s.PeopleCount))
	if patch.Empty() {
		return nil
	}
	fields, err := remote.ToRecord(patch)
	if err != nil {
		return permanent(err)
	}
	return permanentIfMissing(p.remote.Patch(ctx, domain.CollectionTables, s.TableID, fields))
}

// increment uses the remote's atomic upsert-increment when it has one and
// falls back to read-increment-write otherwise.
func (p *Processor) increment(ctx context.Context, collection, id string, set remote.Record, deltas map[string]decimal.Decimal) error {
	if inc, ok := p.remote.(remote.Incrementer); ok {
		return inc.Increment(ctx, collection, id, set, deltas)
	}

	recs, err := p.remote.Select(ctx, collection, remote.Query{
		Where: map[string]any{"id": id},
		Limit: 1,
	})
	if err != nil {
		return err
	}

	if len(recs) == 0 {
		rec := remote.Record{"id": id}
		for k, v := range set {
			rec[k] = v
		}
		for k, d := range deltas {
			rec[k] = remote.Sum(nil, d)
		}
		return p.remote.Upsert(ctx, collection, rec)
	}

	fields := remote.Record{}
	for k, v := range set {
		fields[k] = v
	}
	for k, d := range deltas {
		fields[k] = remote.Sum(recs[0][k], d)
	}
	return p.remote.Patch(ctx, collection, id, fields)
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
