// Package stock checks recipe-driven stock availability for a checkout and
// applies idempotent stock deductions with an audit ledger.
package stock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/roach88/tillsync/internal/domain"
	"github.com/roach88/tillsync/internal/remote"
)

// DefaultMaxRetries bounds compare-and-set attempts in the fallback path.
const DefaultMaxRetries = 5

var (
	// ErrInsufficientStock is returned when stock cannot cover a checkout.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrConflict is returned when a compare-and-set deduction kept losing
	// to concurrent writers.
	ErrConflict = errors.New("stock update conflict")
)

// Shortfall is one stock item that cannot cover its requirement.
type Shortfall struct {
	StockItemID string          `json:"stock_item_id"`
	Name        string          `json:"name,omitempty"`
	Unit        string          `json:"unit,omitempty"`
	Required    decimal.Decimal `json:"required"`
	Available   decimal.Decimal `json:"available"`
}

// ShortfallError lists the items that blocked a checkout. It matches
// ErrInsufficientStock with errors.Is.
type ShortfallError struct {
	Shortfalls []Shortfall
}

func (e *ShortfallError) Error() string {
	parts := make([]string, 0, len(e.Shortfalls))
	for _, s := range e.Shortfalls {
		name := s.Name
		if name == "" {
			name = s.StockItemID
		}
		parts = append(parts, fmt.Sprintf("%s (need %s%s, have %s)", name, s.Required, unitSuffix(s.Unit), s.Available))
	}
	return "insufficient stock: " + strings.Join(parts, ", ")
}

func (e *ShortfallError) Is(target error) bool { return target == ErrInsufficientStock }

func unitSuffix(unit string) string {
	if unit == "" {
		return ""
	}
	return " " + unit
}

// Availability is the result of a pre-flight check.
type Availability struct {
	OK           bool
	Requirements []domain.StockRequirement
	Shortfalls   []Shortfall
}

// Err returns a *ShortfallError when the check failed, nil otherwise.
func (a Availability) Err() error {
	if a.OK {
		return nil
	}
	return &ShortfallError{Shortfalls: a.Shortfalls}
}

// Reserver reads recipes and stock from the remote and applies deductions.
type Reserver struct {
	remote     remote.Remote
	clock      domain.Clock
	logger     *slog.Logger
	maxRetries int
}

// Option configures a Reserver.
type Option func(*Reserver)

// WithClock sets the clock stamped on ledger rows.
func WithClock(c domain.Clock) Option {
	return func(r *Reserver) { r.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reserver) { r.logger = l }
}

// WithMaxRetries sets the compare-and-set attempt limit.
func WithMaxRetries(n int) Option {
	return func(r *Reserver) { r.maxRetries = n }
}

// New creates a Reserver.
func New(rm remote.Remote, opts ...Option) *Reserver {
	r := &Reserver{
		remote:     rm,
		clock:      domain.SystemClock{},
		logger:     slog.Default(),
		maxRetries: DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Requirements aggregates the stock each item needs through its recipe
// lines, sorted by stock item id. Items without recipes need nothing.
func (r *Reserver) Requirements(ctx context.Context, tenantID string, items []domain.LineItem) ([]domain.StockRequirement, error) {
	recs, err := r.remote.Select(ctx, domain.CollectionRecipes, remote.Query{
		Where: map[string]any{"tenant_id": tenantID},
	})
	if err != nil {
		return nil, fmt.Errorf("load recipes: %w", err)
	}
	lines, err := remote.DecodeAll[domain.RecipeLine](recs)
	if err != nil {
		return nil, err
	}

	byMenuItem := make(map[string][]domain.RecipeLine)
	for _, l := range lines {
		byMenuItem[l.MenuItemID] = append(byMenuItem[l.MenuItemID], l)
	}

	totals := make(map[string]decimal.Decimal)
	for _, li := range items {
		qty := decimal.NewFromInt(int64(li.Quantity))
		for _, l := range byMenuItem[li.MenuItemID] {
			totals[l.StockItemID] = totals[l.StockItemID].Add(l.QuantityPerUnit.Mul(qty))
		}
	}

	reqs := make([]domain.StockRequirement, 0, len(totals))
	for id, qty := range totals {
		if qty.IsPositive() {
			reqs = append(reqs, domain.StockRequirement{StockItemID: id, RequiredQty: qty})
		}
	}
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].StockItemID < reqs[j].StockItemID })
	return reqs, nil
}

// CheckAvailability compares requirements to current stock. A stock item
// missing on the remote counts as zero available. Remote failures are
// returned to the caller.
func (r *Reserver) CheckAvailability(ctx context.Context, tenantID string, items []domain.LineItem) (Availability, error) {
	reqs, err := r.Requirements(ctx, tenantID, items)
	if err != nil {
		return Availability{}, err
	}
	avail := Availability{OK: true, Requirements: reqs}
	if len(reqs) == 0 {
		return avail, nil
	}

	recs, err := r.remote.Select(ctx, domain.CollectionInventoryItems, remote.Query{
		Where: map[string]any{"tenant_id": tenantID},
	})
	if err != nil {
		return Availability{}, fmt.Errorf("load stock: %w", err)
	}
	stock, err := remote.DecodeAll[domain.StockItem](recs)
	if err != nil {
		return Availability{}, err
	}
	byID := make(map[string]domain.StockItem, len(stock))
	for _, s := range stock {
		byID[s.ID] = s
	}

	for _, req := range reqs {
		item, ok := byID[req.StockItemID]
		have := decimal.Zero
		if ok {
			have = item.CurrentStock
		}
		if have.LessThan(req.RequiredQty) {
			avail.OK = false
			avail.Shortfalls = append(avail.Shortfalls, Shortfall{
				StockItemID: req.StockItemID,
				Name:        item.Name,
				Unit:        item.Unit,
				Required:    req.RequiredQty,
				Available:   have,
			})
		}
	}
	return avail, nil
}
