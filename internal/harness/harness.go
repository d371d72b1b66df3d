package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/tillsync/internal/domain"
	"github.com/roach88/tillsync/internal/engine"
	"github.com/roach88/tillsync/internal/hooks"
	"github.com/roach88/tillsync/internal/orders"
	"github.com/roach88/tillsync/internal/remote"
	"github.com/roach88/tillsync/internal/remote/memremote"
	"github.com/roach88/tillsync/internal/store"
	"github.com/roach88/tillsync/internal/testutil"
)

// scenarioBackoff keeps retries short enough to script with tick steps.
var scenarioBackoff = engine.Backoff{Base: time.Second, Max: time.Minute, MaxAttempts: 3}

// Harness is one scenario's terminal: store, service, engine and remote.
type Harness struct {
	tenant  string
	store   *store.Store
	remote  *memremote.Remote
	clock   *testutil.ManualClock
	service *orders.Service
	proc    *engine.Processor
	logger  *slog.Logger

	// aliases maps "as" names to generated order ids.
	aliases map[string]string
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation.
// Execution flow:
//  1. Seed the remote and warm the local table cache from it
//  2. Execute flow steps, checking expect clauses
//  3. Evaluate assertions against the trace and final state
func Run(scenario *Scenario) (*Result, error) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	taxRate := decimal.Zero
	if scenario.TaxRate != "" {
		var err error
		if taxRate, err = decimal.NewFromString(scenario.TaxRate); err != nil {
			return nil, fmt.Errorf("tax_rate: %w", err)
		}
	}

	clock := testutil.NewManualClock()
	st, err := store.Open(":memory:",
		store.WithClock(clock),
		store.WithIDGenerator(testutil.NewSequentialIDs("job")),
		store.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	rm := memremote.New(memremote.WithClock(clock))
	proc := engine.New(st, rm,
		engine.WithClock(clock),
		engine.WithBackoff(scenarioBackoff),
		engine.WithLogger(logger),
	)
	h := &Harness{
		tenant: scenario.Tenant,
		store:  st,
		remote: rm,
		clock:  clock,
		service: orders.New(st, rm,
			orders.WithClock(clock),
			orders.WithIDGenerator(testutil.NewSequentialIDs("order")),
			orders.WithNotifier(proc),
			orders.WithTaxRate(taxRate),
			orders.WithLogger(logger),
		),
		proc:    proc,
		logger:  logger,
		aliases: map[string]string{},
	}

	if err := h.seed(ctx, scenario.Seed); err != nil {
		return nil, fmt.Errorf("failed to seed: %w", err)
	}

	result := NewResult()
	for i, step := range scenario.Flow {
		if err := h.executeStep(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("flow step %d: %w", i, err)
		}
	}

	stats, err := st.Stats(ctx)
	if err != nil {
		return nil, err
	}
	result.QueueDepth = stats.Depth

	actx := &AssertionContext{Ctx: ctx, Store: st, Remote: rm, Resolve: h.resolve}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

// seed loads remote records in collection order and refreshes the local
// table cache the way a terminal does at startup.
func (h *Harness) seed(ctx context.Context, seed map[string][]map[string]any) error {
	collections := make([]string, 0, len(seed))
	for c := range seed {
		collections = append(collections, c)
	}
	sort.Strings(collections)

	for _, c := range collections {
		for _, raw := range seed[c] {
			rec, err := remote.ToRecord(raw)
			if err != nil {
				return fmt.Errorf("seed %s: %w", c, err)
			}
			if err := h.remote.Seed(c, rec); err != nil {
				return err
			}
		}
	}

	f := hooks.NewFactory(h.store, h.remote, hooks.WithoutInitialRefresh(), hooks.WithLogger(h.logger))
	tables, err := f.Tables(ctx, h.tenant)
	if err != nil {
		return err
	}
	defer tables.Close()
	return tables.Refresh(ctx)
}

// executeStep runs one step, records it in the trace and checks its expect
// clause. Only harness failures are returned; step errors are outcomes.
func (h *Harness) executeStep(ctx context.Context, i int, step FlowStep, result *Result) error {
	oc, err := h.dispatch(ctx, step)
	if err != nil {
		return err
	}
	out, stepErr := oc.result, oc.err

	ev := TraceEvent{Do: step.Do, Args: step.Args, Outcome: OutcomeOK, Result: out}
	if stepErr != nil {
		ev.Outcome = OutcomeError
		ev.Error = stepErr.Error()
		ev.Result = nil
	}
	result.addTrace(ev)

	h.logger.Info("flow step completed", "step", i, "do", step.Do, "outcome", ev.Outcome)

	expect := step.Expect
	if expect == nil {
		expect = &ExpectClause{Outcome: OutcomeOK}
	}
	if ev.Outcome != expect.Outcome {
		msg := fmt.Sprintf("flow[%d] %s: expected %s, got %s", i, step.Do, expect.Outcome, ev.Outcome)
		if stepErr != nil {
			msg += ": " + stepErr.Error()
		}
		result.AddError(msg)
		return nil
	}
	if expect.Error != "" && !strings.Contains(ev.Error, expect.Error) {
		result.AddError(fmt.Sprintf("flow[%d] %s: error %q does not contain %q", i, step.Do, ev.Error, expect.Error))
	}
	for key, want := range expect.Result {
		got, ok := out[key]
		if !ok || !stateValuesEqual(want, got) {
			result.AddError(fmt.Sprintf("flow[%d] %s: result %q = %v, want %v", i, step.Do, key, got, want))
		}
	}
	return nil
}

// itemArgs is one line of a create_order step.
type itemArgs struct {
	MenuItemID string          `json:"menu_item_id"`
	Name       string          `json:"name"`
	Quantity   int             `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	Variant    string          `json:"variant"`
	Notes      string          `json:"notes"`
}

type createArgs struct {
	OrderType   domain.OrderType         `json:"order_type"`
	TableID     string                   `json:"table_id"`
	PeopleCount int                      `json:"people_count"`
	Items       []itemArgs               `json:"items"`
	Discount    decimal.Decimal          `json:"discount"`
	Customer    *domain.CustomerSnapshot `json:"customer"`
	Notes       string                   `json:"notes"`
}

type orderArgs struct {
	Order  string        `json:"order"`
	Status domain.Status `json:"status"`
}

type settleArgs struct {
	Order          string                   `json:"order"`
	PaymentMethod  string                   `json:"payment_method"`
	PromoCode      string                   `json:"promo_code"`
	Customer       *domain.CustomerSnapshot `json:"customer"`
	Override       bool                     `json:"override"`
	OverrideReason string                   `json:"override_reason"`
}

type tickArgs struct {
	By string `json:"by"`
}

// outcome is what a step produced. err is the step's own failure.
type outcome struct {
	result map[string]any
	err    error
}

// dispatch runs one step. The returned error is reserved for malformed
// steps.
func (h *Harness) dispatch(ctx context.Context, step FlowStep) (outcome, error) {
	switch step.Do {
	case StepCreateOrder:
		var a createArgs
		if err := decodeArgs(step.Args, &a); err != nil {
			return outcome{}, err
		}
		req := orders.CreateOrderRequest{
			TenantID:    h.tenant,
			OrderType:   a.OrderType,
			TableID:     a.TableID,
			PeopleCount: a.PeopleCount,
			Discount:    a.Discount,
			Customer:    a.Customer,
			Notes:       a.Notes,
			CreatedBy:   "harness",
		}
		for _, it := range a.Items {
			req.Items = append(req.Items, orders.ItemInput{
				MenuItemID: it.MenuItemID,
				Name:       it.Name,
				Quantity:   it.Quantity,
				UnitPrice:  it.UnitPrice,
				Variant:    it.Variant,
				Notes:      it.Notes,
			})
		}
		o, err := h.service.CreateOrder(ctx, req)
		if err == nil && step.As != "" {
			h.aliases[step.As] = o.ID
		}
		return outcome{orderResult(o), err}, nil

	case StepAdvance:
		var a orderArgs
		if err := decodeArgs(step.Args, &a); err != nil {
			return outcome{}, err
		}
		o, err := h.service.Advance(ctx, h.tenant, h.resolve(a.Order), a.Status)
		return outcome{orderResult(o), err}, nil

	case StepSettle:
		var a settleArgs
		if err := decodeArgs(step.Args, &a); err != nil {
			return outcome{}, err
		}
		o, err := h.service.Settle(ctx, orders.SettleRequest{
			TenantID:       h.tenant,
			OrderID:        h.resolve(a.Order),
			PaymentMethod:  a.PaymentMethod,
			PromoCode:      a.PromoCode,
			Customer:       a.Customer,
			Override:       a.Override,
			OverrideReason: a.OverrideReason,
		})
		return outcome{orderResult(o), err}, nil

	case StepCancel:
		var a orderArgs
		if err := decodeArgs(step.Args, &a); err != nil {
			return outcome{}, err
		}
		o, err := h.service.Cancel(ctx, h.tenant, h.resolve(a.Order))
		return outcome{orderResult(o), err}, nil

	case StepDrain:
		res, err := h.proc.Drain(ctx)
		return outcome{map[string]any{
			"attempted":   res.Attempted,
			"succeeded":   res.Succeeded,
			"failed":      res.Failed,
			"held":        res.Held,
			"quarantined": res.Quarantined,
		}, err}, nil

	case StepGoOffline:
		h.remote.SetOffline(true)
		return outcome{}, nil

	case StepGoOnline:
		h.remote.SetOffline(false)
		return outcome{}, nil

	case StepTick:
		var a tickArgs
		if err := decodeArgs(step.Args, &a); err != nil {
			return outcome{}, err
		}
		d, err := time.ParseDuration(a.By)
		if err != nil {
			return outcome{}, fmt.Errorf("tick: %w", err)
		}
		h.clock.Advance(d)
		return outcome{}, nil

	default:
		return outcome{}, fmt.Errorf("unknown step %q", step.Do)
	}
}

// resolve maps an alias to its order id. Unknown names are used as ids.
func (h *Harness) resolve(name string) string {
	if id, ok := h.aliases[name]; ok {
		return id
	}
	return name
}

func orderResult(o domain.Order) map[string]any {
	if o.ID == "" {
		return nil
	}
	return map[string]any{
		"status": string(o.Status),
		"total":  o.Total.String(),
	}
}

// decodeArgs converts YAML-parsed args into a typed struct through JSON so
// decimals and nested objects use their JSON decoders.
func decodeArgs(args map[string]any, out any) error {
	if args == nil {
		return nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode args: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode args: %w", err)
	}
	return nil
}
