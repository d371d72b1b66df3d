package harness

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/tillsync/internal/remote"
	"github.com/roach88/tillsync/internal/remote/memremote"
	"github.com/roach88/tillsync/internal/store"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %v -> %s\n", event.Seq, event.Do, event.Args, event.Outcome)
		}
	}
	return buf.String()
}

// assertTraceContains checks that a step ran with matching args (subset
// match).
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	for _, event := range trace {
		if event.Do == assertion.Do && matchArgs(event.Args, assertion.Args) {
			return nil
		}
	}

	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("step %s with args %v", assertion.Do, assertion.Args),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that steps first ran in the specified order.
// Steps don't need to be consecutive.
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	positions := make(map[string]int)
	for i, event := range trace {
		if positions[event.Do] == 0 {
			positions[event.Do] = i + 1 // 1-indexed for readability
		}
	}

	for _, step := range assertion.Steps {
		if positions[step] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all steps present: %v", assertion.Steps),
				Actual:   fmt.Sprintf("missing step: %s", step),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(assertion.Steps); i++ {
		prev := assertion.Steps[i-1]
		curr := assertion.Steps[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("steps in order: %v", assertion.Steps),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks that a step ran exactly the specified number of
// times.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Do == assertion.Do {
			count++
		}
	}

	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, assertion.Do),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertRecord checks expected fields of one record (subset match).
func assertRecord(kind, collection, id string, rec map[string]any, found bool, expect map[string]any) error {
	if !found {
		return &AssertionError{
			Type:     kind,
			Expected: fmt.Sprintf("record %s/%s", collection, id),
			Actual:   "record not found",
		}
	}

	for _, key := range sortedKeys(expect) {
		want := expect[key]
		got, exists := rec[key]
		if !exists {
			return &AssertionError{
				Type:     kind,
				Expected: fmt.Sprintf("%s/%s field %q = %v", collection, id, key, want),
				Actual:   fmt.Sprintf("field %q not present in %v", key, sortedKeys(rec)),
			}
		}
		if !stateValuesEqual(want, got) {
			return &AssertionError{
				Type:     kind,
				Expected: fmt.Sprintf("%s/%s field %q = %v", collection, id, key, want),
				Actual:   fmt.Sprintf("field %q = %v", key, got),
			}
		}
	}
	return nil
}

func assertRemoteState(rm *memremote.Remote, id string, assertion Assertion) error {
	rec, found := rm.Get(assertion.Collection, id)
	return assertRecord(AssertRemoteState, assertion.Collection, id, rec, found, assertion.Expect)
}

func assertLocalState(ctx context.Context, st *store.Store, id string, assertion Assertion) error {
	var rec map[string]any
	found, err := st.Get(ctx, assertion.Collection, id, &rec)
	if err != nil {
		return fmt.Errorf("local_state %s/%s: %w", assertion.Collection, id, err)
	}
	return assertRecord(AssertLocalState, assertion.Collection, id, rec, found, assertion.Expect)
}

func assertQueueDepth(ctx context.Context, st *store.Store, assertion Assertion) error {
	stats, err := st.Stats(ctx)
	if err != nil {
		return fmt.Errorf("queue_depth: %w", err)
	}
	if stats.Depth != assertion.Count {
		return &AssertionError{
			Type:     AssertQueueDepth,
			Expected: fmt.Sprintf("%d queued jobs", assertion.Count),
			Actual:   fmt.Sprintf("%d queued jobs", stats.Depth),
		}
	}
	return nil
}

// stateValuesEqual compares an expected YAML value with a stored one.
// Numbers compare as decimals, so 7 matches "7.0" and json.Number("7").
func stateValuesEqual(expected, actual any) bool {
	if expected == nil || actual == nil {
		return expected == nil && actual == nil
	}
	return remote.Equal(actual, expected)
}

// matchArgs checks if actual args contain all expected args (subset match).
// Extra keys in actual are ignored.
func matchArgs(actual, expected map[string]any) bool {
	for key, want := range expected {
		got, exists := actual[key]
		if !exists || !stateValuesEqual(want, got) {
			return false
		}
	}
	return true
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// AssertionContext provides state access for evaluating assertions.
type AssertionContext struct {
	Ctx    context.Context
	Store  *store.Store
	Remote *memremote.Remote

	// Resolve maps order aliases to ids. Nil uses ids as given.
	Resolve func(string) string
}

func (a *AssertionContext) id(name string) string {
	if a.Resolve == nil {
		return name
	}
	return a.Resolve(name)
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertRemoteState:
			if actx == nil || actx.Remote == nil {
				err = fmt.Errorf("assertion[%d]: remote_state requires a remote", i)
			} else {
				err = assertRemoteState(actx.Remote, actx.id(assertion.ID), assertion)
			}
		case AssertLocalState:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: local_state requires a store", i)
			} else {
				err = assertLocalState(actx.Ctx, actx.Store, actx.id(assertion.ID), assertion)
			}
		case AssertQueueDepth:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: queue_depth requires a store", i)
			} else {
				err = assertQueueDepth(actx.Ctx, actx.Store, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}
