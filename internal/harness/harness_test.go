package harness

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_TestdataScenarios(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		t.Run(strings.TrimSuffix(filepath.Base(path), ".yaml"), func(t *testing.T) {
			s, err := LoadScenario(path)
			require.NoError(t, err)

			result, err := Run(s)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
			assert.Empty(t, result.Errors)
		})
	}
}

func TestRun_TraceRecordsOutcomes(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/shortfall_override.yaml")
	require.NoError(t, err)

	result, err := Run(s)
	require.NoError(t, err)
	require.Len(t, result.Trace, 7)

	blocked := result.Trace[3]
	assert.Equal(t, 4, blocked.Seq)
	assert.Equal(t, StepSettle, blocked.Do)
	assert.Equal(t, OutcomeError, blocked.Outcome)
	assert.Contains(t, blocked.Error, "insufficient stock")
	assert.Nil(t, blocked.Result)

	settled := result.Trace[5]
	assert.Equal(t, OutcomeOK, settled.Outcome)
	assert.Equal(t, "BILLED", settled.Result["status"])
	assert.Equal(t, 0, result.QueueDepth)
}

func TestRun_UnexpectedErrorFails(t *testing.T) {
	s := &Scenario{
		Name:        "unexpected_error",
		Description: "advancing an unknown order fails the scenario",
		Tenant:      "t1",
		Flow: []FlowStep{
			{Do: StepAdvance, Args: map[string]any{"order": "missing", "status": "IN_KITCHEN"}},
		},
		Assertions: []Assertion{{Type: AssertQueueDepth, Count: 0}},
	}

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "expected ok, got error")
	assert.Contains(t, result.Errors[0], "not found")
}

func TestRun_ResultMismatchFails(t *testing.T) {
	s := &Scenario{
		Name:        "result_mismatch",
		Description: "a wrong expected total is reported",
		Tenant:      "t1",
		TaxRate:     "0.1",
		Flow: []FlowStep{
			{
				Do: StepCreateOrder,
				As: "o1",
				Args: map[string]any{
					"order_type": "TAKEAWAY",
					"items": []any{
						map[string]any{"menu_item_id": "pizza", "name": "Pizza", "quantity": 2, "unit_price": 8},
					},
				},
				Expect: &ExpectClause{Outcome: OutcomeOK, Result: map[string]any{"total": 16}},
			},
		},
		Assertions: []Assertion{{Type: AssertQueueDepth, Count: 1}},
	}

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], `result "total" = 17.6, want 16`)
}

func TestRun_AssertionFailureReported(t *testing.T) {
	s := &Scenario{
		Name:        "assertion_failure",
		Description: "a queued job fails a zero-depth assertion",
		Tenant:      "t1",
		Flow: []FlowStep{
			{
				Do: StepCreateOrder,
				Args: map[string]any{
					"order_type": "TAKEAWAY",
					"items": []any{
						map[string]any{"menu_item_id": "soda", "name": "Soda", "quantity": 1, "unit_price": 2},
					},
				},
			},
		},
		Assertions: []Assertion{{Type: AssertQueueDepth, Count: 0}},
	}

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "Assertion failed: queue_depth")
	assert.Contains(t, result.Errors[0], "1 queued jobs")
}

func TestRun_MalformedArgs(t *testing.T) {
	s := &Scenario{
		Name:        "malformed",
		Description: "unknown step args abort the run",
		Tenant:      "t1",
		Flow: []FlowStep{
			{Do: StepTick, Args: map[string]any{"by": "soon"}},
		},
		Assertions: []Assertion{{Type: AssertQueueDepth}},
	}

	_, err := Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flow step 0")
}

func TestRun_BadTaxRate(t *testing.T) {
	s := &Scenario{Name: "n", Description: "d", Tenant: "t1", TaxRate: "ten percent"}
	_, err := Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tax_rate")
}
