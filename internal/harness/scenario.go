package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario is one scripted terminal session: remote seed data, a flow of
// steps and the assertions that must hold afterwards.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Tenant is the restaurant every step acts for.
	Tenant string `yaml:"tenant"`

	// TaxRate is the rate applied to order totals, e.g. "0.1". Empty means
	// no tax.
	TaxRate string `yaml:"tax_rate,omitempty"`

	// Seed holds remote records by collection.
	Seed map[string][]map[string]any `yaml:"seed,omitempty"`

	// Flow contains the steps, executed in order.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the trace and the final state.
	Assertions []Assertion `yaml:"assertions"`
}

// FlowStep is one operation in the flow.
type FlowStep struct {
	// Do is the step name (see the Step constants).
	Do string `yaml:"do"`

	// As names the order created by a create_order step.
	As string `yaml:"as,omitempty"`

	// Args are the step's arguments. An "order" argument may be an alias.
	Args map[string]any `yaml:"args,omitempty"`

	// Expect specifies the expected outcome.
	// If nil, the step must succeed.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause specifies expected step behavior.
type ExpectClause struct {
	// Outcome is "ok" or "error".
	Outcome string `yaml:"outcome"`

	// Error must be a substring of the error message when Outcome is "error".
	Error string `yaml:"error,omitempty"`

	// Result contains expected result fields. Subset match.
	Result map[string]any `yaml:"result,omitempty"`
}

// Assertion validates the trace or the final state.
type Assertion struct {
	// Type is one of the Assert constants.
	Type string `yaml:"type"`

	// Do is the step name (trace_contains, trace_count).
	Do string `yaml:"do,omitempty"`

	// Args are the expected step arguments (trace_contains). Subset match.
	Args map[string]any `yaml:"args,omitempty"`

	// Steps is the expected step order (trace_order).
	Steps []string `yaml:"steps,omitempty"`

	// Count is the expected number of occurrences (trace_count) or jobs
	// (queue_depth).
	Count int `yaml:"count,omitempty"`

	// Collection and ID address one record (remote_state, local_state).
	// ID may be an alias.
	Collection string `yaml:"collection,omitempty"`
	ID         string `yaml:"id,omitempty"`

	// Expect contains expected field values. Subset match.
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Step names.
const (
	StepCreateOrder = "create_order"
	StepAdvance     = "advance"
	StepSettle      = "settle"
	StepCancel      = "cancel"
	StepDrain       = "drain"
	StepGoOffline   = "go_offline"
	StepGoOnline    = "go_online"
	StepTick        = "tick"
)

var knownSteps = map[string]bool{
	StepCreateOrder: true,
	StepAdvance:     true,
	StepSettle:      true,
	StepCancel:      true,
	StepDrain:       true,
	StepGoOffline:   true,
	StepGoOnline:    true,
	StepTick:        true,
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertRemoteState   = "remote_state"
	AssertLocalState    = "local_state"
	AssertQueueDepth    = "queue_depth"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Tenant == "" {
		return fmt.Errorf("tenant is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for collection, recs := range s.Seed {
		for i, rec := range recs {
			if id, _ := rec["id"].(string); id == "" {
				return fmt.Errorf("seed.%s[%d]: id is required", collection, i)
			}
		}
	}

	aliases := map[string]bool{}
	for i, step := range s.Flow {
		if !knownSteps[step.Do] {
			return fmt.Errorf("flow[%d]: unknown step %q", i, step.Do)
		}
		if step.As != "" {
			if step.Do != StepCreateOrder {
				return fmt.Errorf("flow[%d]: as is only valid on %s", i, StepCreateOrder)
			}
			if aliases[step.As] {
				return fmt.Errorf("flow[%d]: alias %q already used", i, step.As)
			}
			aliases[step.As] = true
		}
		if step.Expect != nil {
			switch step.Expect.Outcome {
			case OutcomeOK, OutcomeError:
			default:
				return fmt.Errorf("flow[%d].expect: outcome must be %q or %q", i, OutcomeOK, OutcomeError)
			}
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Do == "" {
			return fmt.Errorf("assertions[%d]: do is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Steps) == 0 {
			return fmt.Errorf("assertions[%d]: steps list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Do == "" {
			return fmt.Errorf("assertions[%d]: do is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertRemoteState, AssertLocalState:
		if a.Collection == "" || a.ID == "" {
			return fmt.Errorf("assertions[%d]: collection and id are required for %s", index, a.Type)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for %s", index, a.Type)
		}
	case AssertQueueDepth:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for queue_depth", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
