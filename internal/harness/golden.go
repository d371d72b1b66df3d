package harness

import (
	"fmt"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// Snapshot renders a result as stable text: one line per step with its
// outcome and sorted result fields, then the final queue depth. Error
// messages are left out so wording changes do not churn golden files.
func Snapshot(scenarioName string, result *Result) []byte {
	var buf strings.Builder
	fmt.Fprintf(&buf, "scenario: %s\n", scenarioName)
	for _, ev := range result.Trace {
		fmt.Fprintf(&buf, "%d %s %s", ev.Seq, ev.Do, ev.Outcome)
		for _, k := range sortedKeys(ev.Result) {
			fmt.Fprintf(&buf, " %s=%v", k, ev.Result[k])
		}
		buf.WriteByte('\n')
	}
	fmt.Fprintf(&buf, "queue depth %d\n", result.QueueDepth)
	return []byte(buf.String())
}

// RunWithGolden executes a scenario and compares its snapshot against a
// golden file. The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if the snapshot doesn't match.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	AssertGolden(t, scenario.Name, result)
	return result, nil
}

// AssertGolden compares an existing result against a golden file without
// re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) {
	t.Helper()

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, Snapshot(scenarioName, result))
}
