package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/fibersync/internal/record"
)

// TraceSnapshot captures what a scenario run observably did.
// All fields use canonical JSON serialization for deterministic comparison.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Trace        []TraceEvent `json:"trace"`
	Calls        []string     `json:"calls"`
	FinalStatus  string       `json:"final_status"`
}

// toCanonicalMap converts a TraceSnapshot to a map[string]any for canonical
// JSON serialization, which only handles maps, slices and primitives.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	traceList := make([]any, len(s.Trace))
	for i, event := range s.Trace {
		eventMap := map[string]any{
			"step":   event.Step,
			"kind":   event.Kind,
			"status": event.Status,
		}
		if event.Detail != "" {
			eventMap["detail"] = event.Detail
		}
		traceList[i] = eventMap
	}

	calls := make([]any, len(s.Calls))
	for i, c := range s.Calls {
		calls[i] = c
	}

	return map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         traceList,
		"calls":         calls,
		"final_status":  s.FinalStatus,
	}
}

// Marshal renders the snapshot as canonical JSON.
func (s *TraceSnapshot) Marshal() ([]byte, error) {
	return record.MarshalCanonical(s.toCanonicalMap())
}

// Snapshot builds the golden snapshot of a result.
func Snapshot(scenarioName string, result *Result) *TraceSnapshot {
	return &TraceSnapshot{
		ScenarioName: scenarioName,
		Trace:        result.Trace,
		Calls:        result.Calls,
		FinalStatus:  result.FinalStatus,
	}
}

// RunWithGolden executes a scenario and compares its snapshot against a
// golden file in testdata/golden/{scenario.Name}.golden.
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
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result against its golden file without
// re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := Snapshot(scenarioName, result).Marshal()
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)

	return nil
}
