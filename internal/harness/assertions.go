package harness

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/fibersync/internal/engine"
	"github.com/roach88/fibersync/internal/record"
	"github.com/roach88/fibersync/internal/store"
	"github.com/roach88/fibersync/internal/testutil"
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

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, event := range e.Trace {
		fmt.Fprintf(&buf, "  [%d] %s %s -> %s\n", event.Step, event.Kind, event.Detail, event.Status)
	}

	return buf.String()
}

// AssertionContext gives assertions access to the final state.
type AssertionContext struct {
	Ctx    context.Context
	Engine *engine.Engine
	Store  *store.Store
	Remote *testutil.FakeRemote
}

func assertStatus(result *Result, a Assertion) error {
	if result.FinalStatus == a.Status {
		return nil
	}
	return &AssertionError{
		Type:     AssertStatus,
		Expected: a.Status,
		Actual:   result.FinalStatus,
		Trace:    result.Trace,
	}
}

func assertTask(actx *AssertionContext, result *Result, a Assertion) error {
	tasks, err := actx.Engine.Tasks(actx.Ctx)
	if err != nil {
		return fmt.Errorf("task %d: %w", a.ID, err)
	}
	for _, t := range tasks {
		if t.ID != a.ID {
			continue
		}
		if ok, diff := subsetMatch(taskFields(t), a.Expect); !ok {
			return &AssertionError{
				Type:     AssertTask,
				Expected: fmt.Sprintf("task %d with %s", a.ID, formatValue(a.Expect)),
				Actual:   diff,
				Trace:    result.Trace,
			}
		}
		return nil
	}
	return &AssertionError{
		Type:     AssertTask,
		Expected: fmt.Sprintf("task %d with %s", a.ID, formatValue(a.Expect)),
		Actual:   "no such task",
		Trace:    result.Trace,
	}
}

// taskFields exposes the task columns an assertion may name.
func taskFields(t store.Task) map[string]any {
	return map[string]any{
		"entity":     t.Entity,
		"record_key": t.RecordKey,
		"op":         string(t.Op),
		"status":     string(t.Status),
		"attempts":   t.Attempts,
		"error":      t.Error,
		"retry_of":   t.RetryOf,
	}
}

func assertRow(result *Result, a Assertion, row record.Row, found bool) error {
	where := fmt.Sprintf("%s row %s/%s", a.Type, a.Entity, a.Key)
	switch {
	case a.Absent && !found:
		return nil
	case a.Absent:
		return &AssertionError{
			Type:     a.Type,
			Expected: where + " absent",
			Actual:   formatValue(map[string]any(row)),
			Trace:    result.Trace,
		}
	case !found:
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%s with %s", where, formatValue(a.Expect)),
			Actual:   "no such row",
			Trace:    result.Trace,
		}
	}
	if ok, diff := subsetMatch(row, a.Expect); !ok {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%s with %s", where, formatValue(a.Expect)),
			Actual:   diff,
			Trace:    result.Trace,
		}
	}
	return nil
}

func assertMirror(actx *AssertionContext, result *Result, a Assertion) error {
	row, found, err := actx.Store.Get(actx.Ctx, a.Entity, a.Key)
	if err != nil {
		return fmt.Errorf("mirror %s/%s: %w", a.Entity, a.Key, err)
	}
	return assertRow(result, a, row, found)
}

func assertRemote(actx *AssertionContext, result *Result, a Assertion) error {
	row, found := actx.Remote.Row(a.Entity, a.Key)
	return assertRow(result, a, row, found)
}

// assertCallOrder checks the exact sequence of server operations on one
// record.
func assertCallOrder(actx *AssertionContext, result *Result, a Assertion) error {
	var ops []string
	for _, c := range actx.Remote.Calls() {
		if c.Entity == a.Entity && c.Key == a.Key {
			ops = append(ops, c.Op)
		}
	}
	if strings.Join(ops, ",") == strings.Join(a.Ops, ",") {
		return nil
	}
	return &AssertionError{
		Type:     AssertCallOrder,
		Expected: fmt.Sprintf("%s/%s: [%s]", a.Entity, a.Key, strings.Join(a.Ops, ", ")),
		Actual:   fmt.Sprintf("[%s]", strings.Join(ops, ", ")),
		Trace:    result.Trace,
	}
}

func assertCallCount(actx *AssertionContext, result *Result, a Assertion) error {
	count := 0
	for _, c := range actx.Remote.Calls() {
		if c.Op == a.Op && c.Entity == a.Entity {
			count++
		}
	}
	if count == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertCallCount,
		Expected: fmt.Sprintf("%d %s calls on %s", a.Count, a.Op, a.Entity),
		Actual:   fmt.Sprintf("%d", count),
		Trace:    result.Trace,
	}
}

// subsetMatch compares only the expected fields. Values are compared in
// canonical JSON so an int from YAML equals a json.Number from the server.
func subsetMatch(actual, expected map[string]any) (bool, string) {
	var mismatches []string
	for _, k := range sortedKeys(expected) {
		got, ok := actual[k]
		if !ok {
			mismatches = append(mismatches, fmt.Sprintf("%s missing", k))
			continue
		}
		if !valuesEqual(got, expected[k]) {
			mismatches = append(mismatches, fmt.Sprintf("%s=%s", k, formatValue(got)))
		}
	}
	if len(mismatches) == 0 {
		return true, ""
	}
	return false, strings.Join(mismatches, ", ")
}

func valuesEqual(actual, expected any) bool {
	a, errA := record.MarshalCanonical(actual)
	b, errB := record.MarshalCanonical(expected)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(a, b)
}

func formatValue(v any) string {
	data, err := record.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedNames[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		if assertion.Type != AssertStatus && actx == nil {
			errors = append(errors, fmt.Sprintf("assertion[%d]: %s requires engine context", i, assertion.Type))
			continue
		}

		switch assertion.Type {
		case AssertStatus:
			err = assertStatus(result, assertion)
		case AssertTask:
			err = assertTask(actx, result, assertion)
		case AssertMirror:
			err = assertMirror(actx, result, assertion)
		case AssertRemote:
			err = assertRemote(actx, result, assertion)
		case AssertCallOrder:
			err = assertCallOrder(actx, result, assertion)
		case AssertCallCount:
			err = assertCallCount(actx, result, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
