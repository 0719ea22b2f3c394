package harness

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/roach88/baitchat/internal/ir"
	"github.com/roach88/baitchat/internal/pipeline"
	"github.com/roach88/baitchat/internal/store"
	"github.com/roach88/baitchat/internal/testutil"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string                // Assertion type for categorization
	Expected string                // Human-readable expected outcome
	Actual   string                // Human-readable actual outcome
	Calls    []testutil.Submission // Everything dispatched, for context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nDispatched:\n")
	if len(e.Calls) == 0 {
		fmt.Fprintf(&buf, "  (nothing)\n")
	}
	for i, c := range e.Calls {
		fmt.Fprintf(&buf, "  [%d] %s\n", i+1, pipeline.FormatCall(ir.BoundPlan{Plan: c.Plan, Args: c.Args}))
	}
	return buf.String()
}

// AssertionContext provides what assertions are evaluated against.
type AssertionContext struct {
	Store      *store.Store
	Ctx        context.Context
	Dispatches []testutil.Submission
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertDispatchCount:
			err = assertDispatchCount(actx.Dispatches, assertion)
		case AssertDispatchOrder:
			err = assertDispatchOrder(actx.Dispatches, assertion)
		case AssertDispatched:
			err = assertDispatched(actx.Dispatches, assertion)
		case AssertDecisionCount:
			if actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: decision_count requires the audit store", i)
			} else {
				err = assertDecisionCount(actx.Ctx, actx.Store, actx.Dispatches, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}

// assertDispatchCount checks how many plans reached the dispatcher,
// including ones the queue refused.
func assertDispatchCount(calls []testutil.Submission, a Assertion) error {
	if len(calls) != a.Count {
		return &AssertionError{
			Type:     AssertDispatchCount,
			Expected: fmt.Sprintf("%d dispatches", a.Count),
			Actual:   fmt.Sprintf("%d dispatches", len(calls)),
			Calls:    calls,
		}
	}
	return nil
}

// assertDispatchOrder checks that the named plans were dispatched in this
// order. Other dispatches may come in between.
func assertDispatchOrder(calls []testutil.Submission, a Assertion) error {
	next := 0
	for _, c := range calls {
		if next < len(a.Plans) && c.Plan == a.Plans[next] {
			next++
		}
	}
	if next < len(a.Plans) {
		return &AssertionError{
			Type:     AssertDispatchOrder,
			Expected: fmt.Sprintf("plans in order: %v", a.Plans),
			Actual:   fmt.Sprintf("%s not dispatched after %v", a.Plans[next], a.Plans[:next]),
			Calls:    calls,
		}
	}
	return nil
}

// assertDispatched checks that some dispatch of the plan has the expected
// args (subset match).
func assertDispatched(calls []testutil.Submission, a Assertion) error {
	for _, c := range calls {
		if c.Plan == a.Plan && matchArgs(argMap(c.Args), a.Args) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertDispatched,
		Expected: fmt.Sprintf("%s with args %v", a.Plan, a.Args),
		Actual:   "not dispatched",
		Calls:    calls,
	}
}

// assertDecisionCount checks the audit log.
func assertDecisionCount(ctx context.Context, st *store.Store, calls []testutil.Submission, a Assertion) error {
	recs, err := st.ReadDecisions(ctx)
	if err != nil {
		return fmt.Errorf("decision_count: %w", err)
	}
	n, what := 0, "decisions"
	for _, r := range recs {
		if a.Accepted == nil || r.Accepted == *a.Accepted {
			n++
		}
	}
	if a.Accepted != nil {
		what = "rejected decisions"
		if *a.Accepted {
			what = "accepted decisions"
		}
	}
	if n != a.Count {
		return &AssertionError{
			Type:     AssertDecisionCount,
			Expected: fmt.Sprintf("%d %s", a.Count, what),
			Actual:   fmt.Sprintf("%d %s", n, what),
			Calls:    calls,
		}
	}
	return nil
}

// matchArgs checks if actual args contain all expected args (subset match).
// Extra keys in actual are ignored.
func matchArgs(actual map[string]any, expected map[string]any) bool {
	for key, expectedVal := range expected {
		actualVal, exists := actual[key]
		if !exists {
			return false
		}
		if !valuesEqual(actualVal, expectedVal) {
			return false
		}
	}
	return true
}

// valuesEqual compares two values for equality. Numbers compare by value
// whatever their Go type, so YAML's 5 matches a bound 5.0.
func valuesEqual(actual, expected any) bool {
	if af, ok := toFloat(actual); ok {
		ef, ok := toFloat(expected)
		return ok && af == ef
	}
	al, aok := actual.([]any)
	el, eok := expected.([]any)
	if aok || eok {
		if !aok || !eok || len(al) != len(el) {
			return false
		}
		for i := range al {
			if !valuesEqual(al[i], el[i]) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(actual, expected)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
