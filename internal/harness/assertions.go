package harness

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/sagastore/internal/saga"
	"github.com/roach88/sagastore/internal/store"
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
			fmt.Fprintf(&buf, "  [%d] %s %s %s -> %s\n", event.Seq, event.Op, event.Variant, event.ID, event.Outcome)
		}
	}

	return buf.String()
}

// assertTraceContains checks that a step with the assertion's op ran, with
// the given outcome and variant when those are set.
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	if slices.ContainsFunc(trace, func(ev TraceEvent) bool { return matchEvent(ev, assertion) }) {
		return nil
	}

	want := assertion.Op
	if assertion.Variant != "" {
		want += " " + assertion.Variant
	}
	if assertion.Outcome != "" {
		want += " -> " + assertion.Outcome
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: want,
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceCount checks that matching steps ran exactly Count times.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, ev := range trace {
		if matchEvent(ev, assertion) {
			count++
		}
	}

	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, assertion.Op),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

func matchEvent(ev TraceEvent, assertion Assertion) bool {
	if ev.Op != assertion.Op {
		return false
	}
	if assertion.Variant != "" && ev.Variant != assertion.Variant {
		return false
	}
	if assertion.Outcome != "" && ev.Outcome != assertion.Outcome {
		return false
	}
	return true
}

// assertCollectionCount checks the number of documents in a collection.
func assertCollectionCount(ctx context.Context, st *store.Store, typ, collection string, want int) error {
	got, err := st.Count(ctx, collection)
	if err != nil {
		return &AssertionError{
			Type:     typ,
			Expected: fmt.Sprintf("count documents in %s", collection),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}
	if got != want {
		return &AssertionError{
			Type:     typ,
			Expected: fmt.Sprintf("%d documents in %s", want, collection),
			Actual:   fmt.Sprintf("%d documents", got),
		}
	}
	return nil
}

// AssertionContext provides context for evaluating assertions.
type AssertionContext struct {
	Store *store.Store
	Ctx   context.Context
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides database access for count assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertIndexCount, AssertDocumentCount:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: %s requires database context", i, assertion.Type)
				break
			}
			collection := saga.UniqueIdentityCollection
			if assertion.Type == AssertDocumentCount {
				collection = assertion.Variant
			}
			err = assertCollectionCount(actx.Ctx, actx.Store, assertion.Type, collection, assertion.Count)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
