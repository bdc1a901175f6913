// Package harness provides conformance testing for saga persistence.
//
// A scenario declares saga variants, then runs persistence steps against a
// fresh in-memory store. Every step is its own unit of work: a new session,
// one persister operation, one flush.
//
// # Scenario Format
//
//	name: order_lifecycle
//	description: "Unique order ids follow the saga"
//	specs:
//	  - specs/order.cue
//	variants:
//	  - name: Audit
//	flow:
//	  - op: save
//	    variant: Order
//	    id: S1
//	    fields: { orderId: O1 }
//	  - op: get_by
//	    variant: Order
//	    property: orderId
//	    value: O1
//	    expect: { found: true, id: S1 }
//	  - op: save
//	    variant: Order
//	    id: S2
//	    fields: { orderId: O1 }
//	    expect: { error: unique_conflict }
//	assertions:
//	  - type: index_count
//	    count: 1
//
// # Operations
//
//   - save, update, complete: persister writes; update merges the given
//     fields into the stored saga
//   - get, get_by: reads, reporting found or absent
//   - raw_save, legacy_identity: write data shaped like older schema
//     generations, bypassing the persister
//
// # Assertion Types
//
//   - trace_contains: a step with the op (and outcome) ran
//   - trace_count: the op ran exactly N times
//   - index_count: N unique identity documents exist
//   - document_count: N sagas of a variant exist
//
// # Deterministic Testing
//
// Step numbers come from testutil.StepCounter and generated ids from
// testutil.SequentialIDs, so the same scenario always produces a
// byte-identical trace for golden file comparison.
package harness
