// Package harness provides a conformance testing framework for the node
// core: it stands up an in-process pair of nodes plus a notary cluster,
// drives a YAML-defined scenario through real flows, and records a
// deterministic trace for golden-file comparison.
//
// Unlike unit tests, harness scenarios exercise the full stack: flow
// scheduling and checkpointing, session messaging over the in-memory
// transport, and the configured consensus backend. Determinism comes from
// fixed id generators, a logical trace clock and strictly sequential step
// execution, so the same scenario always produces a byte-identical trace.
//
// Scenario layout:
//
//	name: notarize-basic
//	description: first consumer wins, second conflicts
//	backend: single
//	exchange:
//	  - payload: ping
//	transactions:
//	  - tx: T1
//	    identity: alice
//	    refs: [asset-1]
//	    expect: committed
//	  - tx: T2
//	    identity: bob
//	    refs: [asset-1]
//	    expect: conflicted
//	    conflict_with: T1
//
// The exchange section drives the echo protocol between the two nodes; the
// transactions section drives notarization requests against the scenario's
// backend. Expect clauses are checked after each step and recorded in the
// result.
package harness
