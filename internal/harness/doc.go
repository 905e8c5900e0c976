// Package harness runs scripted sync scenarios against a real engine.
//
// A scenario is a YAML file: a starting connectivity state, rows seeded on
// an in-memory server and in the local mirror, a list of steps, and
// assertions on the final state. Steps are things a device goes through:
//
//	steps:
//	  - enqueue: {entity: nodes, op: insert, payload: {id: n1, name: A}}
//	  - online: true
//	  - fail: {op: insert, entity: nodes, status: 503}
//	  - drain: true
//	  - advance: 1s
//
// Each scenario gets a fresh in-memory store, a virtual clock starting at
// Start, sequential ids and a single replay worker, so two runs of the same
// scenario make the same server calls in the same order. The engine's Run
// loop is not started: drains and syncs happen only where a step asks for
// them, and the retry timer only fires when a step advances the clock.
//
// After every step the harness records the derived sync status. The trace,
// the server calls and the final status form the golden snapshot compared
// by RunWithGolden.
package harness
