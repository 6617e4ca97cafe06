// Package workflow models the declarative per-persona conversation graph and
// tracks a session's position in it.
//
// Invariants:
// - Unknown node ids never change state.
// - Transition validity is diagnostic; the current position always moves.
// - Decision resolution always yields a path when the node has an outgoing edge.
//
// Usage:
//
//	g, _ := workflow.LoadGraph("flows/banking.yaml")
//	sm, _ := workflow.NewStateMachine(g)
//	tr, _ := sm.UpdateState("check_balance")
//	next := sm.NextNodes()
package workflow
