// Package toolexecutor runs the tool calls a worker's model asks for.
//
// Every call passes through the same gates before it is dispatched:
//
//  1. the per-session rate window resets after a quiet period;
//  2. a per-tool circuit breaker refuses runaway repetition;
//  3. only one handoff-class call is honored per turn;
//  4. identity verification is never run twice concurrently, never re-run
//     with identical details inside the dedupe window, never run for a
//     verified session and never past the attempt budget;
//  5. input is schema-validated by category.
//
// Refused calls come back as Results carrying a block marker, never as errors.
//
// Usage:
//
//	p, _ := toolexecutor.NewPipeline(toolexecutor.Config{AgentID: "idv", VerificationTool: "perform_idv_check"}, nil, backend, store, nil)
//	st := toolexecutor.NewSessionState("s1", time.Now())
//	p.BeginTurn(st)
//	res := p.Execute(ctx, st, toolexecutor.Call{ID: "t1", Name: "perform_idv_check", Input: input})
package toolexecutor
