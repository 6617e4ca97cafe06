// Package session holds the shared per-session records (routing state and
// cross-agent memory) and the store clients that persist them.
//
// Invariants:
// - Memory writes are per-field merges; fields a writer does not supply survive.
// - UserIntent, once set, is only replaced after an explicit clear.
// - Records expire after their TTL unless refreshed.
//
// Usage:
//
//	store := session.NewMemoryStore(clock.New())
//	_, _ = store.MergeMemory(ctx, "s1", session.MemoryPatch{UserIntent: session.String("check balance")}, time.Hour)
//	mem, _ := store.GetMemory(ctx, "s1")
package session
