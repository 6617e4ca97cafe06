package session

import "time"

// IsEmpty reports whether the patch would change nothing
func (p MemoryPatch) IsEmpty() bool {
	return p.Verified == nil &&
		p.UserName == nil &&
		p.Account == nil &&
		p.SortCode == nil &&
		p.UserIntent == nil &&
		!p.ClearIntent &&
		p.PartialAccount == nil &&
		p.PartialSortCode == nil &&
		p.Graph == nil
}

// Merge combines two patches; fields set in next win over p.
func (p MemoryPatch) Merge(next MemoryPatch) MemoryPatch {
	out := p
	if next.Verified != nil {
		out.Verified = next.Verified
	}
	if next.UserName != nil {
		out.UserName = next.UserName
	}
	if next.Account != nil {
		out.Account = next.Account
	}
	if next.SortCode != nil {
		out.SortCode = next.SortCode
	}
	if next.ClearIntent {
		out.ClearIntent = true
		out.UserIntent = nil
	}
	if next.UserIntent != nil {
		out.UserIntent = next.UserIntent
	}
	if next.PartialAccount != nil {
		out.PartialAccount = next.PartialAccount
	}
	if next.PartialSortCode != nil {
		out.PartialSortCode = next.PartialSortCode
	}
	if next.Graph != nil {
		out.Graph = next.Graph
	}
	return out
}

// Apply merges patch into m field by field and returns the result. A stored
// intent is kept unless the patch clears it; an empty intent value is ignored.
func (m Memory) Apply(patch MemoryPatch, now time.Time) Memory {
	out := m

	if patch.Verified != nil {
		out.Verified = *patch.Verified
	}
	if patch.UserName != nil {
		out.UserName = *patch.UserName
	}
	if patch.Account != nil {
		out.Account = *patch.Account
	}
	if patch.SortCode != nil {
		out.SortCode = *patch.SortCode
	}
	if patch.ClearIntent {
		out.UserIntent = ""
	}
	if patch.UserIntent != nil && *patch.UserIntent != "" && out.UserIntent == "" {
		out.UserIntent = *patch.UserIntent
	}
	if patch.PartialAccount != nil {
		out.PartialAccount = *patch.PartialAccount
	}
	if patch.PartialSortCode != nil {
		out.PartialSortCode = *patch.PartialSortCode
	}
	if patch.Graph != nil {
		graph := patch.Graph.Clone()
		out.Graph = &graph
	}

	out.UpdatedAt = now
	return out
}

// Clone returns a copy that shares nothing mutable with m
func (m Memory) Clone() Memory {
	out := m
	if m.Graph != nil {
		graph := m.Graph.Clone()
		out.Graph = &graph
	}
	return out
}
