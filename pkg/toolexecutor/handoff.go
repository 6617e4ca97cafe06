package toolexecutor

import (
	"fmt"
	"strings"
	"time"

	"github.com/harun/switchboard/pkg/session"
	"github.com/harun/switchboard/pkg/workflow"
)

// Graph context keys added to every transmitted snapshot.
const (
	GraphKeyMessageCount = "message_count"
	GraphKeySessionStart = "session_start"
	GraphKeyCurrentNode  = "current_node"
)

// requestHandoff builds the request the next agent resumes from. The reason
// is the explicit input, else the stored intent, else a generic fallback.
func (p *Pipeline) requestHandoff(st *SessionState, target string, isReturn bool, params map[string]interface{}) *session.HandoffRequest {
	now := p.clock.Now()
	mem := st.Memory()

	reason := strings.TrimSpace(stringParam(params, "reason"))
	if reason == "" {
		reason = mem.UserIntent
	}
	if reason == "" {
		reason = p.fallbackReason(target)
	}

	req := &session.HandoffRequest{
		FromAgent:       p.cfg.AgentID,
		TargetAgent:     target,
		Reason:          reason,
		LastUserMessage: st.LastUserMessage(),
		IsReturn:        isReturn,
		CreatedAt:       now,
	}

	if mem.Verified {
		req.Verified = true
		req.UserName = mem.UserName
		req.Account = mem.Account
		req.SortCode = mem.SortCode
	}

	if isReturn {
		completed, _ := params["task_completed"].(bool)
		req.TaskCompleted = &completed
		req.Summary = strings.TrimSpace(stringParam(params, "summary"))
	}

	graph := p.graphSnapshot(st, mem, now)
	req.Graph = &graph

	return req
}

func (p *Pipeline) fallbackReason(target string) string {
	if p.cfg.FallbackReason != "" {
		return p.cfg.FallbackReason
	}
	return fmt.Sprintf("Customer needs help from %s", target)
}

// graphSnapshot merges the live graph position with session bookkeeping.
func (p *Pipeline) graphSnapshot(st *SessionState, mem session.Memory, now time.Time) workflow.GraphState {
	var graph workflow.GraphState
	switch {
	case st.Machine() != nil:
		graph = st.Machine().State()
	case mem.Graph != nil:
		graph = mem.Graph.Clone()
	}
	if graph.Context == nil {
		graph.Context = make(map[string]interface{})
	}

	graph.Context[GraphKeyMessageCount] = st.MessageCount()
	graph.Context[GraphKeySessionStart] = st.StartTime.UTC().Format(time.RFC3339)
	if graph.CurrentNodeID != "" {
		graph.Context[GraphKeyCurrentNode] = graph.CurrentNodeID
	}
	graph.UpdatedAt = now

	return graph
}

func stringParam(params map[string]interface{}, key string) string {
	if params == nil {
		return ""
	}
	s, _ := params[key].(string)
	return s
}
