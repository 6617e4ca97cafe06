package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/harun/switchboard/pkg/protocol"
	"github.com/harun/switchboard/pkg/session"
	"github.com/harun/switchboard/pkg/toolexecutor"
)

// workflowStateTool moves the session's workflow to a node and shares the
// new position through session memory.
func (w *Worker) workflowStateTool() toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        toolexecutor.WorkflowStateTool,
		Description: "Record that the conversation has moved to a workflow node",
		Category:    toolexecutor.CategoryWorkflow,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "node_id", Type: "string", Description: "Node the conversation is now at", Required: true},
			{Name: "outcome", Type: "string", Description: "Result of the previous step"},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			st := stateFromContext(ctx)
			if st == nil {
				return nil, fmt.Errorf("no session bound to tool call")
			}
			sm := st.Machine()
			if sm == nil {
				return nil, fmt.Errorf("no workflow attached to agent %s", w.cfg.AgentID)
			}

			nodeID, _ := params["node_id"].(string)
			transition, err := sm.UpdateState(nodeID)
			if err != nil {
				return nil, err
			}
			if outcome, ok := params["outcome"].(string); ok && outcome != "" {
				sm.SetOutcome(outcome)
			}
			w.persistGraph(ctx, st)

			next := make([]string, 0)
			for _, n := range sm.NextNodes() {
				next = append(next, n.ID)
			}
			return map[string]interface{}{
				"previous": transition.Previous,
				"current":  transition.Current,
				"valid":    transition.Valid,
				"next":     next,
			}, nil
		},
	}
}

// persistGraph writes the machine's position to the local and shared memory.
func (w *Worker) persistGraph(ctx context.Context, st *toolexecutor.SessionState) {
	sm := st.Machine()
	if sm == nil {
		return
	}
	graph := sm.State()
	patch := session.MemoryPatch{Graph: &graph}
	st.ApplyMemory(patch, w.clock.Now())

	if w.cfg.Store == nil {
		return
	}
	if _, err := w.cfg.Store.MergeMemory(ctx, st.ID, patch, w.cfg.MemoryTTL); err != nil {
		w.logger.Error().Err(err).Str("session_id", st.ID).Msg("Failed to persist workflow state")
	}
}

// toolSpecs lists the tools offered to the model: local tools, declared
// backend tools, verification and the configured handoff tools.
func (w *Worker) toolSpecs() []ToolSpec {
	specs := make([]ToolSpec, 0, len(w.cfg.Tools)+len(w.cfg.HandoffTargets)+4)
	seen := make(map[string]bool)
	add := func(spec ToolSpec) {
		if spec.Name == "" || seen[spec.Name] {
			return
		}
		seen[spec.Name] = true
		specs = append(specs, spec)
	}

	for _, def := range w.executor.Definitions() {
		add(ToolSpec{Name: def.Name, Description: def.Description, Parameters: toolexecutor.ParametersSchema(def.Parameters)})
	}
	for _, spec := range w.cfg.Tools {
		add(spec)
	}

	if w.cfg.VerificationTool != "" {
		fields := w.cfg.IdentifyingFields
		if len(fields) == 0 {
			fields = toolexecutor.DefaultIdentifyingFields
		}
		params := make([]toolexecutor.ToolParameter, 0, len(fields))
		for _, f := range fields {
			params = append(params, toolexecutor.ToolParameter{
				Name: f, Type: "string", Description: strings.ReplaceAll(f, "_", " "), Required: true,
			})
		}
		add(ToolSpec{
			Name:        w.cfg.VerificationTool,
			Description: "Verify the customer's identity",
			Parameters:  toolexecutor.ParametersSchema(params),
		})
	}

	for _, target := range w.cfg.HandoffTargets {
		add(ToolSpec{
			Name:        protocol.TransferTool(target),
			Description: fmt.Sprintf("Transfer the customer to the %s agent", target),
			Parameters: toolexecutor.ParametersSchema([]toolexecutor.ToolParameter{
				{Name: "reason", Type: "string", Description: "What the customer needs", Required: true},
			}),
		})
	}
	if w.cfg.ReturnTarget != "" {
		add(ToolSpec{
			Name:        protocol.ReturnTool(w.cfg.ReturnTarget),
			Description: fmt.Sprintf("Hand the customer back to the %s agent", w.cfg.ReturnTarget),
			Parameters: toolexecutor.ParametersSchema([]toolexecutor.ToolParameter{
				{Name: "task_completed", Type: "boolean", Description: "Whether the request was fulfilled", Required: true},
				{Name: "summary", Type: "string", Description: "What was done", Required: true},
			}),
		})
	}

	return specs
}

// systemPrompt adds what the agent knows about the session to its base prompt.
func (c *conn) systemPrompt(system bool) string {
	var b strings.Builder
	b.WriteString(c.w.cfg.SystemPrompt)

	mem := c.state.Memory()
	var facts []string
	if mem.Verified {
		facts = append(facts, "The customer is verified.")
		if mem.UserName != "" {
			facts = append(facts, "Name: "+mem.UserName+".")
		}
	} else {
		facts = append(facts, "The customer is not verified.")
	}
	if mem.UserIntent != "" {
		facts = append(facts, "Stated need: "+mem.UserIntent+".")
	}
	if h := c.handoff; h != nil {
		if h.IsReturn {
			facts = append(facts, fmt.Sprintf("The %s agent handed the customer back: %s", h.FromAgent, h.Summary))
		} else {
			facts = append(facts, fmt.Sprintf("Transferred from the %s agent because: %s", h.FromAgent, h.Reason))
		}
	}
	if sm := c.state.Machine(); sm != nil {
		if node, ok := sm.Current(); ok {
			facts = append(facts, "Current workflow step: "+node.ID+".")
			if node.Instruction != "" {
				facts = append(facts, node.Instruction)
			}
		}
	}
	if system {
		facts = append(facts, "The next message comes from the platform, not the customer.")
	}

	if b.Len() > 0 {
		b.WriteString("\n\n")
	}
	b.WriteString(strings.Join(facts, "\n"))
	return b.String()
}
