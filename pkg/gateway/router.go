package gateway

import (
	"errors"
	"fmt"

	"github.com/harun/switchboard/pkg/protocol"
	"github.com/harun/switchboard/pkg/registry"
	"github.com/rs/zerolog/log"
)

// ErrNoRoute is returned when neither the requested nor the default agent is healthy.
var ErrNoRoute = errors.New("no healthy agent for route")

// AgentRouter maps routing inputs to registered agents
type AgentRouter struct {
	registry     *registry.Registry
	defaultAgent string
	workflows    map[string]string
	tools        map[string]string
}

// NewAgentRouter creates a router. workflows maps workflow ids to agent ids;
// tools maps handoff tool names to agent ids where the name suffix is not the id.
func NewAgentRouter(reg *registry.Registry, defaultAgent string, workflows, tools map[string]string) *AgentRouter {
	if workflows == nil {
		workflows = map[string]string{}
	}
	if tools == nil {
		tools = map[string]string{}
	}
	return &AgentRouter{
		registry:     reg,
		defaultAgent: defaultAgent,
		workflows:    workflows,
		tools:        tools,
	}
}

// Default returns the fallback agent id
func (r *AgentRouter) Default() string {
	return r.defaultAgent
}

// ForWorkflow returns the agent serving a workflow. An unmapped workflow goes
// to a healthy agent advertising it as a capability, else to the default.
func (r *AgentRouter) ForWorkflow(workflowID string) string {
	if id, ok := r.workflows[workflowID]; ok {
		return id
	}
	if workflowID != "" && r.registry != nil {
		for _, agent := range r.registry.GetAll() {
			if agent.HasCapability(workflowID) && r.registry.IsHealthy(agent.ID) {
				return agent.ID
			}
		}
	}
	return r.defaultAgent
}

// ForTool returns the agent a handoff tool targets, or "" for other tools.
func (r *AgentRouter) ForTool(toolName string) string {
	if id, ok := r.tools[toolName]; ok {
		return id
	}
	target, _, ok := protocol.HandoffTarget(toolName)
	if !ok {
		return ""
	}
	return target
}

// Resolve returns agentID if it is healthy, else the default agent.
// fellBack reports whether the default was used.
func (r *AgentRouter) Resolve(agentID string) (agent registry.AgentInfo, fellBack bool, err error) {
	if r.registry == nil {
		return registry.AgentInfo{}, false, fmt.Errorf("%w: no registry", ErrNoRoute)
	}
	if agentID == "" {
		agentID = r.defaultAgent
	}

	if info, ok := r.healthy(agentID); ok {
		return info, false, nil
	}
	if agentID != r.defaultAgent {
		if info, ok := r.healthy(r.defaultAgent); ok {
			log.Warn().
				Str("requested", agentID).
				Str("default", r.defaultAgent).
				Msg("Agent unavailable, routing to default")
			return info, true, nil
		}
	}

	return registry.AgentInfo{}, false, fmt.Errorf("%w: %s", ErrNoRoute, agentID)
}

func (r *AgentRouter) healthy(id string) (registry.AgentInfo, bool) {
	if id == "" || !r.registry.IsHealthy(id) {
		return registry.AgentInfo{}, false
	}
	info, ok := r.registry.Get(id)
	if !ok {
		return registry.AgentInfo{}, false
	}
	return *info, true
}
