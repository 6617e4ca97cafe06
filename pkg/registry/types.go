package registry

import (
	"errors"
	"time"
)

// AgentStatus is the health of a registered agent.
type AgentStatus string

const (
	StatusHealthy   AgentStatus = "healthy"
	StatusUnhealthy AgentStatus = "unhealthy"
)

// Role names used by routing.
const (
	RoleVerification = "verification"
	RoleDefault      = "default"
)

// ErrAgentNotFound is returned for unknown agent ids.
var ErrAgentNotFound = errors.New("agent not found")

// AgentInfo describes one worker process reachable by the gateway.
type AgentInfo struct {
	ID            string      `json:"id"`
	URL           string      `json:"url"`
	Status        AgentStatus `json:"status"`
	Capabilities  []string    `json:"capabilities,omitempty"`
	LastHeartbeat time.Time   `json:"lastHeartbeat"`
	Port          int         `json:"port,omitempty"`
	Role          string      `json:"role,omitempty"`
}

// HasCapability reports whether the agent declared capability
func (a AgentInfo) HasCapability(capability string) bool {
	for _, c := range a.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

func (a AgentInfo) clone() AgentInfo {
	out := a
	if a.Capabilities != nil {
		out.Capabilities = append([]string(nil), a.Capabilities...)
	}
	return out
}
