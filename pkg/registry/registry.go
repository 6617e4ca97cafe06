package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/switchboard/pkg/clock"
	"github.com/rs/zerolog/log"
)

// DefaultStalenessThreshold is how old a heartbeat may get before the agent
// stops counting as healthy.
const DefaultStalenessThreshold = 30 * time.Second

// Registry tracks known agents and their heartbeat health
type Registry struct {
	agents    map[string]*AgentInfo
	mu        sync.RWMutex
	clock     clock.Clock
	staleness time.Duration
}

// New creates a registry. A non-positive staleness uses DefaultStalenessThreshold.
func New(c clock.Clock, staleness time.Duration) *Registry {
	if c == nil {
		c = clock.New()
	}
	if staleness <= 0 {
		staleness = DefaultStalenessThreshold
	}
	return &Registry{
		agents:    make(map[string]*AgentInfo),
		clock:     c,
		staleness: staleness,
	}
}

// Register adds or replaces an agent and marks it healthy
func (r *Registry) Register(info AgentInfo) error {
	if info.ID == "" {
		return fmt.Errorf("agent ID is required")
	}
	if info.URL == "" {
		return fmt.Errorf("agent URL is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stored := info.clone()
	stored.Status = StatusHealthy
	stored.LastHeartbeat = r.clock.Now()

	_, existed := r.agents[info.ID]
	r.agents[info.ID] = &stored

	event := log.Info().
		Str("agentId", info.ID).
		Str("url", info.URL).
		Str("role", info.Role).
		Int("capabilities", len(info.Capabilities))
	if existed {
		event.Msg("Agent re-registered")
	} else {
		event.Msg("Agent registered")
	}

	return nil
}

// Unregister removes an agent
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[id]; !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	delete(r.agents, id)

	log.Info().Str("agentId", id).Msg("Agent unregistered")
	return nil
}

// Heartbeat refreshes an agent's heartbeat and marks it healthy
func (r *Registry) Heartbeat(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}

	if agent.Status != StatusHealthy {
		log.Info().Str("agentId", id).Msg("Agent recovered")
	}
	agent.LastHeartbeat = r.clock.Now()
	agent.Status = StatusHealthy

	return nil
}

// Get returns a copy of an agent
func (r *Registry) Get(id string) (*AgentInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[id]
	if !ok {
		return nil, false
	}
	out := agent.clone()
	return &out, true
}

// GetAll returns copies of every agent sorted by id
func (r *Registry) GetAll() []AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]AgentInfo, 0, len(r.agents))
	for _, agent := range r.agents {
		out = append(out, agent.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IsHealthy reports whether the agent is known, marked healthy and has a
// heartbeat younger than the staleness threshold.
func (r *Registry) IsHealthy(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[id]
	if !ok {
		return false
	}
	return r.healthyLocked(agent, r.clock.Now())
}

// ByRole returns the healthy agents that declared role
func (r *Registry) ByRole(role string) []AgentInfo {
	now := r.clock.Now()
	out := make([]AgentInfo, 0)
	for _, agent := range r.GetAll() {
		if agent.Role == role && r.healthyLocked(&agent, now) {
			out = append(out, agent)
		}
	}
	return out
}

// StalenessThreshold returns the configured heartbeat age limit
func (r *Registry) StalenessThreshold() time.Duration {
	return r.staleness
}

func (r *Registry) healthyLocked(agent *AgentInfo, now time.Time) bool {
	return agent.Status == StatusHealthy && now.Sub(agent.LastHeartbeat) <= r.staleness
}

// markStale flips agents past the threshold to unhealthy and returns their ids.
func (r *Registry) markStale() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	var stale []string
	for id, agent := range r.agents {
		if agent.Status == StatusHealthy && now.Sub(agent.LastHeartbeat) > r.staleness {
			agent.Status = StatusUnhealthy
			stale = append(stale, id)
		}
	}
	sort.Strings(stale)
	return stale
}
