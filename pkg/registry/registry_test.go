package registry

import (
	"testing"
	"time"

	"github.com/harun/switchboard/pkg/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() (*Registry, *clock.Fake) {
	fake := clock.NewFake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(fake, 30*time.Second), fake
}

func TestRegistry_Register(t *testing.T) {
	reg, _ := newTestRegistry()

	err := reg.Register(AgentInfo{ID: "idv", URL: "ws://localhost:8082", Role: RoleVerification, Capabilities: []string{"perform_idv_check"}})
	require.NoError(t, err)

	agent, ok := reg.Get("idv")
	require.True(t, ok)
	assert.Equal(t, StatusHealthy, agent.Status)
	assert.True(t, agent.HasCapability("perform_idv_check"))
	assert.True(t, reg.IsHealthy("idv"))

	// copies do not leak into the registry
	agent.Capabilities[0] = "changed"
	again, _ := reg.Get("idv")
	assert.Equal(t, "perform_idv_check", again.Capabilities[0])
}

func TestRegistry_Register_Validation(t *testing.T) {
	reg, _ := newTestRegistry()

	tests := []struct {
		name        string
		info        AgentInfo
		expectedErr string
	}{
		{name: "missing ID", info: AgentInfo{URL: "ws://x"}, expectedErr: "agent ID is required"},
		{name: "missing URL", info: AgentInfo{ID: "a"}, expectedErr: "agent URL is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := reg.Register(tt.info)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectedErr)
		})
	}
}

func TestRegistry_Staleness(t *testing.T) {
	reg, fake := newTestRegistry()
	require.NoError(t, reg.Register(AgentInfo{ID: "banking", URL: "ws://localhost:8083"}))

	fake.Advance(30 * time.Second)
	assert.True(t, reg.IsHealthy("banking"), "heartbeat exactly at threshold is still healthy")

	fake.Advance(time.Second)
	assert.False(t, reg.IsHealthy("banking"))

	require.NoError(t, reg.Heartbeat("banking"))
	assert.True(t, reg.IsHealthy("banking"))
}

func TestRegistry_Heartbeat_Unknown(t *testing.T) {
	reg, _ := newTestRegistry()
	assert.ErrorIs(t, reg.Heartbeat("ghost"), ErrAgentNotFound)
	assert.False(t, reg.IsHealthy("ghost"))
}

func TestRegistry_GetAllSorted(t *testing.T) {
	reg, _ := newTestRegistry()
	require.NoError(t, reg.Register(AgentInfo{ID: "triage", URL: "ws://a"}))
	require.NoError(t, reg.Register(AgentInfo{ID: "banking", URL: "ws://b"}))
	require.NoError(t, reg.Register(AgentInfo{ID: "idv", URL: "ws://c", Role: RoleVerification}))

	all := reg.GetAll()
	require.Len(t, all, 3)
	assert.Equal(t, "banking", all[0].ID)
	assert.Equal(t, "triage", all[2].ID)

	roles := reg.ByRole(RoleVerification)
	require.Len(t, roles, 1)
	assert.Equal(t, "idv", roles[0].ID)

	require.NoError(t, reg.Unregister("idv"))
	assert.ErrorIs(t, reg.Unregister("idv"), ErrAgentNotFound)
}

func TestMonitor_MarksStaleAgents(t *testing.T) {
	reg, fake := newTestRegistry()
	require.NoError(t, reg.Register(AgentInfo{ID: "old", URL: "ws://a"}))
	fake.Advance(20 * time.Second)
	require.NoError(t, reg.Register(AgentInfo{ID: "fresh", URL: "ws://b"}))
	fake.Advance(15 * time.Second)

	var stale []string
	mon := NewMonitor(reg, time.Hour, func(id string) { stale = append(stale, id) })
	mon.Check()

	assert.Equal(t, []string{"old"}, stale)
	agent, _ := reg.Get("old")
	assert.Equal(t, StatusUnhealthy, agent.Status)

	// already unhealthy agents are not reported twice
	stale = nil
	mon.Check()
	assert.Empty(t, stale)
}

func TestMonitor_StartStop(t *testing.T) {
	reg, _ := newTestRegistry()
	mon := NewMonitor(reg, 10*time.Millisecond, nil)
	mon.Start()
	mon.Stop()
}
