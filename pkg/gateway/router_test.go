package gateway

import (
	"testing"
	"time"

	"github.com/harun/switchboard/pkg/clock"
	"github.com/harun/switchboard/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, c clock.Clock, agents ...registry.AgentInfo) *registry.Registry {
	t.Helper()
	reg := registry.New(c, 30*time.Second)
	for _, a := range agents {
		if a.URL == "" {
			a.URL = "http://" + a.ID + ".local"
		}
		require.NoError(t, reg.Register(a))
	}
	return reg
}

func TestAgentRouter_Resolve(t *testing.T) {
	fake := clock.NewFake(time.Now())
	reg := newTestRegistry(t, fake,
		registry.AgentInfo{ID: "triage"},
		registry.AgentInfo{ID: "banking"},
	)
	router := NewAgentRouter(reg, "triage", nil, nil)

	agent, fellBack, err := router.Resolve("banking")
	require.NoError(t, err)
	assert.Equal(t, "banking", agent.ID)
	assert.False(t, fellBack)

	agent, fellBack, err = router.Resolve("mortgage")
	require.NoError(t, err)
	assert.Equal(t, "triage", agent.ID)
	assert.True(t, fellBack)

	agent, _, err = router.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "triage", agent.ID)
}

func TestAgentRouter_StaleAgentFallsBack(t *testing.T) {
	fake := clock.NewFake(time.Now())
	reg := newTestRegistry(t, fake, registry.AgentInfo{ID: "triage"}, registry.AgentInfo{ID: "banking"})
	router := NewAgentRouter(reg, "triage", nil, nil)

	fake.Advance(31 * time.Second)
	require.NoError(t, reg.Heartbeat("triage"))

	agent, fellBack, err := router.Resolve("banking")
	require.NoError(t, err)
	assert.Equal(t, "triage", agent.ID)
	assert.True(t, fellBack)
}

func TestAgentRouter_NoRoute(t *testing.T) {
	fake := clock.NewFake(time.Now())
	reg := newTestRegistry(t, fake, registry.AgentInfo{ID: "banking"})
	router := NewAgentRouter(reg, "triage", nil, nil)

	_, _, err := router.Resolve("mortgage")
	assert.ErrorIs(t, err, ErrNoRoute)

	_, _, err = NewAgentRouter(nil, "triage", nil, nil).Resolve("triage")
	assert.ErrorIs(t, err, ErrNoRoute)
}

func TestAgentRouter_ForWorkflow(t *testing.T) {
	fake := clock.NewFake(time.Now())
	reg := newTestRegistry(t, fake,
		registry.AgentInfo{ID: "triage"},
		registry.AgentInfo{ID: "mortgage", Capabilities: []string{"remortgage"}},
	)
	router := NewAgentRouter(reg, "triage", map[string]string{"disputes": "banking"}, nil)

	assert.Equal(t, "banking", router.ForWorkflow("disputes"))
	assert.Equal(t, "mortgage", router.ForWorkflow("remortgage"))
	assert.Equal(t, "triage", router.ForWorkflow("unknown"))
	assert.Equal(t, "triage", router.ForWorkflow(""))
}

func TestAgentRouter_ForTool(t *testing.T) {
	router := NewAgentRouter(nil, "triage", nil, map[string]string{"transfer_to_idv": "identity"})

	assert.Equal(t, "identity", router.ForTool("transfer_to_idv"))
	assert.Equal(t, "banking", router.ForTool("transfer_to_banking"))
	assert.Equal(t, "triage", router.ForTool("return_to_triage"))
	assert.Equal(t, "", router.ForTool("get_balance"))
}
