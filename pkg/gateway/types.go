package gateway

import (
	"time"

	"github.com/harun/switchboard/pkg/clock"
	"github.com/harun/switchboard/pkg/registry"
	"github.com/harun/switchboard/pkg/session"
	"github.com/rs/zerolog"
)

// Timers are the named delays a session schedules
type Timers struct {
	// SwapCloseDelay is how long a superseded downstream link stays open, detached, after a swap.
	SwapCloseDelay time.Duration `mapstructure:"swap_close_delay"`
	// VerifiedSettleDelay lets the verification agent finish speaking before the automatic handoff.
	VerifiedSettleDelay time.Duration `mapstructure:"verified_settle_delay"`
	// DisconnectGrace is the wait between client disconnect and closing the downstream link.
	DisconnectGrace time.Duration `mapstructure:"disconnect_grace"`
	// PurgeDelay is the further wait before stored records are deleted.
	PurgeDelay time.Duration `mapstructure:"purge_delay"`
	// ConnectTimeout abandons a downstream connection attempt.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// DefaultTimers returns the stock delays
func DefaultTimers() Timers {
	return Timers{
		SwapCloseDelay:      time.Second,
		VerifiedSettleDelay: 3 * time.Second,
		DisconnectGrace:     5 * time.Second,
		PurgeDelay:          time.Minute,
		ConnectTimeout:      10 * time.Second,
	}
}

func (t Timers) withDefaults() Timers {
	d := DefaultTimers()
	if t.SwapCloseDelay <= 0 {
		t.SwapCloseDelay = d.SwapCloseDelay
	}
	if t.VerifiedSettleDelay <= 0 {
		t.VerifiedSettleDelay = d.VerifiedSettleDelay
	}
	if t.DisconnectGrace <= 0 {
		t.DisconnectGrace = d.DisconnectGrace
	}
	if t.PurgeDelay <= 0 {
		t.PurgeDelay = d.PurgeDelay
	}
	if t.ConnectTimeout <= 0 {
		t.ConnectTimeout = d.ConnectTimeout
	}
	return t
}

// Handoff triggers, used in logs, metrics and handoff events.
const (
	TriggerInitial   = "initial"
	TriggerResume    = "resume"
	TriggerReconnect = "reconnect"
	TriggerTool      = "tool"
	TriggerStaged    = "staged"
	TriggerVerified  = "verified"
	TriggerWorkflow  = "workflow"
)

// Error codes sent to clients.
const (
	CodeNoAgent           = "no_agent"
	CodeHandoffFailed     = "handoff_failed"
	CodeAgentDisconnected = "agent_disconnected"
	CodeSessionInUse      = "session_in_use"
	CodeShutdown          = "server_shutdown"
)

const (
	defaultSessionTTL     = 30 * time.Minute
	defaultStoreTimeout   = 5 * time.Second
	defaultTranscriptSize = 256
)

// Config holds server configuration
type Config struct {
	Port           int
	ClientSecret   string
	RegistrySecret string

	DefaultAgent          string
	PostVerificationAgent string
	VerificationTool      string
	WorkflowAgents        map[string]string
	HandoffAgents         map[string]string
	NudgeOnHandoff        bool

	Timers              Timers
	SessionTTL          time.Duration
	StoreTimeout        time.Duration
	TranscriptCacheSize int
	MonitorInterval     time.Duration

	Store     session.Store
	Registry  *registry.Registry
	Dialer    Dialer
	Extractor Extractor
	Clock     clock.Clock
	Logger    zerolog.Logger
}
