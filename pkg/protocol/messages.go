package protocol

import (
	"encoding/json"

	"github.com/harun/switchboard/pkg/session"
)

// Kind is the value of a frame's "type" field.
type Kind string

const (
	KindConnected      Kind = "connected"
	KindSessionInit    Kind = "session_init"
	KindSelectWorkflow Kind = "select_workflow"
	KindTextInput      Kind = "text_input"
	KindUserInput      Kind = "user_input"
	KindUpdateMemory   Kind = "update_memory"
	KindMemoryUpdate   Kind = "memory_update"
	KindToolUse        Kind = "tool_use"
	KindToolResult     Kind = "tool_result"
	KindTranscript     Kind = "transcript"
	KindHandoffRequest Kind = "handoff_request"
	KindHandoffEvent   Kind = "handoff_event"
	KindError          Kind = "error"
	KindPing           Kind = "ping"
	KindPong           Kind = "pong"
	KindSystemTurn     Kind = "system_turn"
)

// Kinds lists every kind Decode understands, aliases included.
var Kinds = []Kind{
	KindConnected, KindSessionInit, KindSelectWorkflow, KindTextInput, KindUserInput,
	KindUpdateMemory, KindMemoryUpdate, KindToolUse, KindToolResult, KindTranscript,
	KindHandoffRequest, KindHandoffEvent, KindError, KindPing, KindPong, KindSystemTurn,
}

// Message is implemented by every frame variant.
type Message interface {
	Kind() Kind
}

// Connected acknowledges a new client connection.
// ResumeToken must be presented to reconnect to the session when the gateway
// requires client authentication.
type Connected struct {
	SessionID   string `json:"sessionId"`
	Resumed     bool   `json:"resumed,omitempty"`
	ResumeToken string `json:"resumeToken,omitempty"`
}

// SessionInit opens a worker session. From the gateway it carries the memory
// snapshot and trace id; a client may send it to pick a workflow up front.
type SessionInit struct {
	SessionID  string                  `json:"sessionId"`
	TraceID    string                  `json:"traceId,omitempty"`
	AgentID    string                  `json:"agentId,omitempty"`
	WorkflowID string                  `json:"workflowId,omitempty"`
	Memory     *session.Memory         `json:"memory,omitempty"`
	Handoff    *session.HandoffRequest `json:"handoff,omitempty"`
}

// SelectWorkflow asks the gateway to route the session to a workflow's agent.
type SelectWorkflow struct {
	WorkflowID string `json:"workflowId"`
}

// TextInput is a user utterance. The user_input alias decodes to the same type.
type TextInput struct {
	Text string `json:"text"`
}

// UpdateMemory merges fields into session memory. memory_update is an alias.
type UpdateMemory struct {
	Memory session.MemoryPatch `json:"memory"`
}

// ToolUse asks a worker to run a tool.
type ToolUse struct {
	ToolUseID string          `json:"toolUseId"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input,omitempty"`
}

// ToolResult is the outcome of a tool call. Handoff is set on accepted
// handoff-class calls; Rejection names the gate that refused the call.
type ToolResult struct {
	ToolUseID string                  `json:"toolUseId"`
	Name      string                  `json:"name"`
	Content   string                  `json:"content"`
	IsError   bool                    `json:"isError,omitempty"`
	Rejection string                  `json:"rejection,omitempty"`
	Handoff   *session.HandoffRequest `json:"handoff,omitempty"`
	// AttemptsExhausted is set once the session has used up its verification attempts.
	AttemptsExhausted bool `json:"attemptsExhausted,omitempty"`
}

// Transcript is a piece of conversation text produced by a worker.
type Transcript struct {
	ID    string `json:"id"`
	Role  string `json:"role"`
	Text  string `json:"text"`
	Final bool   `json:"final,omitempty"`
}

// HandoffRequest is emitted by a worker that has staged a handoff outside a
// tool call, such as after a successful verification.
type HandoffRequest struct {
	Handoff session.HandoffRequest `json:"handoff"`
}

// HandoffEvent tells the client that a different agent now serves the session.
type HandoffEvent struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
	Auto   bool   `json:"auto,omitempty"`
}

// Error reports a failure. Terminal errors are followed by a close.
type Error struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Terminal bool   `json:"terminal,omitempty"`
}

// Ping is a liveness probe.
type Ping struct {
	Timestamp int64 `json:"timestamp,omitempty"`
}

// Pong answers a Ping.
type Pong struct {
	Timestamp int64 `json:"timestamp,omitempty"`
}

// SystemTurn is a turn originated by the platform rather than the user. It is
// never echoed back as a user transcript.
type SystemTurn struct {
	Text   string `json:"text"`
	Reason string `json:"reason,omitempty"`
}

// Unknown is a well-formed frame with a type this package does not know. Raw
// holds the original bytes so it can be relayed untouched.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (Connected) Kind() Kind      { return KindConnected }
func (SessionInit) Kind() Kind    { return KindSessionInit }
func (SelectWorkflow) Kind() Kind { return KindSelectWorkflow }
func (TextInput) Kind() Kind      { return KindTextInput }
func (UpdateMemory) Kind() Kind   { return KindUpdateMemory }
func (ToolUse) Kind() Kind        { return KindToolUse }
func (ToolResult) Kind() Kind     { return KindToolResult }
func (Transcript) Kind() Kind     { return KindTranscript }
func (HandoffRequest) Kind() Kind { return KindHandoffRequest }
func (HandoffEvent) Kind() Kind   { return KindHandoffEvent }
func (Error) Kind() Kind          { return KindError }
func (Ping) Kind() Kind           { return KindPing }
func (Pong) Kind() Kind           { return KindPong }
func (SystemTurn) Kind() Kind     { return KindSystemTurn }
func (u Unknown) Kind() Kind      { return Kind(u.Type) }
