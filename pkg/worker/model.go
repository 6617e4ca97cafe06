package worker

import (
	"context"

	"github.com/harun/switchboard/pkg/toolexecutor"
)

// Turn roles kept in a connection's history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Turn is one entry of the conversation a Model sees.
type Turn struct {
	Role       string
	Text       string
	ToolCallID string
	IsError    bool
	ToolCalls  []toolexecutor.Call
}

// ToolSpec describes a tool the model may call
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// TurnRequest is everything a Model needs to produce the next reply.
type TurnRequest struct {
	SessionID    string
	AgentID      string
	SystemPrompt string
	History      []Turn
	Tools        []ToolSpec
}

// Reply is a model's answer. Tool calls are run through the pipeline and
// their results appended to the history before the model is asked again.
type Reply struct {
	Text      string
	ToolCalls []toolexecutor.Call
}

// Model produces agent replies. The LLM itself lives outside this module.
type Model interface {
	Respond(ctx context.Context, req TurnRequest) (Reply, error)
}

// ModelFunc adapts a function to Model
type ModelFunc func(ctx context.Context, req TurnRequest) (Reply, error)

// Respond calls f
func (f ModelFunc) Respond(ctx context.Context, req TurnRequest) (Reply, error) {
	return f(ctx, req)
}

func objectSchema(params map[string]interface{}) map[string]interface{} {
	if params == nil {
		return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
	}
	if _, ok := params["type"]; ok {
		return params
	}
	return map[string]interface{}{"type": "object", "properties": params}
}
