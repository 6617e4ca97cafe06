package session

import (
	"time"

	"github.com/harun/switchboard/pkg/workflow"
)

// HandoffRequest is built by the agent giving up a session and delivered to
// the agent taking it over in its session_init.
type HandoffRequest struct {
	FromAgent       string               `json:"fromAgent"`
	TargetAgent     string               `json:"targetAgent"`
	Reason          string               `json:"reason"`
	LastUserMessage string               `json:"lastUserMessage,omitempty"`
	Verified        bool                 `json:"verified,omitempty"`
	UserName        string               `json:"userName,omitempty"`
	Account         string               `json:"account,omitempty"`
	SortCode        string               `json:"sortCode,omitempty"`
	IsReturn        bool                 `json:"isReturn,omitempty"`
	TaskCompleted   *bool                `json:"taskCompleted,omitempty"`
	Summary         string               `json:"summary,omitempty"`
	Graph           *workflow.GraphState `json:"graphState,omitempty"`
	CreatedAt       time.Time            `json:"createdAt"`
}

// FailedReturn reports a return handoff whose task did not complete.
func (h HandoffRequest) FailedReturn() bool {
	return h.IsReturn && h.TaskCompleted != nil && !*h.TaskCompleted
}
