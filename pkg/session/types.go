package session

import (
	"time"

	"github.com/harun/switchboard/pkg/workflow"
)

// Session is the routing record for one end-user conversation.
type Session struct {
	ID             string                 `json:"sessionId"`
	CurrentAgentID string                 `json:"currentAgentId"`
	WorkflowID     string                 `json:"workflowId,omitempty"`
	StartTime      time.Time              `json:"startTime"`
	LastActivity   time.Time              `json:"lastActivity"`
	Context        map[string]interface{} `json:"context,omitempty"`
}

// Memory is the small record every agent serving a session can read and write.
type Memory struct {
	Verified        bool                 `json:"verified"`
	UserName        string               `json:"userName,omitempty"`
	Account         string               `json:"account,omitempty"`
	SortCode        string               `json:"sortCode,omitempty"`
	UserIntent      string               `json:"userIntent,omitempty"`
	PartialAccount  string               `json:"partialAccount,omitempty"`
	PartialSortCode string               `json:"partialSortCode,omitempty"`
	Graph           *workflow.GraphState `json:"graphState,omitempty"`
	UpdatedAt       time.Time            `json:"updatedAt,omitempty"`
}

// MemoryPatch carries only the fields a writer knows. Nil fields are left untouched.
type MemoryPatch struct {
	Verified        *bool                `json:"verified,omitempty"`
	UserName        *string              `json:"userName,omitempty"`
	Account         *string              `json:"account,omitempty"`
	SortCode        *string              `json:"sortCode,omitempty"`
	UserIntent      *string              `json:"userIntent,omitempty"`
	ClearIntent     bool                 `json:"clearIntent,omitempty"`
	PartialAccount  *string              `json:"partialAccount,omitempty"`
	PartialSortCode *string              `json:"partialSortCode,omitempty"`
	Graph           *workflow.GraphState `json:"graphState,omitempty"`
}

// String returns a pointer to s
func String(s string) *string {
	return &s
}

// Bool returns a pointer to b
func Bool(b bool) *bool {
	return &b
}
