package toolexecutor

import (
	"strings"

	"github.com/harun/switchboard/pkg/protocol"
)

// ToolCategory decides which gates, validation and execution path a call gets
type ToolCategory string

const (
	CategoryHandoff      ToolCategory = "handoff"
	CategoryReturn       ToolCategory = "return"
	CategoryVerification ToolCategory = "verification"
	CategoryWorkflow     ToolCategory = "workflow"
	CategoryDomain       ToolCategory = "domain"
	CategoryGeneric      ToolCategory = "generic"
)

// WorkflowStateTool is the built-in tool that moves the workflow graph.
const WorkflowStateTool = "update_workflow_state"

// AllCategories returns all valid tool categories
func AllCategories() []ToolCategory {
	return []ToolCategory{
		CategoryHandoff,
		CategoryReturn,
		CategoryVerification,
		CategoryWorkflow,
		CategoryDomain,
		CategoryGeneric,
	}
}

// IsValidCategory checks if a category is valid
func IsValidCategory(category string) bool {
	cat := ToolCategory(strings.ToLower(category))
	for _, valid := range AllCategories() {
		if cat == valid {
			return true
		}
	}
	return false
}

// IsHandoffClass reports whether calls in c transfer the session
func (c ToolCategory) IsHandoffClass() bool {
	return c == CategoryHandoff || c == CategoryReturn
}

// Categorizer classifies tool names for one worker
type Categorizer struct {
	verificationTool string
	executor         *ToolExecutor
}

// NewCategorizer creates a categorizer. verificationTool names the
// identity-verification tool; executor supplies declared categories and may be nil.
func NewCategorizer(verificationTool string, executor *ToolExecutor) *Categorizer {
	return &Categorizer{verificationTool: verificationTool, executor: executor}
}

// Categorize returns the category of name. Handoff naming wins over any
// declaration; unknown tools are generic passthroughs.
func (c *Categorizer) Categorize(name string) ToolCategory {
	if _, isReturn, ok := protocol.HandoffTarget(name); ok {
		if isReturn {
			return CategoryReturn
		}
		return CategoryHandoff
	}
	if c.verificationTool != "" && name == c.verificationTool {
		return CategoryVerification
	}
	if name == WorkflowStateTool {
		return CategoryWorkflow
	}
	if c.executor != nil {
		if def := c.executor.GetTool(name); def != nil && def.Category != "" {
			return def.Category
		}
	}
	return CategoryGeneric
}

// VerificationTool returns the configured verification tool name
func (c *Categorizer) VerificationTool() string {
	return c.verificationTool
}
