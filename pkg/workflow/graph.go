package workflow

import (
	"errors"
	"fmt"
	"time"
)

// NodeType is the declared type of a workflow node
type NodeType string

const (
	NodeStart    NodeType = "start"
	NodeTool     NodeType = "tool"
	NodeWorkflow NodeType = "workflow"
	NodeDecision NodeType = "decision"
	NodeEnd      NodeType = "end"
)

// ErrUnknownNode is returned when a node id is not part of the graph.
var ErrUnknownNode = errors.New("unknown workflow node")

// Node is a single state in the graph.
type Node struct {
	ID          string            `json:"id" yaml:"id"`
	Type        NodeType          `json:"type" yaml:"type"`
	Label       string            `json:"label,omitempty" yaml:"label,omitempty"`
	Instruction string            `json:"instruction,omitempty" yaml:"instruction,omitempty"`
	ToolName    string            `json:"tool,omitempty" yaml:"tool,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Edge is a directed, optionally labelled transition.
type Edge struct {
	From  string `json:"from" yaml:"from"`
	To    string `json:"to" yaml:"to"`
	Label string `json:"label,omitempty" yaml:"label,omitempty"`
}

// Graph is the workflow definition for one persona.
type Graph struct {
	ID      string `json:"id" yaml:"id"`
	Name    string `json:"name,omitempty" yaml:"name,omitempty"`
	Persona string `json:"persona,omitempty" yaml:"persona,omitempty"`
	Nodes   []Node `json:"nodes" yaml:"nodes"`
	Edges   []Edge `json:"edges" yaml:"edges"`
}

// GraphState is a session's position in a workflow. It travels inside
// session memory so the next worker can resume after a handoff.
type GraphState struct {
	WorkflowID    string                 `json:"workflowId"`
	CurrentNodeID string                 `json:"currentNodeId"`
	Context       map[string]interface{} `json:"context,omitempty"`
	LastOutcome   string                 `json:"lastOutcome,omitempty"`
	UpdatedAt     time.Time              `json:"updatedAt,omitempty"`
}

// Clone returns a deep-enough copy for handing to another goroutine.
func (s GraphState) Clone() GraphState {
	out := s
	if s.Context != nil {
		out.Context = make(map[string]interface{}, len(s.Context))
		for k, v := range s.Context {
			out.Context[k] = v
		}
	}
	return out
}

// Validate checks node ids, types and edge endpoints.
func (g *Graph) Validate() error {
	if g.ID == "" {
		return fmt.Errorf("workflow id is required")
	}
	if len(g.Nodes) == 0 {
		return fmt.Errorf("workflow %s has no nodes", g.ID)
	}

	seen := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.ID == "" {
			return fmt.Errorf("workflow %s: node id cannot be empty", g.ID)
		}
		if seen[n.ID] {
			return fmt.Errorf("workflow %s: duplicate node id %s", g.ID, n.ID)
		}
		seen[n.ID] = true

		switch n.Type {
		case NodeStart, NodeTool, NodeWorkflow, NodeDecision, NodeEnd:
		default:
			return fmt.Errorf("workflow %s: node %s has invalid type %q", g.ID, n.ID, n.Type)
		}
	}

	for _, e := range g.Edges {
		if !seen[e.From] {
			return fmt.Errorf("workflow %s: edge source %s does not exist", g.ID, e.From)
		}
		if !seen[e.To] {
			return fmt.Errorf("workflow %s: edge target %s does not exist", g.ID, e.To)
		}
	}

	return nil
}

// StartNode returns the first node of type start, if any.
func (g *Graph) StartNode() (Node, bool) {
	for _, n := range g.Nodes {
		if n.Type == NodeStart {
			return n, true
		}
	}
	return Node{}, false
}
