package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Transition reports the outcome of UpdateState.
type Transition struct {
	Previous string `json:"previous"`
	Current  string `json:"current"`
	Valid    bool   `json:"valid"`
}

// StateMachine tracks one session's position in a graph.
type StateMachine struct {
	mu       sync.RWMutex
	graph    *Graph
	nodes    map[string]Node
	outgoing map[string][]Edge
	state    GraphState
	now      func() time.Time
}

// NewStateMachine validates the graph and positions the machine at the
// synthetic start (no current node).
func NewStateMachine(g *Graph) (*StateMachine, error) {
	if g == nil {
		return nil, fmt.Errorf("graph is required")
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}

	sm := &StateMachine{
		graph:    g,
		nodes:    make(map[string]Node, len(g.Nodes)),
		outgoing: make(map[string][]Edge),
		state:    GraphState{WorkflowID: g.ID, Context: make(map[string]interface{})},
		now:      time.Now,
	}
	for _, n := range g.Nodes {
		sm.nodes[n.ID] = n
	}
	for _, e := range g.Edges {
		sm.outgoing[e.From] = append(sm.outgoing[e.From], e)
	}

	return sm, nil
}

// Graph returns the underlying definition
func (sm *StateMachine) Graph() *Graph {
	return sm.graph
}

// Node looks up a node by id
func (sm *StateMachine) Node(id string) (Node, bool) {
	n, ok := sm.nodes[id]
	return n, ok
}

// Current returns the current node, if the machine has left the synthetic start.
func (sm *StateMachine) Current() (Node, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	n, ok := sm.nodes[sm.state.CurrentNodeID]
	return n, ok
}

// UpdateState moves to nodeID. Unknown ids fail without changing state. The
// move happens even when no edge connects the previous node; Valid reports
// whether one did.
func (sm *StateMachine) UpdateState(nodeID string) (Transition, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if _, ok := sm.nodes[nodeID]; !ok {
		return Transition{}, fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}

	prev := sm.state.CurrentNodeID
	valid := sm.isValidTransitionLocked(prev, nodeID)

	sm.state.CurrentNodeID = nodeID
	sm.state.UpdatedAt = sm.now()

	if !valid {
		log.Warn().
			Str("workflow", sm.graph.ID).
			Str("from", prev).
			Str("to", nodeID).
			Msg("Workflow transition has no matching edge")
	}

	return Transition{Previous: prev, Current: nodeID, Valid: valid}, nil
}

func (sm *StateMachine) isValidTransitionLocked(from, to string) bool {
	prevNode, known := sm.nodes[from]
	if !known || prevNode.Type == NodeStart {
		return true
	}
	for _, e := range sm.outgoing[from] {
		if e.To == to {
			return true
		}
	}
	return false
}

// NextNodes returns every node one outgoing edge away from the current position.
// At the synthetic start this is the declared start node.
func (sm *StateMachine) NextNodes() []Node {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	current := sm.state.CurrentNodeID
	if _, ok := sm.nodes[current]; !ok {
		if start, ok := sm.graph.StartNode(); ok {
			return []Node{start}
		}
		return nil
	}

	edges := sm.outgoing[current]
	out := make([]Node, 0, len(edges))
	for _, e := range edges {
		out = append(out, sm.nodes[e.To])
	}
	return out
}

// OutgoingEdges returns the edges leaving nodeID
func (sm *StateMachine) OutgoingEdges(nodeID string) []Edge {
	edges := sm.outgoing[nodeID]
	out := make([]Edge, len(edges))
	copy(out, edges)
	return out
}

// NodeForTool returns the first tool node bound to toolName.
func (sm *StateMachine) NodeForTool(toolName string) (Node, bool) {
	for _, n := range sm.graph.Nodes {
		if n.Type == NodeTool && n.ToolName == toolName {
			return n, true
		}
	}
	return Node{}, false
}

// SetOutcome records the result of the last step
func (sm *StateMachine) SetOutcome(outcome string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.state.LastOutcome = outcome
}

// SetContext stores a value in the graph context
func (sm *StateMachine) SetContext(key string, value interface{}) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.state.Context == nil {
		sm.state.Context = make(map[string]interface{})
	}
	sm.state.Context[key] = value
}

// State returns a snapshot of the current position.
func (sm *StateMachine) State() GraphState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state.Clone()
}

// Hydrate restores a snapshot produced by another worker. Snapshots for a
// different workflow, or pointing at nodes this graph does not have, are
// rejected so the machine stays at its own start.
func (sm *StateMachine) Hydrate(state GraphState) error {
	if state.WorkflowID != "" && state.WorkflowID != sm.graph.ID {
		return fmt.Errorf("snapshot is for workflow %s, not %s", state.WorkflowID, sm.graph.ID)
	}
	if state.CurrentNodeID != "" {
		if _, ok := sm.nodes[state.CurrentNodeID]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownNode, state.CurrentNodeID)
		}
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	restored := state.Clone()
	restored.WorkflowID = sm.graph.ID
	if restored.Context == nil {
		restored.Context = make(map[string]interface{})
	}
	sm.state = restored

	log.Debug().
		Str("workflow", sm.graph.ID).
		Str("node", restored.CurrentNodeID).
		Msg("Workflow state hydrated")

	return nil
}

// AdvanceDecision resolves the current decision node with the classifier and
// moves to the chosen node. It is a no-op when the current node is not a
// decision or has a single way out that UpdateState can follow directly.
func (sm *StateMachine) AdvanceDecision(ctx context.Context, classifier Classifier, recent []string) (*DecisionResult, error) {
	current, ok := sm.Current()
	if !ok || current.Type != NodeDecision {
		return nil, nil
	}

	edges := sm.OutgoingEdges(current.ID)
	if len(edges) == 0 {
		return nil, nil
	}

	result := ResolveDecision(ctx, classifier, current, edges, recent)
	if _, err := sm.UpdateState(result.Edge.To); err != nil {
		return nil, err
	}
	sm.SetOutcome(result.Edge.Label)

	return &result, nil
}
