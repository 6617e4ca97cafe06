package workflow

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"
)

// ClassifyRequest is what a decision node hands to the external classifier.
type ClassifyRequest struct {
	Instruction string
	Labels      []string
	Recent      []string
}

// Classifier picks a branch for a decision node and answers in free text.
type Classifier interface {
	Classify(ctx context.Context, req ClassifyRequest) (string, error)
}

// ClassifierFunc adapts a function to Classifier
type ClassifierFunc func(ctx context.Context, req ClassifyRequest) (string, error)

// Classify calls f
func (f ClassifierFunc) Classify(ctx context.Context, req ClassifyRequest) (string, error) {
	return f(ctx, req)
}

// Match strategies reported on DecisionResult.
const (
	MatchSingle   = "single"
	MatchExact    = "exact"
	MatchLabel    = "label_contains_response"
	MatchResponse = "response_contains_label"
	MatchFallback = "fallback"
)

// DecisionResult is the branch chosen for a decision node.
type DecisionResult struct {
	Edge          Edge
	Response      string
	Strategy      string
	LowConfidence bool
}

// ResolveDecision chooses an outgoing edge. A single edge is taken without
// asking the classifier; classifier errors and unmatched answers fall back to
// the first edge with LowConfidence set. edges must not be empty.
func ResolveDecision(ctx context.Context, classifier Classifier, node Node, edges []Edge, recent []string) DecisionResult {
	if len(edges) == 1 {
		return DecisionResult{Edge: edges[0], Strategy: MatchSingle}
	}

	if classifier == nil {
		return DecisionResult{Edge: edges[0], Strategy: MatchFallback, LowConfidence: true}
	}

	labels := make([]string, 0, len(edges))
	for _, e := range edges {
		labels = append(labels, e.Label)
	}

	response, err := classifier.Classify(ctx, ClassifyRequest{
		Instruction: node.Instruction,
		Labels:      labels,
		Recent:      recent,
	})
	if err != nil {
		log.Warn().Err(err).Str("node", node.ID).Msg("Decision classifier failed, using first edge")
		return DecisionResult{Edge: edges[0], Strategy: MatchFallback, LowConfidence: true}
	}

	edge, strategy, low := MatchEdge(edges, response)
	log.Debug().
		Str("node", node.ID).
		Str("response", response).
		Str("edge", edge.To).
		Str("strategy", strategy).
		Msg("Decision resolved")

	return DecisionResult{Edge: edge, Response: response, Strategy: strategy, LowConfidence: low}
}

// MatchEdge maps a free-text answer onto an edge: exact case-insensitive label,
// then label containing the answer, then answer containing the label, then the
// first edge with low confidence.
func MatchEdge(edges []Edge, response string) (Edge, string, bool) {
	answer := strings.ToLower(strings.TrimSpace(response))

	if answer != "" {
		for _, e := range edges {
			if strings.ToLower(strings.TrimSpace(e.Label)) == answer {
				return e, MatchExact, false
			}
		}
		for _, e := range edges {
			label := strings.ToLower(strings.TrimSpace(e.Label))
			if label != "" && strings.Contains(label, answer) {
				return e, MatchLabel, false
			}
		}
		for _, e := range edges {
			label := strings.ToLower(strings.TrimSpace(e.Label))
			if label != "" && strings.Contains(answer, label) {
				return e, MatchResponse, false
			}
		}
	}

	return edges[0], MatchFallback, true
}
