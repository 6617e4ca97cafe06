package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicClassifier asks a Claude model to pick a decision branch.
type AnthropicClassifier struct {
	client anthropic.Client
	model  string
}

// NewAnthropicClassifier creates a classifier for the given model
func NewAnthropicClassifier(apiKey, model string) *AnthropicClassifier {
	return &AnthropicClassifier{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// Classify returns the model's chosen label as free text
func (c *AnthropicClassifier) Classify(ctx context.Context, req ClassifyRequest) (string, error) {
	var prompt strings.Builder
	prompt.WriteString("Choose the branch that best fits the conversation.\n\n")
	if req.Instruction != "" {
		prompt.WriteString("Decision: ")
		prompt.WriteString(req.Instruction)
		prompt.WriteString("\n\n")
	}
	prompt.WriteString("Options:\n")
	for _, label := range req.Labels {
		prompt.WriteString("- ")
		prompt.WriteString(label)
		prompt.WriteString("\n")
	}
	if len(req.Recent) > 0 {
		prompt.WriteString("\nRecent conversation:\n")
		for _, line := range req.Recent {
			prompt.WriteString(line)
			prompt.WriteString("\n")
		}
	}
	prompt.WriteString("\nAnswer with the option text only.")

	response, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: 32,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt.String())),
		},
	})
	if err != nil {
		return "", fmt.Errorf("classifier request failed: %w", err)
	}

	var answer strings.Builder
	for _, block := range response.Content {
		if b, ok := block.AsAny().(anthropic.TextBlock); ok {
			answer.WriteString(b.Text)
		}
	}

	return strings.TrimSpace(answer.String()), nil
}
