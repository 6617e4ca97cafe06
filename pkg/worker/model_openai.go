package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/harun/switchboard/pkg/toolexecutor"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIModel answers turns with the Chat Completions API
type OpenAIModel struct {
	client    openai.Client
	model     string
	maxTokens int64
}

// NewOpenAIModel creates a model adapter for the given chat model
func NewOpenAIModel(apiKey, model string, maxTokens int) *OpenAIModel {
	return &OpenAIModel{
		client:    openai.NewClient(option.WithAPIKey(apiKey)),
		model:     model,
		maxTokens: int64(maxTokens),
	}
}

// Respond sends the history and tool list as a chat completion
func (m *OpenAIModel) Respond(ctx context.Context, req TurnRequest) (Reply, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(m.model),
		Messages: openAIMessages(req.SystemPrompt, req.History),
	}
	if m.maxTokens > 0 {
		params.MaxTokens = openai.Int(m.maxTokens)
	}
	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(req.Tools))
		for _, spec := range req.Tools {
			tools = append(tools, openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        spec.Name,
					Description: openai.String(spec.Description),
					Parameters:  openai.FunctionParameters(objectSchema(spec.Parameters)),
				},
			})
		}
		params.Tools = tools
	}

	response, err := m.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Reply{}, fmt.Errorf("openai request failed: %w", err)
	}
	if len(response.Choices) == 0 {
		return Reply{}, fmt.Errorf("no response choices returned")
	}

	choice := response.Choices[0]
	reply := Reply{Text: choice.Message.Content}
	for _, tc := range choice.Message.ToolCalls {
		reply.ToolCalls = append(reply.ToolCalls, toolexecutor.Call{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: json.RawMessage(tc.Function.Arguments),
		})
	}

	return reply, nil
}

func openAIMessages(system string, history []Turn) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+1)
	if system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}

	for _, turn := range history {
		switch turn.Role {
		case RoleTool:
			messages = append(messages, openai.ToolMessage(turn.Text, turn.ToolCallID))
		case RoleAssistant:
			if len(turn.ToolCalls) == 0 {
				messages = append(messages, openai.AssistantMessage(turn.Text))
				continue
			}
			calls := make([]openai.ChatCompletionMessageToolCall, 0, len(turn.ToolCalls))
			for _, call := range turn.ToolCalls {
				calls = append(calls, openai.ChatCompletionMessageToolCall{
					ID:   call.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunction{
						Name:      call.Name,
						Arguments: string(call.Input),
					},
				})
			}
			assistant := openai.ChatCompletionMessage{
				Role:      "assistant",
				Content:   turn.Text,
				ToolCalls: calls,
			}
			messages = append(messages, assistant.ToParam())
		default:
			messages = append(messages, openai.UserMessage(turn.Text))
		}
	}
	return messages
}
