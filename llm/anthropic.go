package llm

import (
	"context"
	"errors"
	"fmt"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicModel implements ChatModel against Claude, grounded on the
// teacher's graph/model/anthropic.ChatModel, trimmed to the text-only
// Chat shape this package's ChatModel interface declares.
type AnthropicModel struct {
	apiKey    string
	modelName string
}

// NewAnthropicModel configures a ChatModel for Claude. An empty modelName
// defaults to Claude Sonnet 4.5.
func NewAnthropicModel(apiKey, modelName string) *AnthropicModel {
	if modelName == "" {
		modelName = "claude-sonnet-4-5-20250929"
	}
	return &AnthropicModel{apiKey: apiKey, modelName: modelName}
}

func (m *AnthropicModel) Chat(ctx context.Context, messages []Message) (string, error) {
	if m.apiKey == "" {
		return "", errors.New("llm: anthropic API key is required")
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	systemPrompt, conversation := extractSystemPrompt(messages)

	client := anthropicsdk.NewClient(option.WithAPIKey(m.apiKey))
	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(m.modelName),
		Messages:  convertMessages(conversation),
		MaxTokens: 4096,
	}
	if systemPrompt != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: systemPrompt}}
	}

	resp, err := client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("llm: anthropic request: %w", err)
	}
	return firstText(resp), nil
}

// extractSystemPrompt separates system messages, which Anthropic's API
// takes as a separate parameter rather than inline in the messages array.
func extractSystemPrompt(messages []Message) (string, []Message) {
	var system string
	var rest []Message
	for _, msg := range messages {
		if msg.Role == RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
			continue
		}
		rest = append(rest, msg)
	}
	return system, rest
}

func convertMessages(messages []Message) []anthropicsdk.MessageParam {
	result := make([]anthropicsdk.MessageParam, len(messages))
	for i, msg := range messages {
		switch msg.Role {
		case RoleAssistant:
			result[i] = anthropicsdk.NewAssistantMessage(anthropicsdk.NewTextBlock(msg.Content))
		default:
			result[i] = anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(msg.Content))
		}
	}
	return result
}

func firstText(resp *anthropicsdk.Message) string {
	for _, block := range resp.Content {
		if tb, ok := block.AsAny().(anthropicsdk.TextBlock); ok {
			return tb.Text
		}
	}
	return ""
}
