// Package llm provides a small ChatModel abstraction workflow steps can use
// to call out to a language model, trimmed to text-only chat (no tool/
// function calling).
package llm

import "context"

// ChatModel is the interface a workflow step calls to get a text completion
// from an LLM provider.
type ChatModel interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}

// Message is one turn in a conversation sent to an LLM.
type Message struct {
	Role    string
	Content string
}

// Standard role values, matching the conventions used by major providers.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)
