// Package model is the tool-gated boundary to the language model. Every
// structured output the system persists arrives through a declared tool call;
// free text outside a tool call is never trusted as a result.
package model

import (
	"context"
)

// Client defines the interface for model interactions.
type Client interface {
	// Complete sends a prompt and returns the text completion.
	Complete(ctx context.Context, prompt string) (string, error)

	// CompleteWithSystem sends a prompt with a system message.
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)

	// CompleteWithTools sends a prompt with tool definitions and optional
	// inline images, returning the text and any tool calls the model made.
	CompleteWithTools(ctx context.Context, req ToolRequest) (*ToolResponse, error)
}

// ToolRequest is one tool-gated model invocation.
type ToolRequest struct {
	SystemPrompt string
	History      []Message
	UserPrompt   string
	Images       []ImagePart
	Tools        []ToolDefinition
}

// Message roles for conversation history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one prior conversation turn sent before the user prompt.
type Message struct {
	Role string
	Text string
}

// ImagePart is an inline image attached to a request.
type ImagePart struct {
	MIMEType string
	Data     []byte
}

// ToolDefinition describes a tool that the model can invoke.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// ToolCall represents a tool invocation requested by the model.
type ToolCall struct {
	ID    string                 `json:"id"`
	Name  string                 `json:"name"`
	Input map[string]interface{} `json:"input"`
}

// UsageMetadata captures token usage metrics from the model.
type UsageMetadata struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// ToolResponse contains both text and tool calls from the model.
type ToolResponse struct {
	Text       string        `json:"text"`
	ToolCalls  []ToolCall    `json:"tool_calls"`
	StopReason string        `json:"stop_reason"`
	Usage      UsageMetadata `json:"usage"`
}

// FirstCall returns the first tool call with the given name, or nil.
func (r *ToolResponse) FirstCall(name string) *ToolCall {
	for i := range r.ToolCalls {
		if r.ToolCalls[i].Name == name {
			return &r.ToolCalls[i]
		}
	}
	return nil
}
