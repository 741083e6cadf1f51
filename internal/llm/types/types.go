package types

import (
	"context"
	"errors"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message represents a message in a conversation.
//
// An assistant message may carry the tool calls it issued; the message that
// follows it carries the matching ToolResults. Providers translate this
// neutral shape into their own wire format.
type Message struct {
	Role        string       `json:"role"`                   // user, assistant, system
	Content     string       `json:"content"`                // message text
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`   // calls issued by an assistant turn
	ToolResults []ToolResult `json:"tool_results,omitempty"` // results fed back for those calls
}

// Tool represents a tool/function definition that can be called by the LLM
type Tool struct {
	Name        string                 `json:"name"`        // tool name
	Description string                 `json:"description"` // what the tool does
	Parameters  map[string]interface{} `json:"parameters"`  // JSON schema for parameters
}

// ToolCall represents a tool call made by the LLM
type ToolCall struct {
	ID        string                 `json:"id"`        // unique call ID within a turn
	Name      string                 `json:"name"`      // tool name
	Arguments map[string]interface{} `json:"arguments"` // tool arguments
}

// TokenUsage tracks token usage for one or more model calls.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates another usage record.
func (u *TokenUsage) Add(o TokenUsage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
}

// Capabilities describes what a provider can do.
type Capabilities struct {
	// Tools is true when the provider can surface tool calls, natively or
	// through an inlined text protocol.
	Tools bool
	// Streaming is true when text deltas arrive incrementally.
	Streaming bool
	// ContextWindow is the token ceiling used for context budgeting.
	ContextWindow int
}

// TurnRequest is one model call.
type TurnRequest struct {
	System   string
	Messages []Message
	// Tools is nil when the caller wants a text-only answer.
	Tools []Tool
}

// TurnResult is the accumulated outcome of one streamed model call.
type TurnResult struct {
	// Text is the assistant text that belongs in history. For text-protocol
	// providers this excludes the tool-call blocks and anything after them.
	Text       string
	ToolCalls  []ToolCall
	Usage      TokenUsage
	StopReason string
}

// Provider is implemented by every model backend. StreamTurn performs a single
// model call, reporting text deltas and tool calls through emit in generation
// order, and returns once the stream has ended. It must return promptly with
// ctx.Err() when ctx is cancelled.
type Provider interface {
	Name() string
	Capabilities() Capabilities
	StreamTurn(ctx context.Context, req TurnRequest, emit func(StreamEvent)) (*TurnResult, error)
}

// ErrProviderNotConfigured is returned when a provider is selected that has
// no usable configuration, such as a missing API key.
var ErrProviderNotConfigured = errors.New("provider not configured")
