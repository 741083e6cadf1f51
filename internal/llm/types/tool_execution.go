package types

import "strings"

// ContentBlock is one piece of tool output.
type ContentBlock struct {
	Type string `json:"type"` // "text"
	Text string `json:"text"`
}

// ToolResult is the outcome of one tool call as it is fed back to the model.
type ToolResult struct {
	ToolCallID string         `json:"tool_call_id"`
	Name       string         `json:"name"`
	Content    []ContentBlock `json:"content"`
	IsError    bool           `json:"is_error,omitempty"`
	// Blocked is set when the safety gate refused the call.
	Blocked bool   `json:"blocked,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Text joins the text blocks of the result.
func (r ToolResult) Text() string {
	var sb strings.Builder
	for i, c := range r.Content {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(c.Text)
	}
	return sb.String()
}

// TextResult builds a single-block result.
func TextResult(call ToolCall, text string, isError bool) ToolResult {
	return ToolResult{
		ToolCallID: call.ID,
		Name:       call.Name,
		Content:    []ContentBlock{{Type: "text", Text: text}},
		IsError:    isError,
	}
}

// StreamEventType enumerates what a StreamEvent carries.
type StreamEventType string

const (
	EventText     StreamEventType = "text"
	EventToolCall StreamEventType = "tool_call"
)

// StreamEvent is emitted by a provider while a turn is streaming.
type StreamEvent struct {
	Type     StreamEventType
	Text     string
	ToolCall *ToolCall
}
