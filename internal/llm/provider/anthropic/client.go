// Package anthropic implements the tool-capable streaming provider.
//
// One StreamTurn is one POST /v1/messages with stream=true. The SSE stream is
// parsed by hand:
//
//	message_start        input token usage
//	content_block_start  opens a text or tool_use block
//	content_block_delta  text_delta (forwarded immediately) or input_json_delta
//	content_block_stop   closes the block; a finished tool_use becomes a ToolCall
//	message_delta        stop_reason and output token usage
//	message_stop         end of turn
//
// Tool results travel back as tool_result blocks in the following user
// message, keyed by the tool_use id.
//
// When a turn carries no tool definitions (the final iteration of a run) the
// API refuses tool_use and tool_result blocks, so earlier tool traffic is
// sent as plain text instead.
package anthropic

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-operator/internal/llm/types"
)

// Anthropic API constants
const (
	Name              = "anthropic"
	DefaultBaseURL    = "https://api.anthropic.com"
	DefaultModel      = "claude-3-5-sonnet-20241022"
	DefaultMaxTokens  = 4096
	DefaultAPIVersion = "2023-06-01"
	DefaultContext    = 200000
)

// Config configures the client.
type Config struct {
	APIKey        string
	Model         string
	BaseURL       string
	MaxTokens     int
	ContextWindow int
	// HTTPClient is used for streaming requests. It should not carry a
	// timeout; cancellation is via the request context.
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client implements types.Provider for the Anthropic messages API.
type Client struct {
	apiKey        string
	model         string
	maxTokens     int
	contextWindow int
	endpoint      string
	httpClient    *http.Client
	logger        *zap.Logger
}

// New creates a client. A missing API key yields types.ErrProviderNotConfigured.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("%s: API key is required: %w", Name, types.ErrProviderNotConfigured)
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = DefaultContext
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Client{
		apiKey:        cfg.APIKey,
		model:         cfg.Model,
		maxTokens:     cfg.MaxTokens,
		contextWindow: cfg.ContextWindow,
		endpoint:      messagesEndpoint(cfg.BaseURL),
		httpClient:    cfg.HTTPClient,
		logger:        cfg.Logger.With(zap.String("provider", Name)),
	}, nil
}

// messagesEndpoint accepts base URLs with or without the /v1 suffix.
func messagesEndpoint(base string) string {
	if base == "" {
		base = DefaultBaseURL
	}
	base = strings.TrimSuffix(strings.TrimRight(base, "/"), "/v1")
	return base + "/v1/messages"
}

// Name implements types.Provider.
func (c *Client) Name() string { return Name }

// Capabilities implements types.Provider.
func (c *Client) Capabilities() types.Capabilities {
	return types.Capabilities{Tools: true, Streaming: true, ContextWindow: c.contextWindow}
}

// ─── Wire types ──────────────────────────────────────────────────────────────

// anthMessage represents an Anthropic API message
type anthMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

// contentBlock can be text, tool_use or tool_result
type contentBlock struct {
	Type      string      `json:"type"`
	Text      string      `json:"text,omitempty"`
	ID        string      `json:"id,omitempty"`
	Name      string      `json:"name,omitempty"`
	Input     interface{} `json:"input,omitempty"`
	ToolUseID string      `json:"tool_use_id,omitempty"`
	Content   string      `json:"content,omitempty"` // for tool_result
	IsError   bool        `json:"is_error,omitempty"`
}

// anthTool represents an Anthropic tool definition
type anthTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// anthRequest represents an Anthropic API request
type anthRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	Messages  []anthMessage `json:"messages"`
	Tools     []anthTool    `json:"tools,omitempty"`
	System    string        `json:"system,omitempty"`
	Stream    bool          `json:"stream"`
}

// anthUsage tracks token usage
type anthUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// sseEvent is the union of all streamed event payloads.
type sseEvent struct {
	Type         string        `json:"type"`
	Index        int           `json:"index,omitempty"`
	Delta        *sseDelta     `json:"delta,omitempty"`
	Usage        *anthUsage    `json:"usage,omitempty"`
	ContentBlock *contentBlock `json:"content_block,omitempty"`
	Message      *struct {
		Usage anthUsage `json:"usage"`
	} `json:"message,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type sseDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

// ─── Conversion ──────────────────────────────────────────────────────────────

// convertMessages converts neutral messages to the Anthropic shape. System
// messages are dropped (the system prompt is a top-level field) and empty
// messages are skipped because the API rejects empty content. With withTools
// false, tool calls and results are rendered as text blocks.
func convertMessages(messages []types.Message, withTools bool) []anthMessage {
	result := make([]anthMessage, 0, len(messages))
	for _, m := range messages {
		if m.Role == types.RoleSystem {
			continue
		}
		if !withTools && (len(m.ToolCalls) > 0 || len(m.ToolResults) > 0) {
			if text := flattenToolTraffic(m); text != "" {
				result = append(result, anthMessage{Role: m.Role, Content: []contentBlock{{Type: "text", Text: text}}})
			}
			continue
		}
		var blocks []contentBlock
		for _, tr := range m.ToolResults {
			blocks = append(blocks, contentBlock{
				Type:      "tool_result",
				ToolUseID: tr.ToolCallID,
				Content:   tr.Text(),
				IsError:   tr.IsError,
			})
		}
		if m.Content != "" {
			blocks = append(blocks, contentBlock{Type: "text", Text: m.Content})
		}
		for _, tc := range m.ToolCalls {
			input := tc.Arguments
			if input == nil {
				input = map[string]interface{}{}
			}
			blocks = append(blocks, contentBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: input})
		}
		if len(blocks) == 0 {
			continue
		}
		result = append(result, anthMessage{Role: m.Role, Content: blocks})
	}
	return result
}

func flattenToolTraffic(m types.Message) string {
	var b strings.Builder
	for _, tr := range m.ToolResults {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		status := "result"
		if tr.IsError {
			status = "error"
		}
		fmt.Fprintf(&b, "[tool %s %s: %s]", tr.Name, status, tr.Text())
	}
	if m.Content != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(m.Content)
	}
	for _, tc := range m.ToolCalls {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		args, _ := json.Marshal(tc.Arguments)
		fmt.Fprintf(&b, "[called tool %s with %s]", tc.Name, args)
	}
	return b.String()
}

// convertTools converts []types.Tool to Anthropic anthTool format
func convertTools(tools []types.Tool) []anthTool {
	if len(tools) == 0 {
		return nil
	}
	result := make([]anthTool, 0, len(tools))
	for _, t := range tools {
		schema := t.Parameters
		if schema == nil {
			schema = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
		}
		result = append(result, anthTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return result
}
