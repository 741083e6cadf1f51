// Package textproto implements the text-protocol provider: an
// OpenAI-compatible chat endpoint that is never sent tool definitions.
//
// Tools are described inside the system prompt instead, and the model
// requests them by writing delimited blocks:
//
//	<tool_call>{"name": "list_vms", "arguments": {"node": "pve1"}}</tool_call>
//
// Blocks are parsed once the turn has finished streaming. Text deltas stop
// being forwarded as soon as an opening delimiter appears, and anything the
// model writes after the first block is dropped. Results go back as a
// synthetic user message wrapped in <tool_results> ... </tool_results>.
package textproto

import (
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-operator/internal/llm/types"
)

// Provider constants
const (
	Name             = "text_protocol"
	DefaultModel     = "gpt-4o-mini"
	DefaultMaxTokens = 2048
	DefaultContext   = 32768
)

// Config configures the client.
type Config struct {
	BaseURL       string
	APIKey        string
	Model         string
	MaxTokens     int
	ContextWindow int
	HTTPClient    *http.Client
	Logger        *zap.Logger
}

// Client implements types.Provider over go-openai.
type Client struct {
	client        *openai.Client
	model         string
	maxTokens     int
	contextWindow int
	logger        *zap.Logger
}

// New creates a client. An empty BaseURL yields types.ErrProviderNotConfigured
// since the proxy has no sensible public default.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, types.ErrProviderNotConfigured
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
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.HTTPClient != nil {
		clientConfig.HTTPClient = cfg.HTTPClient
	}

	return &Client{
		client:        openai.NewClientWithConfig(clientConfig),
		model:         cfg.Model,
		maxTokens:     cfg.MaxTokens,
		contextWindow: cfg.ContextWindow,
		logger:        cfg.Logger.With(zap.String("provider", Name)),
	}, nil
}

// Name implements types.Provider.
func (c *Client) Name() string { return Name }

// Capabilities implements types.Provider. Tool support is emulated.
func (c *Client) Capabilities() types.Capabilities {
	return types.Capabilities{Tools: true, Streaming: true, ContextWindow: c.contextWindow}
}

// convertMessages renders neutral history as plain chat messages.
func convertMessages(system string, messages []types.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, m := range messages {
		var content string
		switch {
		case m.Role == types.RoleSystem:
			continue
		case len(m.ToolResults) > 0:
			content = renderResults(m.Content, m.ToolResults)
		case len(m.ToolCalls) > 0:
			content = renderCalls(m.Content, m.ToolCalls)
		default:
			content = m.Content
		}
		if content == "" {
			continue
		}
		role := openai.ChatMessageRoleUser
		if m.Role == types.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: content})
	}
	return out
}
