package ollama

// Package ollama implements the text-only local provider.
//
// Key properties:
//   - Runs against a local Ollama instance (POST /api/chat, NDJSON stream)
//   - Never receives tool definitions; Capabilities().Tools is false
//   - Only the most recent HistoryCap messages are sent, which keeps small
//     local context windows from overflowing
//   - Tool calls and results already in history are rendered as plain text
//     so the model still sees what happened

import (
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-operator/internal/llm/types"
)

// Ollama API constants
const (
	Name              = "ollama"
	DefaultBaseURL    = "http://localhost:11434"
	DefaultModel      = "llama3.1"
	DefaultContext    = 8192
	DefaultHistoryCap = 20
)

// Config configures the client.
type Config struct {
	BaseURL       string
	Model         string
	ContextWindow int
	HistoryCap    int
	HTTPClient    *http.Client
	Logger        *zap.Logger
}

// Client implements types.Provider for Ollama.
type Client struct {
	baseURL       string
	model         string
	contextWindow int
	historyCap    int
	httpClient    *http.Client
	logger        *zap.Logger
}

// New creates a client. Reachability is not probed: a stopped Ollama
// surfaces as a per-turn error.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = DefaultContext
	}
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = DefaultHistoryCap
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		model:         cfg.Model,
		contextWindow: cfg.ContextWindow,
		historyCap:    cfg.HistoryCap,
		httpClient:    cfg.HTTPClient,
		logger:        cfg.Logger.With(zap.String("provider", Name)),
	}
}

// Name implements types.Provider.
func (c *Client) Name() string { return Name }

// Capabilities implements types.Provider.
func (c *Client) Capabilities() types.Capabilities {
	return types.Capabilities{Tools: false, Streaming: true, ContextWindow: c.contextWindow}
}

// ─── Wire types ──────────────────────────────────────────────────────────────

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatChunk struct {
	Message         chatMessage `json:"message"`
	Done            bool        `json:"done"`
	DoneReason      string      `json:"done_reason,omitempty"`
	PromptEvalCount int         `json:"prompt_eval_count,omitempty"`
	EvalCount       int         `json:"eval_count,omitempty"`
	Error           string      `json:"error,omitempty"`
}

// ─── Conversion ──────────────────────────────────────────────────────────────

// convertMessages builds the wire history: system prompt first, then the
// last historyCap conversation messages.
func convertMessages(system string, messages []types.Message, historyCap int) []chatMessage {
	conv := make([]types.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role != types.RoleSystem {
			conv = append(conv, m)
		}
	}
	if historyCap > 0 && len(conv) > historyCap {
		conv = conv[len(conv)-historyCap:]
	}

	out := make([]chatMessage, 0, len(conv)+1)
	if system != "" {
		out = append(out, chatMessage{Role: types.RoleSystem, Content: system})
	}
	for _, m := range conv {
		content := renderPlain(m)
		if content == "" {
			continue
		}
		out = append(out, chatMessage{Role: m.Role, Content: content})
	}
	return out
}

// renderPlain flattens tool traffic into readable text.
func renderPlain(m types.Message) string {
	var b strings.Builder
	b.WriteString(m.Content)
	for _, tc := range m.ToolCalls {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "[called tool %s with %v]", tc.Name, tc.Arguments)
	}
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
	return b.String()
}
