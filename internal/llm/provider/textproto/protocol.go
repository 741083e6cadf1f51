package textproto

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-operator/internal/catalog"
	"github.com/kubilitics/kubilitics-operator/internal/llm/types"
)

// Delimiters of the inlined tool protocol.
const (
	OpenTag         = "<tool_call>"
	CloseTag        = "</tool_call>"
	ResultsOpenTag  = "<tool_results>"
	ResultsCloseTag = "</tool_results>"

	// ResultsFollowUp ends every synthetic tool-results turn.
	ResultsFollowUp = "Do not call tools again unless necessary."
)

const protocolInstructions = `You can call tools. To call a tool, reply with one block per call:
<tool_call>{"name": "<tool name>", "arguments": {<arguments as JSON>}}</tool_call>
Write any explanation before the first block. Nothing after the blocks is shown to the user.
Tool results arrive in the next user message inside <tool_results> ... </tool_results>.
Available tools:
`

// buildSystem prefixes the caller's system prompt with the protocol and the
// rendered tool list. Without tools the prompt is passed through unchanged.
func buildSystem(system string, tools []types.Tool) string {
	if len(tools) == 0 {
		return system
	}
	var b strings.Builder
	b.WriteString(protocolInstructions)
	b.WriteString(catalog.RenderProtocol(tools))
	if system != "" {
		b.WriteString("\n")
		b.WriteString(system)
	}
	return b.String()
}

type wireCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// parseToolCalls extracts every well-formed block from text. prefix is the
// text before the first opening delimiter; everything after it is discarded.
// found reports whether any opening delimiter was present.
func parseToolCalls(text string, logger *zap.Logger) (prefix string, calls []types.ToolCall, found bool) {
	first := strings.Index(text, OpenTag)
	if first < 0 {
		return text, nil, false
	}
	prefix = text[:first]

	rest := text[first:]
	for {
		start := strings.Index(rest, OpenTag)
		if start < 0 {
			break
		}
		rest = rest[start+len(OpenTag):]
		body := rest
		if end := strings.Index(rest, CloseTag); end >= 0 {
			body = rest[:end]
			rest = rest[end+len(CloseTag):]
		} else {
			rest = ""
		}

		call, err := decodeCall(body)
		if err != nil {
			logger.Warn("skipping malformed tool call block", zap.Error(err), zap.String("block", truncate(body, 200)))
			continue
		}
		calls = append(calls, call)
	}
	return prefix, calls, true
}

func decodeCall(body string) (types.ToolCall, error) {
	var wc wireCall
	if err := json.Unmarshal([]byte(strings.TrimSpace(body)), &wc); err != nil {
		return types.ToolCall{}, fmt.Errorf("decode block: %w", err)
	}
	if strings.TrimSpace(wc.Name) == "" {
		return types.ToolCall{}, fmt.Errorf("block has no tool name")
	}

	args := map[string]interface{}{}
	raw := strings.TrimSpace(string(wc.Arguments))
	switch {
	case raw == "" || raw == "null":
	case strings.HasPrefix(raw, `"`):
		// Some models send arguments as a JSON-encoded string.
		var inner string
		if err := json.Unmarshal([]byte(raw), &inner); err != nil {
			return types.ToolCall{}, fmt.Errorf("decode arguments: %w", err)
		}
		if err := json.Unmarshal([]byte(inner), &args); err != nil {
			return types.ToolCall{}, fmt.Errorf("decode arguments: %w", err)
		}
	default:
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return types.ToolCall{}, fmt.Errorf("decode arguments: %w", err)
		}
	}

	return types.ToolCall{ID: "call_" + uuid.NewString(), Name: wc.Name, Arguments: args}, nil
}

// stripMarkers removes all protocol delimiters, leaving their content.
func stripMarkers(text string) string {
	return strings.TrimSpace(strings.NewReplacer(OpenTag, "", CloseTag, "").Replace(text))
}

// renderCalls renders an assistant turn's calls back into protocol blocks.
func renderCalls(content string, calls []types.ToolCall) string {
	var b strings.Builder
	b.WriteString(content)
	for _, c := range calls {
		args := c.Arguments
		if args == nil {
			args = map[string]interface{}{}
		}
		payload, err := json.Marshal(map[string]interface{}{"name": c.Name, "arguments": args})
		if err != nil {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(OpenTag)
		b.Write(payload)
		b.WriteString(CloseTag)
	}
	return b.String()
}

type wireResult struct {
	Name    string `json:"name"`
	Result  string `json:"result"`
	IsError bool   `json:"is_error,omitempty"`
}

// renderResults renders tool results as the synthetic user turn.
func renderResults(content string, results []types.ToolResult) string {
	var b strings.Builder
	b.WriteString(ResultsOpenTag)
	b.WriteString("\n")
	for _, r := range results {
		payload, err := json.Marshal(wireResult{Name: r.Name, Result: r.Text(), IsError: r.IsError})
		if err != nil {
			continue
		}
		b.Write(payload)
		b.WriteString("\n")
	}
	b.WriteString(ResultsCloseTag)
	b.WriteString("\n")
	b.WriteString(ResultsFollowUp)
	if content != "" {
		b.WriteString("\n")
		b.WriteString(content)
	}
	return b.String()
}

// holdback returns how many trailing bytes of s could start OpenTag and so
// must not be forwarded yet.
func holdback(s string) int {
	max := len(OpenTag) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasPrefix(OpenTag, s[len(s)-n:]) {
			return n
		}
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
