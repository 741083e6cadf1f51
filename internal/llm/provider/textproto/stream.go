package textproto

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-operator/internal/llm/types"
)

// StreamTurn implements types.Provider.
func (c *Client) StreamTurn(ctx context.Context, req types.TurnRequest, emit func(types.StreamEvent)) (*types.TurnResult, error) {
	if emit == nil {
		emit = func(types.StreamEvent) {}
	}
	toolsOffered := len(req.Tools) > 0

	chatReq := openai.ChatCompletionRequest{
		Model:         c.model,
		Messages:      convertMessages(buildSystem(req.System, req.Tools), req.Messages),
		MaxTokens:     c.maxTokens,
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%s: %w", Name, err)
	}
	defer stream.Close()

	var (
		result    types.TurnResult
		full      strings.Builder
		forwarded int
		stopped   bool
	)
	forward := func(upTo int) {
		if upTo > forwarded {
			emit(types.StreamEvent{Type: types.EventText, Text: full.String()[forwarded:upTo]})
			forwarded = upTo
		}
	}

	for {
		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%s stream: %w", Name, err)
		}
		if response.Usage != nil {
			result.Usage = types.TokenUsage{
				InputTokens:  response.Usage.PromptTokens,
				OutputTokens: response.Usage.CompletionTokens,
			}
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]
		if choice.FinishReason != "" {
			result.StopReason = string(choice.FinishReason)
		}
		if choice.Delta.Content == "" {
			continue
		}
		full.WriteString(choice.Delta.Content)
		if stopped {
			continue
		}

		text := full.String()
		if idx := strings.Index(text, OpenTag); idx >= 0 {
			forward(idx)
			stopped = true
			continue
		}
		forward(len(text) - holdback(text))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	text := full.String()
	if !stopped {
		forward(len(text))
	}

	prefix, calls, found := parseToolCalls(text, c.logger)
	switch {
	case !found:
		result.Text = text
	case !toolsOffered:
		c.logger.Debug("ignoring tool call blocks in a turn without tools")
		result.Text = c.fallbackText(text, forwarded, emit)
	case len(calls) == 0:
		c.logger.Warn("every tool call block was malformed; treating reply as final text")
		result.Text = c.fallbackText(text, forwarded, emit)
	default:
		result.Text = strings.TrimSpace(prefix)
		result.ToolCalls = calls
		for i := range calls {
			emit(types.StreamEvent{Type: types.EventToolCall, ToolCall: &calls[i]})
		}
	}
	return &result, nil
}

// fallbackText returns text without delimiters and streams whatever part of
// it the caller has not seen yet.
func (c *Client) fallbackText(text string, forwarded int, emit func(types.StreamEvent)) string {
	clean := stripMarkers(text)
	for _, seen := range []string{text[:forwarded], strings.TrimSpace(text[:forwarded])} {
		if strings.HasPrefix(clean, seen) {
			if rest := clean[len(seen):]; rest != "" {
				emit(types.StreamEvent{Type: types.EventText, Text: rest})
			}
			return clean
		}
	}
	c.logger.Debug("fallback text diverges from streamed prefix", zap.Int("streamed", forwarded))
	return clean
}
