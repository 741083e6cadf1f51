package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-operator/internal/llm/types"
)

// StreamTurn implements types.Provider. req.Tools is ignored.
func (c *Client) StreamTurn(ctx context.Context, req types.TurnRequest, emit func(types.StreamEvent)) (*types.TurnResult, error) {
	if emit == nil {
		emit = func(types.StreamEvent) {}
	}
	if len(req.Tools) > 0 {
		c.logger.Debug("dropping tool definitions for text-only provider", zap.Int("tools", len(req.Tools)))
	}

	body, err := json.Marshal(chatRequest{
		Model:    c.model,
		Messages: convertMessages(req.System, req.Messages, c.historyCap),
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("HTTP: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, fmt.Errorf("API %d: %s", httpResp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var (
		result types.TurnResult
		text   strings.Builder
	)
	scanner := bufio.NewScanner(httpResp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk chatChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			c.logger.Debug("skipping malformed NDJSON line", zap.Error(err))
			continue
		}
		if chunk.Error != "" {
			return nil, fmt.Errorf("API stream: %s", chunk.Error)
		}
		if chunk.Message.Content != "" {
			text.WriteString(chunk.Message.Content)
			emit(types.StreamEvent{Type: types.EventText, Text: chunk.Message.Content})
		}
		if chunk.Done {
			result.StopReason = chunk.DoneReason
			result.Usage = types.TokenUsage{InputTokens: chunk.PromptEvalCount, OutputTokens: chunk.EvalCount}
			break
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanner: %w", err)
	}

	result.Text = text.String()
	return &result, nil
}
