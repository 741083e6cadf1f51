package anthropic

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

const maxSSELine = 1 << 20

// StreamTurn implements types.Provider. Text deltas are emitted as they
// arrive; each tool_use block is emitted once its input JSON is complete.
func (c *Client) StreamTurn(ctx context.Context, req types.TurnRequest, emit func(types.StreamEvent)) (*types.TurnResult, error) {
	if emit == nil {
		emit = func(types.StreamEvent) {}
	}

	body := anthRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages:  convertMessages(req.Messages, len(req.Tools) > 0),
		Tools:     convertTools(req.Tools),
		System:    req.System,
		Stream:    true,
	}
	reqBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", DefaultAPIVersion)

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

	return c.parseStream(ctx, httpResp.Body, emit)
}

// parseStream consumes the SSE body until message_stop or EOF.
func (c *Client) parseStream(ctx context.Context, r io.Reader, emit func(types.StreamEvent)) (*types.TurnResult, error) {
	var (
		result               types.TurnResult
		collectedText        strings.Builder
		currentToolID        string
		currentToolName      string
		currentToolInputJSON strings.Builder
		eventType            string
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)

scan:
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		line := scanner.Text()
		if strings.HasPrefix(line, "event:") {
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var event sseEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			c.logger.Debug("skipping malformed SSE payload", zap.Error(err))
			continue
		}
		if eventType == "" {
			eventType = event.Type
		}

		switch eventType {
		case "message_start":
			if event.Message != nil {
				result.Usage.InputTokens = event.Message.Usage.InputTokens
			}

		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				currentToolID = event.ContentBlock.ID
				currentToolName = event.ContentBlock.Name
				currentToolInputJSON.Reset()
			}

		case "content_block_delta":
			if event.Delta == nil {
				break
			}
			switch event.Delta.Type {
			case "text_delta":
				if event.Delta.Text != "" {
					collectedText.WriteString(event.Delta.Text)
					emit(types.StreamEvent{Type: types.EventText, Text: event.Delta.Text})
				}
			case "input_json_delta":
				currentToolInputJSON.WriteString(event.Delta.PartialJSON)
			}

		case "content_block_stop":
			if currentToolID != "" {
				call := types.ToolCall{
					ID:        currentToolID,
					Name:      currentToolName,
					Arguments: map[string]interface{}{},
				}
				if raw := currentToolInputJSON.String(); raw != "" {
					if err := json.Unmarshal([]byte(raw), &call.Arguments); err != nil {
						c.logger.Warn("tool_use input is not valid JSON",
							zap.String("tool", currentToolName), zap.Error(err))
						call.Arguments = map[string]interface{}{}
					}
				}
				result.ToolCalls = append(result.ToolCalls, call)
				emit(types.StreamEvent{Type: types.EventToolCall, ToolCall: &call})
				currentToolID = ""
				currentToolName = ""
				currentToolInputJSON.Reset()
			}

		case "message_delta":
			if event.Delta != nil && event.Delta.StopReason != "" {
				result.StopReason = event.Delta.StopReason
			}
			if event.Usage != nil {
				result.Usage.OutputTokens = event.Usage.OutputTokens
			}

		case "error":
			msg := "stream error"
			if event.Error != nil {
				msg = event.Error.Type + ": " + event.Error.Message
			}
			return nil, fmt.Errorf("API stream: %s", msg)

		case "message_stop":
			break scan
		}
		eventType = ""
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanner: %w", err)
	}

	result.Text = collectedText.String()
	return &result, nil
}
