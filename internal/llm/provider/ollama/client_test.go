package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kubilitics/kubilitics-operator/internal/llm/types"
)

func TestNewDefaults(t *testing.T) {
	c := New(Config{})
	if c.baseURL != DefaultBaseURL {
		t.Errorf("Expected baseURL %s, got %s", DefaultBaseURL, c.baseURL)
	}
	if c.model != DefaultModel {
		t.Errorf("Expected model %s, got %s", DefaultModel, c.model)
	}
	if c.historyCap != DefaultHistoryCap {
		t.Errorf("Expected history cap %d, got %d", DefaultHistoryCap, c.historyCap)
	}
	caps := c.Capabilities()
	if caps.Tools {
		t.Error("text-only provider must not advertise tools")
	}
	if caps.ContextWindow != DefaultContext {
		t.Errorf("context window = %d", caps.ContextWindow)
	}
}

func TestConvertMessagesHistoryCap(t *testing.T) {
	var msgs []types.Message
	for i := 0; i < 30; i++ {
		role := types.RoleUser
		if i%2 == 1 {
			role = types.RoleAssistant
		}
		msgs = append(msgs, types.Message{Role: role, Content: fmt.Sprintf("m%d", i)})
	}

	out := convertMessages("sys", msgs, 20)
	if len(out) != 21 {
		t.Fatalf("expected system + 20 messages, got %d", len(out))
	}
	if out[0].Role != types.RoleSystem || out[0].Content != "sys" {
		t.Errorf("system prompt must come first, got %+v", out[0])
	}
	if out[1].Content != "m10" || out[20].Content != "m29" {
		t.Errorf("expected the last 20 messages, got %s..%s", out[1].Content, out[20].Content)
	}
}

func TestRenderPlainToolTraffic(t *testing.T) {
	call := types.ToolCall{ID: "1", Name: "get_vm_status", Arguments: map[string]interface{}{"vmid": 105}}
	assistant := types.Message{Role: types.RoleAssistant, Content: "Looking.", ToolCalls: []types.ToolCall{call}}
	results := types.Message{Role: types.RoleUser, ToolResults: []types.ToolResult{
		types.TextResult(call, "running", false),
		types.TextResult(types.ToolCall{Name: "stop_vm"}, "blocked", true),
	}}

	a := renderPlain(assistant)
	if !strings.Contains(a, "Looking.") || !strings.Contains(a, "get_vm_status") {
		t.Errorf("unexpected assistant rendering %q", a)
	}
	r := renderPlain(results)
	if !strings.Contains(r, "[tool get_vm_status result: running]") || !strings.Contains(r, "[tool stop_vm error: blocked]") {
		t.Errorf("unexpected results rendering %q", r)
	}
}

func TestStreamTurn(t *testing.T) {
	var captured chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &captured)
		w.Header().Set("Content-Type", "application/x-ndjson")
		lines := []string{
			`{"message":{"role":"assistant","content":"Node "},"done":false}`,
			`not json`,
			`{"message":{"role":"assistant","content":"pve1 is up."},"done":false}`,
			`{"message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","prompt_eval_count":31,"eval_count":7}`,
		}
		_, _ = io.WriteString(w, strings.Join(lines, "\n")+"\n")
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Model: "llama3"})
	var deltas []string
	res, err := c.StreamTurn(context.Background(), types.TurnRequest{
		System:   "sys",
		Messages: []types.Message{{Role: types.RoleUser, Content: "status of pve1"}},
		Tools:    []types.Tool{{Name: "list_nodes"}},
	}, func(ev types.StreamEvent) { deltas = append(deltas, ev.Text) })
	if err != nil {
		t.Fatalf("StreamTurn: %v", err)
	}

	if res.Text != "Node pve1 is up." {
		t.Errorf("text = %q", res.Text)
	}
	if len(deltas) != 2 {
		t.Errorf("expected 2 deltas, got %q", deltas)
	}
	if len(res.ToolCalls) != 0 {
		t.Error("text-only provider must never return tool calls")
	}
	if res.Usage.InputTokens != 31 || res.Usage.OutputTokens != 7 || res.StopReason != "stop" {
		t.Errorf("unexpected result %+v", res)
	}
	if !captured.Stream || captured.Model != "llama3" || len(captured.Messages) != 2 {
		t.Errorf("unexpected request %+v", captured)
	}
}

func TestStreamTurnErrorLine(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"error":"model 'llama9' not found"}`+"\n")
	}))
	defer srv.Close()

	_, err := New(Config{BaseURL: srv.URL}).StreamTurn(context.Background(), types.TurnRequest{}, nil)
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected stream error, got %v", err)
	}
}

func TestStreamTurnHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := New(Config{BaseURL: srv.URL}).StreamTurn(context.Background(), types.TurnRequest{}, nil)
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("expected status error, got %v", err)
	}
}
