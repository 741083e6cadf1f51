package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-operator/internal/agent"
	"github.com/kubilitics/kubilitics-operator/internal/catalog"
	"github.com/kubilitics/kubilitics-operator/internal/config"
	"github.com/kubilitics/kubilitics-operator/internal/contextmgr"
	"github.com/kubilitics/kubilitics-operator/internal/db"
	"github.com/kubilitics/kubilitics-operator/internal/executor"
	"github.com/kubilitics/kubilitics-operator/internal/llm/adapter"
	"github.com/kubilitics/kubilitics-operator/internal/llm/types"
	"github.com/kubilitics/kubilitics-operator/internal/safety"
	"github.com/kubilitics/kubilitics-operator/internal/session"
)

// ─── Test doubles ────────────────────────────────────────────────────────────

type turn func(ctx context.Context, emit func(types.StreamEvent)) (*types.TurnResult, error)

// stubProvider plays back turns in order and answers "ok" once they run out.
type stubProvider struct {
	mu       sync.Mutex
	turns    []turn
	requests []types.TurnRequest
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) Capabilities() types.Capabilities {
	return types.Capabilities{Tools: true, Streaming: true, ContextWindow: 8000}
}

func (p *stubProvider) StreamTurn(ctx context.Context, req types.TurnRequest, emit func(types.StreamEvent)) (*types.TurnResult, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	var next turn = say("ok")
	if len(p.turns) > 0 {
		next = p.turns[0]
		p.turns = p.turns[1:]
	}
	p.mu.Unlock()
	return next(ctx, emit)
}

func (p *stubProvider) lastRequest() types.TurnRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[len(p.requests)-1]
}

func say(text string) turn {
	return func(_ context.Context, emit func(types.StreamEvent)) (*types.TurnResult, error) {
		emit(types.StreamEvent{Type: types.EventText, Text: text})
		return &types.TurnResult{Text: text, Usage: types.TokenUsage{InputTokens: 10, OutputTokens: 5}}, nil
	}
}

func callTool(id, name string, args map[string]interface{}) turn {
	return func(_ context.Context, _ func(types.StreamEvent)) (*types.TurnResult, error) {
		tc := types.ToolCall{ID: id, Name: name, Arguments: args}
		return &types.TurnResult{ToolCalls: []types.ToolCall{tc}, StopReason: "tool_use"}, nil
	}
}

// hang streams one delta and then blocks until cancelled.
func hang(started chan<- struct{}) turn {
	return func(ctx context.Context, emit func(types.StreamEvent)) (*types.TurnResult, error) {
		emit(types.StreamEvent{Type: types.EventText, Text: "thinking"})
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

// namedProvider is a fixed-name provider that answers with its own name.
type namedProvider struct {
	name  string
	tools bool
}

func (p namedProvider) Name() string { return p.name }

func (p namedProvider) Capabilities() types.Capabilities {
	return types.Capabilities{Tools: p.tools, Streaming: true, ContextWindow: 8000}
}

func (p namedProvider) StreamTurn(ctx context.Context, req types.TurnRequest, emit func(types.StreamEvent)) (*types.TurnResult, error) {
	return say(p.name)(ctx, emit)
}

type fixture struct {
	srv      *Server
	http     *httptest.Server
	provider *stubProvider
	store    db.Store
	ctxmgr   *contextmgr.Manager
	sessions *session.Registry
	executed chan string
}

func newFixture(t *testing.T, turns ...turn) *fixture {
	t.Helper()
	store, err := db.NewSQLiteStore(":memory:")
	require.NoError(t, err)

	p := &stubProvider{turns: turns}
	providers := adapter.NewRegistry("stub", nil)
	providers.Register(p)

	engine := safety.NewEngine(nil, safety.NewGuard([]string{"103"}, []string{"ai-operator"}), nil)
	executed := make(chan string, 8)
	exec := executor.Func(func(_ context.Context, req executor.Request) (*executor.Result, error) {
		executed <- req.Name
		return executor.TextResult("ok "+req.Name, false), nil
	})

	cm := contextmgr.New(contextmgr.Options{})
	loop := agent.New(agent.Options{
		Providers: providers,
		Safety:    engine,
		Executor:  exec,
		Store:     store,
	})
	sessions := session.NewRegistry(cm.Clear, nil)

	srv, err := New(Deps{
		Server: config.ServerConfig{
			AllowedOrigins:    []string{"*"},
			RequestsPerMinute: 600,
			Burst:             100,
		},
		Agent:     config.AgentConfig{SystemPrompt: "You operate a lab cluster.", ReservedOtherTokens: 1000},
		Loop:      loop,
		Sessions:  sessions,
		Context:   cm,
		Providers: providers,
		Safety:    engine,
		Store:     store,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		_ = store.Close()
	})
	return &fixture{srv: srv, http: ts, provider: p, store: store, ctxmgr: cm, sessions: sessions, executed: executed}
}

func (f *fixture) dial(t *testing.T, sessionID string) (*websocket.Conn, string) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws/chat"
	if sessionID != "" {
		url += "?session_id=" + sessionID
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	hello := readUntil(t, conn, MessageTypeSession)
	return conn, hello[len(hello)-1].SessionID
}

// readUntil collects frames up to and including the first of type want.
func readUntil(t *testing.T, conn *websocket.Conn, want string) []WSMessage {
	t.Helper()
	var out []WSMessage
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var msg WSMessage
		require.NoError(t, conn.ReadJSON(&msg), "waiting for %q after %v", want, frameTypes(out))
		if msg.Type == MessageTypeHeartbeat {
			continue
		}
		out = append(out, msg)
		if msg.Type == want {
			return out
		}
	}
}

func frameTypes(msgs []WSMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Type
	}
	return out
}

func send(t *testing.T, conn *websocket.Conn, req WSRequest) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(req))
}

// ─── HTTP endpoints ──────────────────────────────────────────────────────────

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.http.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "stub", body.Default)
	assert.Equal(t, "ok", body.Providers["stub"])
	assert.Equal(t, "ok", body.Database)
}

func TestHealthDegradedWithoutDefaultProvider(t *testing.T) {
	f := newFixture(t)
	f.srv.deps.Providers.MarkUnavailable("stub", types.ErrProviderNotConfigured)

	resp, err := http.Get(f.http.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "degraded", body.Status)
}

func TestToolsListsTiers(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.http.URL + "/api/v1/tools")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Tools []ToolInfo `json:"tools"`
		Count int        `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotZero(t, body.Count)
	tiers := map[string]string{}
	for _, tool := range body.Tools {
		tiers[tool.Name] = tool.Tier
	}
	assert.Equal(t, "GREEN", tiers["get_cluster_status"])
	assert.Equal(t, "RED", tiers["stop_vm"])
	assert.Equal(t, "BLACK", tiers["delete_vm"])
}

func TestSafetyCheck(t *testing.T) {
	f := newFixture(t)
	post := func(req SafetyCheckRequest) SafetyCheckResponse {
		buf, _ := json.Marshal(req)
		resp, err := http.Post(f.http.URL+"/api/v1/safety/check", "application/json", bytes.NewReader(buf))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var out SafetyCheckResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		return out
	}

	protected := post(SafetyCheckRequest{Tool: "stop_vm", Arguments: map[string]interface{}{"vmid": 103}, Confirmed: true, Override: true})
	assert.False(t, protected.Allowed)
	assert.True(t, protected.Protected)
	assert.False(t, protected.NeedsConfirmation)
	assert.NotEmpty(t, protected.ProtectedMatch)

	red := post(SafetyCheckRequest{Tool: "stop_vm", Arguments: map[string]interface{}{"vmid": 100}})
	assert.False(t, red.Allowed)
	assert.True(t, red.NeedsConfirmation)
	assert.Equal(t, safety.TierRed, red.Tier)

	unknown := post(SafetyCheckRequest{Tool: "format_everything"})
	assert.Equal(t, safety.TierBlack, unknown.Tier)
	assert.False(t, unknown.Allowed)

	resp, err := http.Post(f.http.URL+"/api/v1/safety/check", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConfirmationsRequireSession(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.http.URL + "/api/v1/confirmations")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(f.http.URL + "/api/v1/confirmations?id=missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// ─── WebSocket chat ──────────────────────────────────────────────────────────

func TestChatGreenToolFlow(t *testing.T) {
	f := newFixture(t,
		callTool("t1", "get_cluster_status", map[string]interface{}{}),
		say("All nodes are online."),
	)
	conn, id := f.dial(t, "")
	require.NotEmpty(t, id)

	send(t, conn, WSRequest{Type: InboundMessage, Text: "How is the cluster?"})
	frames := readUntil(t, conn, MessageTypeDone)

	assert.Equal(t, []string{MessageTypeToolUse, MessageTypeToolResult, MessageTypeTextDelta, MessageTypeDone}, frameTypes(frames))
	assert.Equal(t, "GREEN", frames[0].Tier)
	assert.Equal(t, "ok get_cluster_status", frames[1].Result)
	assert.Equal(t, 10, frames[3].InputTokens)
	assert.Equal(t, "get_cluster_status", <-f.executed)

	st, ok := f.ctxmgr.Snapshot(id)
	require.True(t, ok)
	require.Len(t, st.Recent, 2)
	assert.Equal(t, "How is the cluster?", st.Recent[0].Content)
	assert.Equal(t, "All nodes are online.", st.Recent[1].Content)

	// The second turn sees the recorded history.
	send(t, conn, WSRequest{Type: InboundMessage, Text: "Thanks"})
	readUntil(t, conn, MessageTypeDone)
	req := f.provider.lastRequest()
	require.Len(t, req.Messages, 3)
	assert.Equal(t, "You operate a lab cluster.", req.System)
}

func TestChatConfirmFlow(t *testing.T) {
	f := newFixture(t,
		callTool("t1", "stop_vm", map[string]interface{}{"vmid": 100}),
		say("VM 100 stopped."),
	)
	conn, id := f.dial(t, "")

	send(t, conn, WSRequest{Type: InboundMessage, Text: "Stop VM 100"})
	frames := readUntil(t, conn, MessageTypeConfirmation)
	pending := frames[len(frames)-1]
	assert.Equal(t, "stop_vm", pending.Tool)
	assert.Equal(t, "RED", pending.Tier)
	require.NotEmpty(t, pending.ConfirmationID)

	// A new message is refused while the decision is outstanding.
	send(t, conn, WSRequest{Type: InboundMessage, Text: "something else"})
	refused := readUntil(t, conn, MessageTypeError)
	assert.Equal(t, session.ErrConfirmationPending.Error(), refused[0].Message)

	send(t, conn, WSRequest{Type: InboundConfirm, Decision: "authorize", ConfirmationID: pending.ConfirmationID})
	frames = readUntil(t, conn, MessageTypeDone)
	assert.Contains(t, frameTypes(frames), MessageTypeToolResult)
	assert.Equal(t, "stop_vm", <-f.executed)

	// Single use: the second decision finds nothing.
	send(t, conn, WSRequest{Type: InboundConfirm, Decision: "authorize"})
	again := readUntil(t, conn, MessageTypeError)
	assert.Equal(t, session.ErrNoPendingConfirmation.Error(), again[0].Message)

	rec, err := f.store.GetConfirmation(context.Background(), pending.ConfirmationID)
	require.NoError(t, err)
	assert.Equal(t, db.ConfirmationAuthorized, rec.Status)
	assert.Equal(t, id, rec.SessionID)
}

func TestChatDenyFlow(t *testing.T) {
	f := newFixture(t,
		callTool("t1", "stop_vm", map[string]interface{}{"vmid": 100}),
		say("Understood, leaving it running."),
	)
	conn, _ := f.dial(t, "")

	send(t, conn, WSRequest{Type: InboundMessage, Text: "Stop VM 100"})
	readUntil(t, conn, MessageTypeConfirmation)
	send(t, conn, WSRequest{Type: InboundConfirm, Decision: "deny"})
	frames := readUntil(t, conn, MessageTypeDone)

	require.Equal(t, MessageTypeToolResult, frames[0].Type)
	assert.True(t, frames[0].IsError)
	assert.Equal(t, agent.DeniedByOperator, frames[0].Result)
	assert.Empty(t, f.executed)
}

func TestChatProtectedResourceBlocked(t *testing.T) {
	f := newFixture(t,
		callTool("t1", "stop_vm", map[string]interface{}{"vmid": 103}),
		say("VM 103 is protected."),
	)
	conn, _ := f.dial(t, "")

	override := true
	send(t, conn, WSRequest{Type: InboundMessage, Text: "Stop VM 103", Override: &override})
	frames := readUntil(t, conn, MessageTypeDone)

	require.Equal(t, MessageTypeBlocked, frames[0].Type)
	assert.Equal(t, "stop_vm", frames[0].Tool)
	assert.NotContains(t, frameTypes(frames), MessageTypeConfirmation)
	assert.Empty(t, f.executed)
}

func TestChatStopAborts(t *testing.T) {
	started := make(chan struct{})
	f := newFixture(t, hang(started))
	conn, id := f.dial(t, "")

	send(t, conn, WSRequest{Type: InboundMessage, Text: "Take your time"})
	readUntil(t, conn, MessageTypeTextDelta)
	<-started

	// A second message while running is rejected.
	send(t, conn, WSRequest{Type: InboundMessage, Text: "hurry"})
	busy := readUntil(t, conn, MessageTypeError)
	assert.Equal(t, session.ErrSessionBusy.Error(), busy[0].Message)

	send(t, conn, WSRequest{Type: InboundStop})
	frames := readUntil(t, conn, MessageTypeError)
	last := frames[len(frames)-1]
	assert.True(t, last.Aborted)
	assert.Equal(t, agent.ErrAborted.Error(), last.Message)

	sess, ok := f.sessions.Get(id)
	require.True(t, ok)
	assert.Eventually(t, func() bool { return !sess.Running() }, 2*time.Second, 10*time.Millisecond)
}

func TestChatClear(t *testing.T) {
	f := newFixture(t)
	conn, id := f.dial(t, "")

	send(t, conn, WSRequest{Type: InboundMessage, Text: "hello"})
	readUntil(t, conn, MessageTypeDone)
	send(t, conn, WSRequest{Type: InboundClear})
	readUntil(t, conn, MessageTypeCleared)

	_, ok := f.ctxmgr.Snapshot(id)
	assert.False(t, ok)
}

func TestChatRejectsBadFrames(t *testing.T) {
	f := newFixture(t)
	conn, _ := f.dial(t, "")

	send(t, conn, WSRequest{Type: InboundMessage, Text: "   "})
	assert.Equal(t, "message text is required", readUntil(t, conn, MessageTypeError)[0].Message)

	send(t, conn, WSRequest{Type: "dance"})
	assert.Contains(t, readUntil(t, conn, MessageTypeError)[0].Message, "unknown message type")

	send(t, conn, WSRequest{Type: InboundConfirm, Decision: "maybe"})
	readUntil(t, conn, MessageTypeError)
}

func TestDuplicateSessionRejected(t *testing.T) {
	f := newFixture(t)
	_, id := f.dial(t, "fixed-id")
	assert.Equal(t, "fixed-id", id)

	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws/chat?session_id=fixed-id"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestDisconnectRemovesSessionAndDiscardsPending(t *testing.T) {
	f := newFixture(t, callTool("t1", "stop_vm", map[string]interface{}{"vmid": 100}))
	conn, id := f.dial(t, "")

	send(t, conn, WSRequest{Type: InboundMessage, Text: "Stop VM 100"})
	frames := readUntil(t, conn, MessageTypeConfirmation)
	confirmationID := frames[len(frames)-1].ConfirmationID
	require.NoError(t, conn.Close())

	assert.Eventually(t, func() bool {
		_, ok := f.sessions.Get(id)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	_, ok := f.ctxmgr.Snapshot(id)
	assert.False(t, ok)
	rec, err := f.store.GetConfirmation(context.Background(), confirmationID)
	require.NoError(t, err)
	assert.Equal(t, db.ConfirmationDiscarded, rec.Status)
}

func TestSessionsEndpoint(t *testing.T) {
	f := newFixture(t)
	conn, id := f.dial(t, "")
	send(t, conn, WSRequest{Type: InboundMessage, Text: "hello"})
	readUntil(t, conn, MessageTypeDone)

	resp, err := http.Get(f.http.URL + "/api/v1/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body struct {
		Sessions []SessionView `json:"sessions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Sessions, 1)
	assert.Equal(t, id, body.Sessions[0].ID)
	assert.Equal(t, 2, body.Sessions[0].Messages)
}

func TestProviderRoutingPrefersToolsForDefault(t *testing.T) {
	providers := adapter.NewRegistry("ollama", nil)
	providers.Register(namedProvider{name: "ollama"})
	providers.Register(namedProvider{name: "anthropic", tools: true})

	build := func(tools *catalog.Catalog) *Server {
		cm := contextmgr.New(contextmgr.Options{})
		srv, err := New(Deps{
			Loop:      agent.New(agent.Options{Providers: providers}),
			Sessions:  session.NewRegistry(cm.Clear, nil),
			Context:   cm,
			Providers: providers,
			Catalog:   tools,
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
		return srv
	}

	srv := build(catalog.Default())
	p, err := srv.selectProvider("")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", p.Name(), "default text-only provider should hand tool work to a tool-capable one")

	p, err = srv.selectProvider("ollama")
	require.NoError(t, err)
	assert.Equal(t, "ollama", p.Name(), "an explicitly chosen provider is honoured")

	p, err = build(catalog.New()).selectProvider("")
	require.NoError(t, err)
	assert.Equal(t, "ollama", p.Name(), "no tools in the catalogue, no reason to switch")
}
