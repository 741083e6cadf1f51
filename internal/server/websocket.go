package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-operator/internal/agent"
	"github.com/kubilitics/kubilitics-operator/internal/audit"
	"github.com/kubilitics/kubilitics-operator/internal/contextmgr"
	"github.com/kubilitics/kubilitics-operator/internal/llm/types"
	"github.com/kubilitics/kubilitics-operator/internal/metrics"
	"github.com/kubilitics/kubilitics-operator/internal/middleware"
	"github.com/kubilitics/kubilitics-operator/internal/safety"
	"github.com/kubilitics/kubilitics-operator/internal/session"
)

// Inbound message types
const (
	InboundMessage = "message"
	InboundConfirm = "confirm"
	InboundStop    = "stop"
	InboundClear   = "clear"
)

// Outbound message types
const (
	MessageTypeSession      = "session"
	MessageTypeTextDelta    = "text_delta"
	MessageTypeToolUse      = "tool_use"
	MessageTypeToolResult   = "tool_result"
	MessageTypeConfirmation = "confirmation_needed"
	MessageTypeBlocked      = "blocked"
	MessageTypeDone         = "done"
	MessageTypeError        = "error"
	MessageTypeHeartbeat    = "heartbeat"
	MessageTypeCleared      = "cleared"
)

const (
	writeTimeout      = 10 * time.Second
	heartbeatInterval = 30 * time.Second
	maxMessageBytes   = 1 << 20
)

// WSRequest is a client frame.
type WSRequest struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	// Override, when present, updates the session's override flag.
	Override *bool  `json:"override,omitempty"`
	Provider string `json:"provider,omitempty"`
	// Decision is "authorize" or "deny" for confirm frames.
	Decision       string `json:"decision,omitempty"`
	ConfirmationID string `json:"confirmation_id,omitempty"`
}

// WSMessage is a server frame.
type WSMessage struct {
	Type           string                 `json:"type"`
	SessionID      string                 `json:"session_id,omitempty"`
	Text           string                 `json:"text,omitempty"`
	Tool           string                 `json:"tool,omitempty"`
	ToolCallID     string                 `json:"tool_call_id,omitempty"`
	Arguments      map[string]interface{} `json:"arguments,omitempty"`
	Tier           string                 `json:"tier,omitempty"`
	Reason         string                 `json:"reason,omitempty"`
	Result         string                 `json:"result,omitempty"`
	IsError        bool                   `json:"is_error,omitempty"`
	ConfirmationID string                 `json:"confirmation_id,omitempty"`
	ExpiresAt      *time.Time             `json:"expires_at,omitempty"`
	InputTokens    int                    `json:"input_tokens,omitempty"`
	OutputTokens   int                    `json:"output_tokens,omitempty"`
	Message        string                 `json:"message,omitempty"`
	Aborted        bool                   `json:"aborted,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
}

// WSConnection is one attached client.
type WSConnection struct {
	conn     *websocket.Conn
	server   *Server
	sess     *session.Session
	clientIP string
	logger   *zap.Logger

	mu     sync.Mutex // serializes writes
	ctx    context.Context
	cancel context.CancelFunc

	// runs tracks the in-flight loop so teardown can wait for it.
	runs sync.WaitGroup
}

// handleWebSocket attaches a client to a session. ?session_id= picks the
// session; without it a new id is minted and announced in the first frame.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("session_id")
	sess := s.deps.Sessions.GetOrCreate(id)
	if !s.attach(sess.ID) {
		http.Error(w, "session already attached", http.StatusConflict)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.String("session_id", sess.ID), zap.Error(err))
		s.detach(sess.ID)
		s.removeSession(r.Context(), sess.ID)
		return
	}
	conn.SetReadLimit(maxMessageBytes)

	ctx, cancel := context.WithCancel(context.Background())
	wsc := &WSConnection{
		conn:     conn,
		server:   s,
		sess:     sess,
		clientIP: middleware.ClientIP(r),
		logger:   s.logger.With(zap.String("session_id", sess.ID)),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		wsc.handle()
	}()
}

// handle manages the connection lifecycle. Disconnecting cancels the running
// loop and removes the session with its pending confirmation.
func (wsc *WSConnection) handle() {
	s := wsc.server
	metrics.WebSocketConnections.Inc()
	defer func() {
		metrics.WebSocketConnections.Dec()
		wsc.sess.Stop()
		wsc.cancel()
		wsc.runs.Wait()
		s.removeSession(context.Background(), wsc.sess.ID)
		s.detach(wsc.sess.ID)
		wsc.conn.Close()
		wsc.audit(audit.NewEvent(audit.EventSessionEnded).WithResult(audit.ResultSuccess))
		wsc.logger.Info("WebSocket connection closed")
	}()

	wsc.logger.Info("WebSocket connection established", zap.String("client", wsc.clientIP))
	wsc.audit(audit.NewEvent(audit.EventSessionStarted).
		WithUser(wsc.clientIP).
		WithResult(audit.ResultSuccess))
	wsc.send(&WSMessage{Type: MessageTypeSession, SessionID: wsc.sess.ID})

	go wsc.heartbeat()

	for {
		var req WSRequest
		if err := wsc.conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsc.logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}

		switch req.Type {
		case InboundMessage:
			wsc.handleMessage(&req)
		case InboundConfirm:
			wsc.handleConfirm(&req)
		case InboundStop:
			if !wsc.sess.Stop() {
				wsc.logger.Debug("stop requested with nothing running")
			}
		case InboundClear:
			wsc.handleClear()
		default:
			wsc.sendError("unknown message type: " + req.Type)
		}
	}
}

// handleMessage starts a loop for a user message.
func (wsc *WSConnection) handleMessage(req *WSRequest) {
	s := wsc.server
	text := strings.TrimSpace(req.Text)
	if text == "" {
		wsc.sendError("message text is required")
		return
	}
	if !s.limiter.Allow(wsc.clientIP) {
		wsc.sendError("rate limit exceeded")
		return
	}
	if wsc.sess.HasPending() {
		wsc.sendError(session.ErrConfirmationPending.Error())
		return
	}
	ctx, done, err := wsc.sess.Begin(wsc.ctx)
	if err != nil {
		wsc.sendError(err.Error())
		return
	}
	if req.Override != nil {
		if *req.Override && !wsc.sess.Override() {
			wsc.audit(audit.NewEvent(audit.EventOverrideUsed).
				WithUser(wsc.clientIP).
				WithResult(audit.ResultSuccess))
		}
		wsc.sess.SetOverride(*req.Override)
	}
	s.deps.Context.AddMessage(wsc.sess.ID, types.RoleUser, text)

	wsc.runs.Add(1)
	go func() {
		defer wsc.runs.Done()
		defer done()
		wsc.runChat(ctx, done, req.Provider)
	}()
}

// selectProvider routes a turn. A provider the client named is used as is;
// otherwise the default is used, swapped for a tool-capable one when the
// default cannot call tools and the catalogue has any.
func (s *Server) selectProvider(name string) (types.Provider, error) {
	return s.deps.Providers.Select(name, name == "" && s.deps.Catalog.Len() > 0)
}

// runChat assembles the budgeted context and runs the loop.
func (wsc *WSConnection) runChat(ctx context.Context, done func(), providerName string) {
	s := wsc.server
	provider, err := s.selectProvider(providerName)
	if err != nil {
		done()
		wsc.sendError(err.Error())
		return
	}

	system := s.deps.Agent.SystemPrompt
	reserved := s.deps.Context.CountTokens(ctx, system)
	msgs := s.deps.Context.BuildContextMessages(ctx, wsc.sess.ID,
		provider.Capabilities().ContextWindow, reserved, s.deps.Agent.ReservedOtherTokens)
	summary, msgs := contextmgr.SplitSystem(msgs)
	if summary != "" {
		system = strings.TrimSpace(system + "\n\n" + summary)
	}

	_, _ = s.deps.Loop.Chat(ctx, agent.ChatRequest{
		SessionID: wsc.sess.ID,
		Provider:  provider.Name(),
		System:    system,
		Messages:  msgs,
		Override:  wsc.sess.Override(),
	}, wsc.callbacks(done))
}

// handleConfirm resumes a paused loop with the operator's decision. The
// pending confirmation is consumed only once the session is free, so a
// rejected frame leaves it intact.
func (wsc *WSConnection) handleConfirm(req *WSRequest) {
	decision, err := agent.ParseDecision(req.Decision)
	if err != nil {
		wsc.sendError(err.Error())
		return
	}
	ctx, done, err := wsc.sess.Begin(wsc.ctx)
	if err != nil {
		wsc.sendError(err.Error())
		return
	}
	pc, err := wsc.sess.TakePending()
	if err != nil {
		done()
		wsc.sendError(err.Error())
		return
	}
	if req.ConfirmationID != "" && req.ConfirmationID != pc.ID {
		wsc.sess.SetPending(pc)
		done()
		wsc.sendError("confirmation id does not match the pending confirmation")
		return
	}

	wsc.runs.Add(1)
	go func() {
		defer wsc.runs.Done()
		defer done()
		_, _ = wsc.server.deps.Loop.Resume(ctx, pc, decision, wsc.sess.Override(), wsc.callbacks(done))
	}()
}

// handleClear stops any running loop and forgets the conversation.
func (wsc *WSConnection) handleClear() {
	s := wsc.server
	wsc.sess.Stop()
	if pc, err := wsc.sess.TakePending(); err == nil {
		s.deps.Loop.Discard(wsc.ctx, pc)
	}
	s.deps.Context.Clear(wsc.sess.ID)
	wsc.send(&WSMessage{Type: MessageTypeCleared, SessionID: wsc.sess.ID})
}

// callbacks maps loop events to frames. The final answer is the text
// streamed after the last tool activity; it is recorded in the context
// manager once the loop finishes. Terminal events release the session
// before the frame is sent so the client can act on it immediately.
func (wsc *WSConnection) callbacks(release func()) agent.StreamCallbacks {
	s := wsc.server
	var (
		mu     sync.Mutex
		answer strings.Builder
	)
	reset := func() {
		mu.Lock()
		answer.Reset()
		mu.Unlock()
	}
	flush := func() string {
		mu.Lock()
		defer mu.Unlock()
		text := strings.TrimSpace(answer.String())
		answer.Reset()
		return text
	}

	return agent.StreamCallbacks{
		OnTextDelta: func(text string) {
			mu.Lock()
			answer.WriteString(text)
			mu.Unlock()
			wsc.send(&WSMessage{Type: MessageTypeTextDelta, Text: text})
		},
		OnToolUse: func(call types.ToolCall, tier safety.ActionTier) {
			wsc.send(&WSMessage{
				Type:       MessageTypeToolUse,
				Tool:       call.Name,
				ToolCallID: call.ID,
				Arguments:  call.Arguments,
				Tier:       tier.String(),
			})
		},
		OnToolResult: func(r types.ToolResult) {
			reset()
			wsc.send(&WSMessage{
				Type:       MessageTypeToolResult,
				Tool:       r.Name,
				ToolCallID: r.ToolCallID,
				Result:     r.Text(),
				IsError:    r.IsError,
			})
		},
		OnBlocked: func(call types.ToolCall, reason string, tier safety.ActionTier) {
			reset()
			wsc.send(&WSMessage{
				Type:       MessageTypeBlocked,
				Tool:       call.Name,
				ToolCallID: call.ID,
				Arguments:  call.Arguments,
				Tier:       tier.String(),
				Reason:     reason,
			})
		},
		OnConfirmationNeeded: func(pc *agent.PendingConfirmation) {
			if text := flush(); text != "" {
				s.deps.Context.AddMessage(wsc.sess.ID, types.RoleAssistant, text)
			}
			wsc.sess.SetPending(pc)
			release()
			expires := pc.ExpiresAt
			wsc.send(&WSMessage{
				Type:           MessageTypeConfirmation,
				ConfirmationID: pc.ID,
				Tool:           pc.ToolCall.Name,
				ToolCallID:     pc.ToolCall.ID,
				Arguments:      pc.ToolCall.Arguments,
				Tier:           pc.Tier.String(),
				Reason:         pc.Reason,
				ExpiresAt:      &expires,
			})
		},
		OnDone: func(usage types.TokenUsage) {
			if text := flush(); text != "" {
				s.deps.Context.AddMessage(wsc.sess.ID, types.RoleAssistant, text)
			}
			if s.deps.Context.ShouldSummarize(wsc.sess.ID) {
				s.deps.Context.MaybeSummarizeAsync(wsc.sess.ID)
			}
			release()
			wsc.send(&WSMessage{
				Type:         MessageTypeDone,
				InputTokens:  usage.InputTokens,
				OutputTokens: usage.OutputTokens,
			})
		},
		OnError: func(err error) {
			release()
			wsc.send(&WSMessage{
				Type:    MessageTypeError,
				Message: err.Error(),
				Aborted: errors.Is(err, agent.ErrAborted),
			})
		},
	}
}

// heartbeat sends periodic frames so idle proxies keep the connection open.
func (wsc *WSConnection) heartbeat() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-wsc.ctx.Done():
			return
		case <-ticker.C:
			if err := wsc.send(&WSMessage{Type: MessageTypeHeartbeat}); err != nil {
				return
			}
		}
	}
}

// send writes a frame. Writes after the client has gone are dropped.
func (wsc *WSConnection) send(msg *WSMessage) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.SessionID == "" {
		msg.SessionID = wsc.sess.ID
	}
	wsc.mu.Lock()
	defer wsc.mu.Unlock()
	_ = wsc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := wsc.conn.WriteJSON(msg); err != nil {
		wsc.logger.Debug("WebSocket write failed", zap.String("type", msg.Type), zap.Error(err))
		return err
	}
	return nil
}

func (wsc *WSConnection) audit(event *audit.Event) {
	if wsc.server.deps.Audit == nil {
		return
	}
	_ = wsc.server.deps.Audit.Log(context.Background(), event.WithSession(wsc.sess.ID))
}

func (wsc *WSConnection) sendError(message string) {
	wsc.send(&WSMessage{Type: MessageTypeError, Message: message})
}
