package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-operator/internal/db"
	"github.com/kubilitics/kubilitics-operator/internal/llm/types"
	"github.com/kubilitics/kubilitics-operator/internal/metrics"
	"github.com/kubilitics/kubilitics-operator/internal/safety"
)

// Decision is the operator's answer to a confirmation request.
type Decision string

const (
	DecisionAuthorize Decision = "authorize"
	DecisionDeny      Decision = "deny"
)

// ParseDecision parses "authorize" or "deny", case-insensitively.
func ParseDecision(s string) (Decision, error) {
	switch d := Decision(strings.ToLower(strings.TrimSpace(s))); d {
	case DecisionAuthorize, DecisionDeny:
		return d, nil
	default:
		return "", fmt.Errorf("unknown decision %q", s)
	}
}

// DeniedByOperator is the tool result text fed back on deny.
const DeniedByOperator = "Denied by operator: the action was not executed."

// PendingConfirmation is a paused loop waiting for a human decision. It
// holds everything needed to rebuild the conversation on resume.
type PendingConfirmation struct {
	ID        string            `json:"id"`
	SessionID string            `json:"session_id"`
	ToolCall  types.ToolCall    `json:"tool_call"`
	Tier      safety.ActionTier `json:"tier"`
	Reason    string            `json:"reason"`

	// Messages is the history before the paused assistant turn.
	Messages []types.Message `json:"-"`
	// PartialContent is the assistant text streamed before the pause.
	PartialContent string `json:"partial_content,omitempty"`
	// Completed holds results of calls from the same batch that ran before
	// the pause. Calls after the paused one are dropped.
	Completed []types.ToolResult `json:"-"`
	// Earlier holds the tool calls behind Completed.
	Earlier []types.ToolCall `json:"-"`

	Provider  string           `json:"provider"`
	System    string           `json:"-"`
	Iteration int              `json:"-"`
	Usage     types.TokenUsage `json:"-"`
	CreatedAt time.Time        `json:"created_at"`
	ExpiresAt time.Time        `json:"expires_at"`
}

// Expired reports whether the confirmation can no longer be resumed.
func (pc *PendingConfirmation) Expired(now time.Time) bool {
	return !pc.ExpiresAt.IsZero() && now.After(pc.ExpiresAt)
}

// history rebuilds the conversation with the paused call answered by result.
func (pc *PendingConfirmation) history(result types.ToolResult) []types.Message {
	msgs := make([]types.Message, 0, len(pc.Messages)+2)
	msgs = append(msgs, pc.Messages...)
	calls := append(append([]types.ToolCall(nil), pc.Earlier...), pc.ToolCall)
	results := append(append([]types.ToolResult(nil), pc.Completed...), result)
	return append(msgs,
		types.Message{Role: types.RoleAssistant, Content: pc.PartialContent, ToolCalls: calls},
		types.Message{Role: types.RoleUser, ToolResults: results},
	)
}

func (l *Loop) newPending(st *runState, call types.ToolCall, v safety.Verdict, partial string, earlier []types.ToolCall, completed []types.ToolResult) *PendingConfirmation {
	now := time.Now()
	return &PendingConfirmation{
		ID:             uuid.NewString(),
		SessionID:      st.sessionID,
		ToolCall:       call,
		Tier:           v.Tier,
		Reason:         v.Reason,
		Messages:       append([]types.Message(nil), st.messages...),
		PartialContent: partial,
		Completed:      completed,
		Earlier:        earlier,
		Provider:       st.provider.Name(),
		System:         st.system,
		Iteration:      st.iteration,
		Usage:          st.usage,
		CreatedAt:      now,
		ExpiresAt:      now.Add(l.confirmationTTL),
	}
}

// recordRequested writes the request to the audit trail and the store.
func (l *Loop) recordRequested(ctx context.Context, pc *PendingConfirmation) {
	metrics.ConfirmationsTotal.WithLabelValues("requested").Inc()
	l.logger.Info("confirmation requested",
		zap.String("session_id", pc.SessionID),
		zap.String("confirmation_id", pc.ID),
		zap.String("tool", pc.ToolCall.Name),
		zap.String("tier", pc.Tier.String()),
	)
	if l.audit != nil {
		_ = l.audit.LogConfirmationRequested(ctx, pc.SessionID, pc.ID, pc.ToolCall.Name, pc.Tier.String())
	}
	if l.store == nil {
		return
	}
	args, _ := json.Marshal(pc.ToolCall.Arguments)
	if err := l.store.SaveConfirmation(ctx, &db.ConfirmationRecord{
		ID:        pc.ID,
		SessionID: pc.SessionID,
		Tool:      pc.ToolCall.Name,
		Tier:      pc.Tier.String(),
		Arguments: string(args),
		Status:    db.ConfirmationPending,
		CreatedAt: pc.CreatedAt,
	}); err != nil {
		l.logger.Warn("failed to persist confirmation", zap.String("confirmation_id", pc.ID), zap.Error(err))
	}
}

// recordResolved closes the request with status, one of the db
// confirmation statuses.
func (l *Loop) recordResolved(ctx context.Context, pc *PendingConfirmation, status string) {
	metrics.ConfirmationsTotal.WithLabelValues(status).Inc()
	if l.audit != nil {
		_ = l.audit.LogConfirmationResolved(ctx, pc.SessionID, pc.ID, pc.ToolCall.Name, status)
	}
	if l.store == nil {
		return
	}
	if err := l.store.ResolveConfirmation(ctx, pc.ID, status, time.Now()); err != nil {
		l.logger.Warn("failed to resolve confirmation", zap.String("confirmation_id", pc.ID), zap.Error(err))
	}
}

// Discard closes a confirmation that will never be resumed, e.g. because
// its session went away.
func (l *Loop) Discard(ctx context.Context, pc *PendingConfirmation) {
	if pc != nil {
		l.recordResolved(ctx, pc, db.ConfirmationDiscarded)
	}
}

// Resume re-enters the loop after a decision on pc. The caller guarantees
// pc is consumed exactly once. On authorize the call is re-checked with
// confirmed=true, so a protected resource is still refused.
func (l *Loop) Resume(ctx context.Context, pc *PendingConfirmation, decision Decision, override bool, cb StreamCallbacks) (*PendingConfirmation, error) {
	em := newEmitter(cb)
	if pc == nil {
		err := fmt.Errorf("resume: %w", ErrNothingToResume)
		em.fail(err)
		return nil, err
	}
	if pc.Expired(time.Now()) {
		l.recordResolved(ctx, pc, db.ConfirmationExpired)
		err := fmt.Errorf("confirmation %s: %w", pc.ID, ErrConfirmationExpired)
		em.fail(err)
		return nil, err
	}

	provider, err := l.providers.Select(pc.Provider, false)
	if err != nil {
		l.recordResolved(ctx, pc, db.ConfirmationDiscarded)
		em.fail(err)
		return nil, err
	}

	st := &runState{
		sessionID: pc.SessionID,
		provider:  provider,
		system:    pc.System,
		override:  override,
		iteration: pc.Iteration,
		usage:     pc.Usage,
	}

	var result types.ToolResult
	switch decision {
	case DecisionAuthorize:
		v := l.safety.CheckSafety(pc.ToolCall.Name, pc.ToolCall.Arguments, true, override)
		if v.Allowed {
			l.recordResolved(ctx, pc, db.ConfirmationAuthorized)
		} else {
			l.recordResolved(ctx, pc, db.ConfirmationRefused)
		}
		result = l.apply(ctx, st, pc.ToolCall, v, true, em)
	case DecisionDeny:
		l.recordResolved(ctx, pc, db.ConfirmationDenied)
		result = types.TextResult(pc.ToolCall, DeniedByOperator, true)
		result.Blocked = true
		result.Reason = "denied by operator"
		em.toolResult(result)
	default:
		l.recordResolved(ctx, pc, db.ConfirmationDiscarded)
		err := fmt.Errorf("resume: unknown decision %q", decision)
		em.fail(err)
		return nil, err
	}

	if ctx.Err() != nil {
		return l.abort(st, em)
	}
	st.messages = pc.history(result)
	return l.run(ctx, st, em)
}
