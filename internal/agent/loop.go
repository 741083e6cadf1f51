// Package agent runs the agentic loop: model turn, safety gate, tool
// execution, repeat.
//
// States per invocation:
//
//	AWAITING_MODEL → STREAMING → TOOLS_PENDING → AWAITING_MODEL …
//	                           ↘ DONE | ERROR | AWAITING_CONFIRMATION
//
// The loop is provider-agnostic: providers stream one turn each and the
// state machine lives here once. On the last permitted iteration tools are
// withheld so the model must answer in text.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-operator/internal/audit"
	"github.com/kubilitics/kubilitics-operator/internal/catalog"
	"github.com/kubilitics/kubilitics-operator/internal/db"
	"github.com/kubilitics/kubilitics-operator/internal/executor"
	"github.com/kubilitics/kubilitics-operator/internal/llm/types"
	"github.com/kubilitics/kubilitics-operator/internal/metrics"
	"github.com/kubilitics/kubilitics-operator/internal/safety"
)

// Defaults mirror config.DefaultConfig.
const (
	DefaultMaxIterations   = 10
	DefaultConfirmationTTL = 10 * time.Minute
)

var (
	// ErrAborted is reported through OnError when the invocation is cancelled.
	ErrAborted = errors.New("aborted")
	// ErrConfirmationExpired is returned when resuming a stale confirmation.
	ErrConfirmationExpired = errors.New("confirmation expired")
	// ErrNothingToResume is returned when Resume gets no confirmation.
	ErrNothingToResume = errors.New("nothing to resume")
)

// ProviderSelector resolves a provider by name. adapter.Registry satisfies it.
type ProviderSelector interface {
	Select(name string, needTools bool) (types.Provider, error)
}

// Options configures a Loop.
type Options struct {
	Providers       ProviderSelector
	Safety          *safety.Engine
	Catalog         *catalog.Catalog
	Executor        executor.Executor
	Audit           audit.Logger
	Store           db.ConfirmationStore
	Logger          *zap.Logger
	MaxIterations   int
	ToolTimeout     time.Duration
	ConfirmationTTL time.Duration
	DryRun          bool
}

// Loop is safe for concurrent use; per-invocation state lives in runState.
type Loop struct {
	providers       ProviderSelector
	safety          *safety.Engine
	catalog         *catalog.Catalog
	executor        executor.Executor
	audit           audit.Logger
	store           db.ConfirmationStore
	logger          *zap.Logger
	maxIterations   int
	confirmationTTL time.Duration
	dryRun          bool
}

// New creates a Loop.
func New(opts Options) *Loop {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.ToolTimeout <= 0 {
		opts.ToolTimeout = executor.DefaultTimeout
	}
	if opts.ConfirmationTTL <= 0 {
		opts.ConfirmationTTL = DefaultConfirmationTTL
	}
	if opts.Safety == nil {
		opts.Safety = safety.NewEngine(nil, nil, opts.Logger)
	}
	if opts.Catalog == nil {
		opts.Catalog = catalog.Default()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Executor == nil {
		opts.Executor = executor.Func(func(context.Context, executor.Request) (*executor.Result, error) {
			return nil, errors.New("no tool executor configured")
		})
	}
	return &Loop{
		providers:       opts.Providers,
		safety:          opts.Safety,
		catalog:         opts.Catalog,
		executor:        executor.WithTimeout(opts.Executor, opts.ToolTimeout),
		audit:           opts.Audit,
		store:           opts.Store,
		logger:          opts.Logger,
		maxIterations:   opts.MaxIterations,
		confirmationTTL: opts.ConfirmationTTL,
		dryRun:          opts.DryRun,
	}
}

// ChatRequest is one user turn.
type ChatRequest struct {
	SessionID string
	// Provider names the backend; empty selects the default.
	Provider string
	System   string
	// Messages is the full history, ending with the new user message.
	Messages []types.Message
	Override bool
}

type runState struct {
	sessionID string
	provider  types.Provider
	system    string
	messages  []types.Message
	override  bool
	iteration int
	usage     types.TokenUsage
}

// Chat runs the loop until the model answers without tool calls, a RED call
// needs confirmation, an error occurs or ctx is cancelled. A non-nil
// PendingConfirmation means the loop paused; hand it to Resume later.
func (l *Loop) Chat(ctx context.Context, req ChatRequest, cb StreamCallbacks) (*PendingConfirmation, error) {
	em := newEmitter(cb)
	provider, err := l.providers.Select(req.Provider, false)
	if err != nil {
		metrics.LoopRunsTotal.WithLabelValues(req.Provider, "error").Inc()
		em.fail(err)
		return nil, err
	}
	st := &runState{
		sessionID: req.SessionID,
		provider:  provider,
		system:    req.System,
		messages:  append([]types.Message(nil), req.Messages...),
		override:  req.Override,
	}
	return l.run(ctx, st, em)
}

func (l *Loop) run(ctx context.Context, st *runState, em *emitter) (*PendingConfirmation, error) {
	name := st.provider.Name()
	log := l.logger.With(zap.String("session_id", st.sessionID), zap.String("provider", name))

	for st.iteration < l.maxIterations {
		if ctx.Err() != nil {
			return l.abort(st, em)
		}
		final := st.iteration == l.maxIterations-1
		var tools []types.Tool
		if !final && st.provider.Capabilities().Tools {
			tools = l.catalog.ForProvider()
		}

		res, err := st.provider.StreamTurn(ctx, types.TurnRequest{
			System:   st.system,
			Messages: st.messages,
			Tools:    tools,
		}, func(ev types.StreamEvent) {
			if ev.Type == types.EventText && ctx.Err() == nil {
				em.textDelta(ev.Text)
			}
		})
		st.iteration++
		if err != nil {
			if ctx.Err() != nil {
				return l.abort(st, em)
			}
			log.Error("model turn failed", zap.Int("iteration", st.iteration), zap.Error(err))
			metrics.LoopRunsTotal.WithLabelValues(name, "error").Inc()
			metrics.LoopIterations.Observe(float64(st.iteration))
			err = fmt.Errorf("model turn %d: %w", st.iteration, err)
			em.fail(err)
			return nil, err
		}
		// A stop that lands after the provider's last read still wins.
		if ctx.Err() != nil {
			return l.abort(st, em)
		}
		st.usage.Add(res.Usage)

		if len(res.ToolCalls) == 0 || final {
			if len(res.ToolCalls) > 0 {
				log.Warn("ignoring tool calls on the final iteration", zap.Int("calls", len(res.ToolCalls)))
			}
			metrics.LoopRunsTotal.WithLabelValues(name, "done").Inc()
			metrics.LoopIterations.Observe(float64(st.iteration))
			em.done(st.usage)
			return nil, nil
		}

		pc, err := l.runBatch(ctx, st, res, em)
		if pc != nil || err != nil {
			return pc, err
		}
	}

	// Only reachable when a resumed run starts at the bound.
	metrics.LoopRunsTotal.WithLabelValues(name, "done").Inc()
	em.done(st.usage)
	return nil, nil
}

// runBatch processes the tool calls of one model turn in order.
func (l *Loop) runBatch(ctx context.Context, st *runState, res *types.TurnResult, em *emitter) (*PendingConfirmation, error) {
	results := make([]types.ToolResult, 0, len(res.ToolCalls))
	for i, call := range res.ToolCalls {
		if ctx.Err() != nil {
			return l.abort(st, em)
		}
		v := l.safety.CheckSafety(call.Name, call.Arguments, false, st.override)
		if v.NeedsConfirmation() {
			pc := l.newPending(st, call, v, res.Text, append([]types.ToolCall(nil), res.ToolCalls[:i]...), results)
			l.recordRequested(ctx, pc)
			if dropped := len(res.ToolCalls) - i - 1; dropped > 0 {
				l.logger.Debug("dropping calls after confirmation point",
					zap.String("session_id", st.sessionID), zap.Int("dropped", dropped))
			}
			metrics.LoopRunsTotal.WithLabelValues(st.provider.Name(), "confirmation").Inc()
			metrics.LoopIterations.Observe(float64(st.iteration))
			em.confirm(pc)
			return pc, nil
		}

		results = append(results, l.apply(ctx, st, call, v, false, em))
		if ctx.Err() != nil {
			return l.abort(st, em)
		}
	}

	st.messages = append(st.messages,
		types.Message{Role: types.RoleAssistant, Content: res.Text, ToolCalls: res.ToolCalls},
		types.Message{Role: types.RoleUser, ToolResults: results},
	)
	return nil, nil
}

// apply turns a verdict into a tool result: refused calls get a synthetic
// error, allowed calls are validated and executed.
func (l *Loop) apply(ctx context.Context, st *runState, call types.ToolCall, v safety.Verdict, confirmed bool, em *emitter) types.ToolResult {
	if !v.Allowed {
		l.safety.RecordDenial(ctx, st.sessionID, call.Name, v)
		em.blocked(call, v.Reason, v.Tier)
		r := types.TextResult(call, "Blocked by safety policy: "+v.Reason, true)
		r.Blocked = true
		r.Reason = v.Reason
		return r
	}

	em.toolUse(call, v.Tier)

	if err := l.catalog.ValidateArguments(call.Name, call.Arguments); err != nil && !errors.Is(err, catalog.ErrUnknownTool) {
		r := types.TextResult(call, err.Error(), true)
		metrics.ToolExecutionsTotal.WithLabelValues(call.Name, "invalid").Inc()
		em.toolResult(r)
		return r
	}

	actor := executor.ActorAgent
	if confirmed {
		actor = executor.ActorOperator
	}
	start := time.Now()
	// The call runs to completion or timeout even if ctx is cancelled; its
	// result is then discarded by the caller.
	out, err := l.executor.Execute(context.WithoutCancel(ctx), executor.Request{
		Name:      call.Name,
		Arguments: call.Arguments,
		ActorKind: actor,
		SessionID: st.sessionID,
		Override:  st.override,
		DryRun:    l.dryRun,
	})
	elapsed := time.Since(start)
	metrics.ToolDuration.WithLabelValues(call.Name).Observe(elapsed.Seconds())

	var r types.ToolResult
	status := "success"
	switch {
	case err != nil:
		status = "error"
		if errors.Is(err, executor.ErrToolTimeout) {
			status = "timeout"
		}
		r = types.TextResult(call, fmt.Sprintf("Tool %s failed: %v", call.Name, err), true)
	case out == nil:
		r = types.TextResult(call, "", false)
	default:
		r = types.ToolResult{
			ToolCallID: call.ID,
			Name:       call.Name,
			Content:    out.Content,
			IsError:    out.IsError,
			Blocked:    out.Blocked,
			Reason:     out.Reason,
		}
		if out.IsError {
			status = "error"
		}
	}
	if ctx.Err() != nil {
		status = "discarded"
	}
	metrics.ToolExecutionsTotal.WithLabelValues(call.Name, status).Inc()

	if l.audit != nil {
		execErr := err
		if execErr == nil && r.IsError {
			execErr = errors.New(r.Text())
		}
		_ = l.audit.LogToolExecuted(ctx, st.sessionID, call.Name, v.Tier.String(), elapsed, execErr)
	}
	l.logger.Debug("tool executed",
		zap.String("session_id", st.sessionID),
		zap.String("tool", call.Name),
		zap.String("status", status),
		zap.Duration("duration", elapsed))

	if status != "discarded" {
		em.toolResult(r)
	}
	return r
}

func (l *Loop) abort(st *runState, em *emitter) (*PendingConfirmation, error) {
	name := ""
	if st.provider != nil {
		name = st.provider.Name()
	}
	metrics.LoopRunsTotal.WithLabelValues(name, "aborted").Inc()
	l.logger.Info("loop aborted", zap.String("session_id", st.sessionID), zap.Int("iteration", st.iteration))
	em.fail(ErrAborted)
	return nil, ErrAborted
}
