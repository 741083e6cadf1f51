package safety

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-operator/internal/audit"
	"github.com/kubilitics/kubilitics-operator/internal/metrics"
)

// Package safety provides the tier gate that sits between model output and
// tool execution.
//
// Every tool call the model issues is classified into a tier and checked
// against the protected-resource guard before anything runs:
//
//	GREEN   read-only / monitoring            → allowed
//	YELLOW  operational, reversible           → allowed
//	RED     destructive, lifecycle-altering   → allowed only when confirmed or overridden
//	BLACK   unregistered, maximally dangerous → allowed only when overridden
//
// The protected-resource guard runs last and wins over everything: a call
// that references a protected VM or service is refused even with confirmation
// and override. The verdict is a pure function of the tool name, its
// arguments and the two flags; it never depends on which model asked.

// Reasons used in verdicts.
const (
	ReasonRequiresConfirmation = "requires confirmation"
	ReasonBlockedBlack         = "blocked: tier BLACK"
)

// Verdict is the gate's decision for one tool call.
type Verdict struct {
	Allowed bool       `json:"allowed"`
	Tier    ActionTier `json:"tier"`
	// Reason is populated whenever Allowed is false.
	Reason string `json:"reason,omitempty"`
	// Protected is set when the protected-resource guard refused the call.
	Protected bool `json:"protected,omitempty"`
}

// NeedsConfirmation reports whether a human decision could turn this verdict
// into an allowed one.
func (v Verdict) NeedsConfirmation() bool {
	return !v.Allowed && !v.Protected && v.Tier == TierRed
}

// Engine is the unified safety gate
type Engine struct {
	registry *Registry

	mu    sync.RWMutex
	guard *Guard

	auditLog audit.Logger
	logger   *zap.Logger
}

// NewEngine creates a safety engine. registry and guard may be nil, in which
// case the built-in tiers and an empty guard are used.
func NewEngine(registry *Registry, guard *Guard, logger *zap.Logger) *Engine {
	if registry == nil {
		registry = NewRegistry(nil)
	}
	if guard == nil {
		guard = NewGuard(nil, nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{registry: registry, guard: guard, logger: logger}
}

// WithAuditLogger attaches an audit trail for denials.
func (e *Engine) WithAuditLogger(l audit.Logger) *Engine {
	e.auditLog = l
	return e
}

// Registry returns the tier registry.
func (e *Engine) Registry() *Registry { return e.registry }

// SetGuard swaps the protected-resource guard, e.g. after a config reload.
func (e *Engine) SetGuard(g *Guard) {
	if g == nil {
		return
	}
	e.mu.Lock()
	e.guard = g
	e.mu.Unlock()
	e.logger.Info("protected resources updated",
		zap.Strings("vm_ids", g.VMIDs()),
		zap.Strings("services", g.Services()),
	)
}

// Guard returns the active guard.
func (e *Engine) Guard() *Guard {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.guard
}

// Classify returns the tier of a tool. Unregistered names are BLACK.
func (e *Engine) Classify(toolName string) ActionTier {
	return e.registry.Classify(toolName)
}

// IsProtectedResource runs the guard alone.
func (e *Engine) IsProtectedResource(args map[string]interface{}) Match {
	return e.Guard().IsProtectedResource(args)
}

// CheckSafety decides whether a tool call may run.
func (e *Engine) CheckSafety(toolName string, args map[string]interface{}, confirmed, overrideActive bool) Verdict {
	v := evaluate(e.registry.Classify(toolName), e.Guard().IsProtectedResource(args), confirmed, overrideActive)
	metrics.SafetyVerdictsTotal.WithLabelValues(v.Tier.String(), outcomeLabel(v)).Inc()
	return v
}

// evaluate is the decision table.
func evaluate(tier ActionTier, match Match, confirmed, overrideActive bool) Verdict {
	if match.Protected {
		return Verdict{Allowed: false, Tier: tier, Reason: "protected resource: " + match.Reason, Protected: true}
	}
	switch tier {
	case TierGreen, TierYellow:
		return Verdict{Allowed: true, Tier: tier}
	case TierRed:
		if confirmed || overrideActive {
			return Verdict{Allowed: true, Tier: tier}
		}
		return Verdict{Allowed: false, Tier: tier, Reason: ReasonRequiresConfirmation}
	default:
		if overrideActive {
			return Verdict{Allowed: true, Tier: TierBlack}
		}
		return Verdict{Allowed: false, Tier: TierBlack, Reason: ReasonBlockedBlack}
	}
}

// RecordDenial writes a blocked verdict to the audit trail.
func (e *Engine) RecordDenial(ctx context.Context, sessionID, toolName string, v Verdict) {
	if v.Allowed || v.NeedsConfirmation() {
		return
	}
	e.logger.Warn("tool call blocked",
		zap.String("session_id", sessionID),
		zap.String("tool", toolName),
		zap.String("tier", v.Tier.String()),
		zap.String("reason", v.Reason),
		zap.Bool("protected", v.Protected),
	)
	if e.auditLog != nil {
		_ = e.auditLog.LogToolBlocked(ctx, sessionID, toolName, v.Tier.String(), v.Reason, v.Protected)
	}
}

func outcomeLabel(v Verdict) string {
	switch {
	case v.Allowed:
		return "allowed"
	case v.Protected:
		return "protected"
	case v.NeedsConfirmation():
		return "confirm"
	default:
		return "blocked"
	}
}
