package agent

import (
	"sync"
	"sync/atomic"

	"github.com/kubilitics/kubilitics-operator/internal/llm/types"
	"github.com/kubilitics/kubilitics-operator/internal/safety"
)

// StreamCallbacks receives everything a loop invocation produces. Every
// field is optional.
//
// OnDone, OnError and OnConfirmationNeeded are terminal: exactly one of them
// fires per invocation, and nothing fires after it.
type StreamCallbacks struct {
	OnTextDelta          func(text string)
	OnToolUse            func(call types.ToolCall, tier safety.ActionTier)
	OnToolResult         func(result types.ToolResult)
	OnConfirmationNeeded func(pc *PendingConfirmation)
	OnBlocked            func(call types.ToolCall, reason string, tier safety.ActionTier)
	OnDone               func(usage types.TokenUsage)
	OnError              func(err error)
}

// emitter wraps StreamCallbacks with the single-terminal guarantee.
type emitter struct {
	cb     StreamCallbacks
	once   sync.Once
	closed atomic.Bool
}

func newEmitter(cb StreamCallbacks) *emitter { return &emitter{cb: cb} }

func (e *emitter) textDelta(text string) {
	if text != "" && !e.closed.Load() && e.cb.OnTextDelta != nil {
		e.cb.OnTextDelta(text)
	}
}

func (e *emitter) toolUse(call types.ToolCall, tier safety.ActionTier) {
	if !e.closed.Load() && e.cb.OnToolUse != nil {
		e.cb.OnToolUse(call, tier)
	}
}

func (e *emitter) toolResult(r types.ToolResult) {
	if !e.closed.Load() && e.cb.OnToolResult != nil {
		e.cb.OnToolResult(r)
	}
}

func (e *emitter) blocked(call types.ToolCall, reason string, tier safety.ActionTier) {
	if !e.closed.Load() && e.cb.OnBlocked != nil {
		e.cb.OnBlocked(call, reason, tier)
	}
}

func (e *emitter) terminal(fn func()) {
	e.once.Do(func() {
		e.closed.Store(true)
		if fn != nil {
			fn()
		}
	})
}

func (e *emitter) done(usage types.TokenUsage) {
	e.terminal(func() {
		if e.cb.OnDone != nil {
			e.cb.OnDone(usage)
		}
	})
}

func (e *emitter) fail(err error) {
	e.terminal(func() {
		if e.cb.OnError != nil {
			e.cb.OnError(err)
		}
	})
}

func (e *emitter) confirm(pc *PendingConfirmation) {
	e.terminal(func() {
		if e.cb.OnConfirmationNeeded != nil {
			e.cb.OnConfirmationNeeded(pc)
		}
	})
}
