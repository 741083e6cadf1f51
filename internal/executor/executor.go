// Package executor is the boundary between the agent loop and whatever
// actually performs tool calls. The loop only sees the Executor interface;
// production wiring uses the gRPC client, tests use Func.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kubilitics/kubilitics-operator/internal/llm/types"
)

// ActorKind identifies who initiated a call.
type ActorKind string

const (
	// ActorAgent marks calls issued by the model.
	ActorAgent ActorKind = "agent"
	// ActorOperator marks calls executed after operator confirmation.
	ActorOperator ActorKind = "operator"
)

// DefaultTimeout bounds a single tool execution.
const DefaultTimeout = 60 * time.Second

// ErrToolTimeout is returned when a call exceeds its deadline.
var ErrToolTimeout = errors.New("tool execution timed out")

// Request is one tool invocation.
type Request struct {
	Name      string
	Arguments map[string]interface{}
	ActorKind ActorKind
	SessionID string
	Override  bool
	DryRun    bool
}

// Result is the executor's answer. A Result with IsError set is a normal
// outcome that the model gets to see; a non-nil error from Execute means the
// executor itself failed.
type Result struct {
	Content []types.ContentBlock
	IsError bool
	Blocked bool
	Reason  string
}

// Text joins the text blocks of the result.
func (r *Result) Text() string {
	return types.ToolResult{Content: r.Content}.Text()
}

// TextResult builds a single-block result.
func TextResult(text string, isError bool) *Result {
	return &Result{Content: []types.ContentBlock{{Type: "text", Text: text}}, IsError: isError}
}

// Executor performs tool calls.
type Executor interface {
	Execute(ctx context.Context, req Request) (*Result, error)
}

// Func adapts a function to Executor.
type Func func(ctx context.Context, req Request) (*Result, error)

// Execute implements Executor.
func (f Func) Execute(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}

type timeoutExecutor struct {
	next    Executor
	timeout time.Duration
}

// WithTimeout bounds every call to next. The call runs on its own goroutine
// so an executor that ignores its context cannot hold the loop past the
// deadline; panics are converted to errors.
func WithTimeout(next Executor, timeout time.Duration) Executor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &timeoutExecutor{next: next, timeout: timeout}
}

type outcome struct {
	res *Result
	err error
}

func (t *timeoutExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool %s panicked: %v", req.Name, r)}
			}
		}()
		res, err := t.next.Execute(ctx, req)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil && errors.Is(o.err, context.DeadlineExceeded) && ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w after %s", ErrToolTimeout, t.timeout)
		}
		return o.res, o.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrToolTimeout, t.timeout)
		}
		return nil, ctx.Err()
	}
}
