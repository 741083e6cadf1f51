package adapter

import (
	"context"
	"errors"
	"time"

	"github.com/kubilitics/kubilitics-operator/internal/llm/types"
	"github.com/kubilitics/kubilitics-operator/internal/metrics"
)

// instrumented records request count, latency and token usage for every turn.
type instrumented struct {
	types.Provider
}

// Instrument wraps p with Prometheus metrics. Wrapping twice is a no-op.
func Instrument(p types.Provider) types.Provider {
	if _, ok := p.(*instrumented); ok {
		return p
	}
	return &instrumented{Provider: p}
}

func (i *instrumented) StreamTurn(ctx context.Context, req types.TurnRequest, emit func(types.StreamEvent)) (*types.TurnResult, error) {
	name := i.Name()
	start := time.Now()

	res, err := i.Provider.StreamTurn(ctx, req, emit)

	metrics.LLMRequestDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	status := "success"
	switch {
	case errors.Is(err, context.Canceled):
		status = "aborted"
	case err != nil:
		status = "error"
	}
	metrics.LLMRequestsTotal.WithLabelValues(name, status).Inc()

	if res != nil {
		metrics.LLMTokensUsed.WithLabelValues(name, "input").Add(float64(res.Usage.InputTokens))
		metrics.LLMTokensUsed.WithLabelValues(name, "output").Add(float64(res.Usage.OutputTokens))
	}
	return res, err
}
