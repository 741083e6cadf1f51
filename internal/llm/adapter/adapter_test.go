package adapter

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-operator/internal/config"
	"github.com/kubilitics/kubilitics-operator/internal/llm/types"
)

type stubProvider struct {
	name  string
	tools bool
	err   error
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Capabilities() types.Capabilities {
	return types.Capabilities{Tools: s.tools, ContextWindow: 1000}
}

func (s *stubProvider) StreamTurn(ctx context.Context, req types.TurnRequest, emit func(types.StreamEvent)) (*types.TurnResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	emit(types.StreamEvent{Type: types.EventText, Text: "hi"})
	return &types.TurnResult{Text: "hi", Usage: types.TokenUsage{InputTokens: 3, OutputTokens: 1}}, nil
}

func TestSelectDefaultAndNamed(t *testing.T) {
	r := NewRegistry("ollama", nil)
	r.Register(&stubProvider{name: "ollama"})
	r.Register(&stubProvider{name: "anthropic", tools: true})

	p, err := r.Select("", false)
	require.NoError(t, err)
	assert.Equal(t, "ollama", p.Name())

	p, err = r.Select("anthropic", false)
	require.NoError(t, err)
	assert.Equal(t, "anthropic", p.Name())
	assert.Equal(t, []string{"anthropic", "ollama"}, r.Names())
}

func TestSelectUnknownAndUnavailable(t *testing.T) {
	r := NewRegistry("anthropic", nil)
	r.MarkUnavailable("anthropic", errors.New("API key is required"))

	_, err := r.Select("", false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProviderNotConfigured))
	assert.Contains(t, err.Error(), "API key is required")

	_, err = r.Select("gemini", false)
	assert.True(t, errors.Is(err, ErrProviderNotConfigured))
	assert.Equal(t, "API key is required", r.Status()["anthropic"])
}

func TestSelectToolFallback(t *testing.T) {
	r := NewRegistry("ollama", nil)
	r.Register(&stubProvider{name: "ollama"})

	p, err := r.Select("ollama", true)
	require.NoError(t, err)
	assert.Equal(t, "ollama", p.Name(), "without a tool-capable provider the text-only one is kept")

	r.Register(&stubProvider{name: "text_protocol", tools: true})
	p, err = r.Select("ollama", true)
	require.NoError(t, err)
	assert.Equal(t, "text_protocol", p.Name())
}

func TestInstrumentedPassesThrough(t *testing.T) {
	p := Instrument(&stubProvider{name: "ollama"})
	assert.Same(t, p, Instrument(p), "double wrapping is a no-op")

	var got string
	res, err := p.StreamTurn(context.Background(), types.TurnRequest{}, func(ev types.StreamEvent) { got += ev.Text })
	require.NoError(t, err)
	assert.Equal(t, "hi", res.Text)
	assert.Equal(t, "hi", got)

	failing := Instrument(&stubProvider{name: "ollama", err: context.Canceled})
	_, err = failing.StreamTurn(context.Background(), types.TurnRequest{}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewFromConfig(t *testing.T) {
	cfg := config.DefaultConfig().LLM
	cfg.Anthropic.APIKey = ""

	r := NewFromConfig(cfg, nil)
	status := r.Status()
	assert.Equal(t, "ok", status["ollama"])
	assert.Equal(t, "ok", status["text_protocol"])
	assert.NotEqual(t, "ok", status["anthropic"])

	_, err := r.Select("anthropic", false)
	assert.True(t, errors.Is(err, ErrProviderNotConfigured))

	cfg.Anthropic.APIKey = "sk-test"
	r = NewFromConfig(cfg, nil)
	p, err := r.Select("", false)
	require.NoError(t, err)
	assert.Equal(t, "anthropic", p.Name())
	assert.True(t, p.Capabilities().Tools)
}
