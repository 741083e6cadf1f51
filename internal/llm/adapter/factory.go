package adapter

import (
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-operator/internal/config"
	"github.com/kubilitics/kubilitics-operator/internal/llm/provider/anthropic"
	"github.com/kubilitics/kubilitics-operator/internal/llm/provider/ollama"
	"github.com/kubilitics/kubilitics-operator/internal/llm/provider/textproto"
)

// NewFromConfig builds every provider variant the configuration allows.
// Providers that cannot be built are recorded as unavailable rather than
// failing startup.
func NewFromConfig(cfg config.LLMConfig, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := NewRegistry(cfg.Provider, logger)

	if p, err := anthropic.New(anthropic.Config{
		APIKey:        cfg.Anthropic.APIKey,
		Model:         cfg.Anthropic.Model,
		BaseURL:       cfg.Anthropic.BaseURL,
		MaxTokens:     cfg.Anthropic.MaxTokens,
		ContextWindow: cfg.Anthropic.ContextWindow,
		Logger:        logger,
	}); err != nil {
		r.MarkUnavailable(anthropic.Name, err)
	} else {
		r.Register(p)
	}

	r.Register(ollama.New(ollama.Config{
		BaseURL:       cfg.Ollama.BaseURL,
		Model:         cfg.Ollama.Model,
		ContextWindow: cfg.Ollama.ContextWindow,
		HistoryCap:    cfg.Ollama.HistoryCap,
		Logger:        logger,
	}))

	if p, err := textproto.New(textproto.Config{
		BaseURL:       cfg.TextProtocol.BaseURL,
		APIKey:        cfg.TextProtocol.APIKey,
		Model:         cfg.TextProtocol.Model,
		MaxTokens:     cfg.TextProtocol.MaxTokens,
		ContextWindow: cfg.TextProtocol.ContextWindow,
		Logger:        logger,
	}); err != nil {
		r.MarkUnavailable(textproto.Name, err)
	} else {
		r.Register(p)
	}

	for name, status := range r.Status() {
		if status != "ok" {
			logger.Warn("LLM provider unavailable", zap.String("provider", name), zap.String("reason", status))
		}
	}
	return r
}
