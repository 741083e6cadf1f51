package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Provider names accepted by llm.provider.
const (
	ProviderAnthropic    = "anthropic"
	ProviderOllama       = "ollama"
	ProviderTextProtocol = "text_protocol"
)

var validTiers = map[string]bool{"GREEN": true, "YELLOW": true, "RED": true, "BLACK": true}

// Validate validates the configuration and returns validation errors.
//
// Missing credentials for the active provider are not a validation error:
// the server starts in degraded mode and reports the problem per request.
func (c *Config) Validate() []error {
	var errs []error
	add := func(field, format string, args ...interface{}) {
		errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Validate server configuration
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port", "port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.RequestsPerMinute < 0 {
		add("server.requests_per_minute", "must not be negative, got %d", c.Server.RequestsPerMinute)
	}

	// Validate LLM configuration
	switch c.LLM.Provider {
	case ProviderAnthropic, ProviderOllama, ProviderTextProtocol:
	default:
		add("llm.provider", "provider must be one of anthropic, ollama, text_protocol, got %q", c.LLM.Provider)
	}
	for field, raw := range map[string]string{
		"llm.anthropic.base_url":     c.LLM.Anthropic.BaseURL,
		"llm.ollama.base_url":        c.LLM.Ollama.BaseURL,
		"llm.text_protocol.base_url": c.LLM.TextProtocol.BaseURL,
		"summarizer.base_url":        c.Summarizer.BaseURL,
		"tokenizer.url":              c.Tokenizer.URL,
	} {
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			add(field, "invalid URL %q", raw)
		}
	}
	if c.LLM.Ollama.HistoryCap < 1 {
		add("llm.ollama.history_cap", "must be at least 1, got %d", c.LLM.Ollama.HistoryCap)
	}

	// Validate agent configuration
	if c.Agent.MaxIterations < 1 {
		add("agent.max_iterations", "must be at least 1, got %d", c.Agent.MaxIterations)
	}
	if c.Agent.ToolTimeout <= 0 {
		add("agent.tool_timeout", "must be positive, got %s", c.Agent.ToolTimeout)
	}

	// Validate context configuration
	if c.Context.SummarizeThreshold < 1 {
		add("context.summarize_threshold", "must be at least 1, got %d", c.Context.SummarizeThreshold)
	}
	if c.Context.KeepRecent < 1 {
		add("context.keep_recent", "must be at least 1, got %d", c.Context.KeepRecent)
	}
	if c.Context.SummaryRatio <= 0 || c.Context.SummaryRatio >= 1 {
		add("context.summary_ratio", "must be between 0 and 1 (exclusive), got %g", c.Context.SummaryRatio)
	}
	if c.Context.SummarizeTimeout <= 0 {
		add("context.summarize_timeout", "must be positive, got %s", c.Context.SummarizeTimeout)
	}
	if c.Summarizer.Temperature < 0 || c.Summarizer.Temperature > 2 {
		add("summarizer.temperature", "must be between 0 and 2, got %g", c.Summarizer.Temperature)
	}

	// Validate safety configuration
	for tool, tier := range c.Safety.TierOverrides {
		if !validTiers[strings.ToUpper(tier)] {
			add("safety.tier_overrides."+tool, "unknown tier %q", tier)
		}
	}

	// Validate executor configuration
	if c.Executor.Address != "" {
		if _, _, err := net.SplitHostPort(c.Executor.Address); err != nil {
			add("executor.address", "invalid address format (expected host:port): %v", err)
		}
	}

	// Validate logging configuration
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("logging.level", "level must be one of debug, info, warn, error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		add("logging.format", "format must be json or console, got %q", c.Logging.Format)
	}

	return errs
}
