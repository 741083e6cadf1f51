package config

import "time"

// DefaultSystemPrompt is used when agent.system_prompt is empty.
const DefaultSystemPrompt = `You are an infrastructure operator assistant. You can inspect and operate
the cluster through the provided tools. Prefer read-only tools to gather facts before acting.
Destructive actions require operator confirmation; if a tool is blocked, explain why and
suggest a safe alternative instead of retrying.`

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Server defaults
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 8090
	cfg.Server.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	cfg.Server.RequestsPerMinute = 60
	cfg.Server.Burst = 10
	cfg.Server.ShutdownTimeout = 15 * time.Second

	// LLM defaults
	cfg.LLM.Provider = "anthropic"
	cfg.LLM.Anthropic = AnthropicConfig{
		Model:         "claude-3-5-sonnet-20241022",
		BaseURL:       "https://api.anthropic.com",
		MaxTokens:     4096,
		ContextWindow: 200000,
	}
	cfg.LLM.Ollama = OllamaConfig{
		BaseURL:       "http://localhost:11434",
		Model:         "llama3.1",
		ContextWindow: 8192,
		HistoryCap:    20,
	}
	cfg.LLM.TextProtocol = TextProtocolConfig{
		BaseURL:       "http://localhost:4000/v1",
		Model:         "gpt-4o-mini",
		MaxTokens:     2048,
		ContextWindow: 32768,
	}

	// Agent defaults
	cfg.Agent.MaxIterations = 10
	cfg.Agent.ToolTimeout = 60 * time.Second
	cfg.Agent.ConfirmationTTL = 10 * time.Minute
	cfg.Agent.SystemPrompt = DefaultSystemPrompt
	cfg.Agent.ReservedOtherTokens = 4096

	// Context defaults
	cfg.Context.SummarizeThreshold = 25
	cfg.Context.KeepRecent = 10
	cfg.Context.SummaryRatio = 0.30
	cfg.Context.SummarizeTimeout = 15 * time.Second

	// Tokenizer defaults (empty URL means heuristic only)
	cfg.Tokenizer.Timeout = 2 * time.Second

	// Summarizer defaults
	cfg.Summarizer.BaseURL = "http://localhost:4000/v1"
	cfg.Summarizer.Model = "gpt-4o-mini"
	cfg.Summarizer.Temperature = 0.2
	cfg.Summarizer.MaxTokens = 1024

	// Safety defaults
	cfg.Safety.ProtectedVMIDs = []string{"103"}
	cfg.Safety.ProtectedServices = []string{"ai-operator"}
	cfg.Safety.TierOverrides = map[string]string{}

	// Executor defaults
	cfg.Executor.Address = "localhost:50061"
	cfg.Executor.Insecure = true

	// Audit defaults
	cfg.Audit.AuditLogPath = "logs/audit.log"
	cfg.Audit.AppLogPath = "logs/app.log"
	cfg.Audit.MaxSizeMB = 100
	cfg.Audit.MaxBackups = 10
	cfg.Audit.MaxAgeDays = 30
	cfg.Audit.Compress = true

	// Database defaults
	cfg.Database.SQLitePath = "data/operator.db"

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	return cfg
}
