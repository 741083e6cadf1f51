package config

import (
	"context"
	"time"
)

// Package config provides configuration management for kubilitics-operator.
//
// Configuration Sources (priority order, high to low):
//  1. CLI flags (highest priority)
//  2. Environment variables (KUBILITICS_* prefix, '.' replaced by '_')
//  3. YAML config file (default: /etc/kubilitics/operator.yaml)
//  4. Built-in defaults (lowest priority)
//
// Secrets are additionally read from the conventional vendor variables
// ANTHROPIC_API_KEY and OPENAI_API_KEY.
//
// Main Configuration Sections:
//
//	server      listen address, allowed WebSocket origins, rate limit
//	llm         active provider and per-provider settings
//	agent       loop iteration cap, per-tool timeout, confirmation TTL, system prompt
//	context     summarization threshold, window shares, local history cap
//	tokenizer   exact token counting endpoint
//	summarizer  lightweight backend used for background summaries
//	safety      protected VM ids and services, tier overrides
//	executor    gRPC address of the tool executor
//	catalog     optional YAML tool catalogue overlay
//	audit       audit/app log files and rotation
//	database    SQLite path for the audit trail
//	logging     level and format

// Config struct contains all configuration fields
type Config struct {
	Server     ServerConfig
	LLM        LLMConfig
	Agent      AgentConfig
	Context    ContextConfig
	Tokenizer  TokenizerConfig
	Summarizer SummarizerConfig
	Safety     SafetyConfig
	Executor   ExecutorConfig
	Catalog    CatalogConfig
	Audit      AuditConfig
	Database   DatabaseConfig
	Logging    LoggingConfig
}

// ServerConfig configures the HTTP/WebSocket listener.
type ServerConfig struct {
	Host string
	Port int
	// AllowedOrigins is a list of origins permitted to open WebSocket connections.
	// Use ["*"] to allow any origin (development only).
	AllowedOrigins []string
	// RequestsPerMinute bounds inbound requests and chat messages per client.
	RequestsPerMinute int
	// Burst is the token bucket size.
	Burst           int
	ShutdownTimeout time.Duration
}

// LLMConfig selects and configures model backends.
type LLMConfig struct {
	// Provider is the default backend: "anthropic" | "ollama" | "text_protocol".
	Provider     string
	Anthropic    AnthropicConfig
	Ollama       OllamaConfig
	TextProtocol TextProtocolConfig
}

// AnthropicConfig configures the tool-capable streaming provider.
type AnthropicConfig struct {
	APIKey        string
	Model         string
	BaseURL       string
	MaxTokens     int
	ContextWindow int
}

// OllamaConfig configures the text-only local provider.
type OllamaConfig struct {
	BaseURL       string
	Model         string
	ContextWindow int
	// HistoryCap is the number of most recent messages sent to the model.
	HistoryCap int
}

// TextProtocolConfig configures the OpenAI-compatible proxy that receives
// tool instructions inlined as text.
type TextProtocolConfig struct {
	BaseURL       string
	APIKey        string
	Model         string
	MaxTokens     int
	ContextWindow int
}

// AgentConfig controls the agentic loop.
type AgentConfig struct {
	MaxIterations   int
	ToolTimeout     time.Duration
	ConfirmationTTL time.Duration
	SystemPrompt    string
	// ReservedOtherTokens is held back from the context budget for tool
	// definitions and the model's answer.
	ReservedOtherTokens int
}

// ContextConfig controls the sliding window and summarization.
type ContextConfig struct {
	SummarizeThreshold int
	KeepRecent         int
	SummaryRatio       float64
	SummarizeTimeout   time.Duration
}

// TokenizerConfig points at the exact token counting service.
type TokenizerConfig struct {
	URL     string
	Timeout time.Duration
}

// SummarizerConfig configures the summarization backend.
type SummarizerConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
}

// SafetyConfig configures the tier gate.
type SafetyConfig struct {
	ProtectedVMIDs    []string
	ProtectedServices []string
	// TierOverrides maps tool name to tier name.
	TierOverrides map[string]string
}

// ExecutorConfig points at the tool executor.
type ExecutorConfig struct {
	Address  string
	Insecure bool
	// DryRun asks the executor to describe instead of act.
	DryRun bool
}

// CatalogConfig configures the tool catalogue.
type CatalogConfig struct {
	Path string
}

// AuditConfig configures audit and application log files.
type AuditConfig struct {
	AuditLogPath string
	AppLogPath   string
	MaxSizeMB    int
	MaxBackups   int
	MaxAgeDays   int
	Compress     bool
}

// DatabaseConfig configures the audit store.
type DatabaseConfig struct {
	SQLitePath string
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string
	Format string
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch watches the config file and delivers every valid reload.
	Watch(ctx context.Context) <-chan Config

	// Reload reloads configuration from sources.
	Reload(ctx context.Context) error
}

// NewConfigManager creates a new configuration manager.
func NewConfigManager(configPath string) (ConfigManager, error) {
	mgr := &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
	return mgr, nil
}

// NewConfigManagerWithDefaults creates a config manager with default config path.
func NewConfigManagerWithDefaults() (ConfigManager, error) {
	return NewConfigManager("/etc/kubilitics/operator.yaml")
}
