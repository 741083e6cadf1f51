package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	configPath string
	mu         sync.RWMutex
	config     *Config
	viper      *viper.Viper
	watchChan  chan Config
	watchOnce  sync.Once
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	// Initialize viper
	m.viper = viper.New()

	// Set config file path
	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	// Set environment variable prefix
	m.viper.SetEnvPrefix("KUBILITICS")
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set defaults
	m.setDefaults()

	// Try to read config file (optional)
	if err := m.viper.ReadInConfig(); err != nil && !isNotFound(err) {
		return fmt.Errorf("error reading config file: %w", err)
	}

	cfg := m.unmarshalConfig()
	m.applyEnvOverrides(cfg)
	m.set(cfg)
	return nil
}

func isNotFound(err error) bool {
	var nf viper.ConfigFileNotFoundError
	return errors.As(err, &nf) || os.IsNotExist(err) || errors.Is(err, os.ErrNotExist)
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

func (m *viperConfigManager) set(cfg *Config) {
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	return joinValidation(m.Get(ctx).Validate())
}

func joinValidation(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	// Combine all errors into a single error message
	var errMsgs []string
	for _, err := range errs {
		errMsgs = append(errMsgs, err.Error())
	}
	return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
}

// Watch watches for configuration changes and reloads. Invalid reloads are
// dropped and the previous configuration stays active.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	m.watchOnce.Do(func() {
		m.viper.OnConfigChange(func(e fsnotify.Event) {
			if ctx.Err() != nil {
				return
			}
			if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				return
			}
			cfg := m.unmarshalConfig()
			m.applyEnvOverrides(cfg)
			if len(cfg.Validate()) > 0 {
				return
			}
			m.set(cfg)
			// Send updated config to channel
			select {
			case m.watchChan <- *cfg:
			default:
				// Channel full, skip this update
			}
		})
		m.viper.WatchConfig()
	})

	return m.watchChan
}

// Reload reloads configuration from sources.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	// Re-read config file
	if err := m.viper.ReadInConfig(); err != nil && !isNotFound(err) {
		return fmt.Errorf("error reading config file: %w", err)
	}

	cfg := m.unmarshalConfig()
	m.applyEnvOverrides(cfg)
	if err := joinValidation(cfg.Validate()); err != nil {
		return err
	}
	m.set(cfg)
	return nil
}

// setDefaults sets default values in viper.
func (m *viperConfigManager) setDefaults() {
	d := DefaultConfig()
	v := m.viper

	// Server defaults
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)
	v.SetDefault("server.requests_per_minute", d.Server.RequestsPerMinute)
	v.SetDefault("server.burst", d.Server.Burst)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	// LLM defaults
	v.SetDefault("llm.provider", d.LLM.Provider)
	v.SetDefault("llm.anthropic.api_key", d.LLM.Anthropic.APIKey)
	v.SetDefault("llm.anthropic.model", d.LLM.Anthropic.Model)
	v.SetDefault("llm.anthropic.base_url", d.LLM.Anthropic.BaseURL)
	v.SetDefault("llm.anthropic.max_tokens", d.LLM.Anthropic.MaxTokens)
	v.SetDefault("llm.anthropic.context_window", d.LLM.Anthropic.ContextWindow)
	v.SetDefault("llm.ollama.base_url", d.LLM.Ollama.BaseURL)
	v.SetDefault("llm.ollama.model", d.LLM.Ollama.Model)
	v.SetDefault("llm.ollama.context_window", d.LLM.Ollama.ContextWindow)
	v.SetDefault("llm.ollama.history_cap", d.LLM.Ollama.HistoryCap)
	v.SetDefault("llm.text_protocol.base_url", d.LLM.TextProtocol.BaseURL)
	v.SetDefault("llm.text_protocol.api_key", d.LLM.TextProtocol.APIKey)
	v.SetDefault("llm.text_protocol.model", d.LLM.TextProtocol.Model)
	v.SetDefault("llm.text_protocol.max_tokens", d.LLM.TextProtocol.MaxTokens)
	v.SetDefault("llm.text_protocol.context_window", d.LLM.TextProtocol.ContextWindow)

	// Agent defaults
	v.SetDefault("agent.max_iterations", d.Agent.MaxIterations)
	v.SetDefault("agent.tool_timeout", d.Agent.ToolTimeout)
	v.SetDefault("agent.confirmation_ttl", d.Agent.ConfirmationTTL)
	v.SetDefault("agent.system_prompt", d.Agent.SystemPrompt)
	v.SetDefault("agent.reserved_other_tokens", d.Agent.ReservedOtherTokens)

	// Context defaults
	v.SetDefault("context.summarize_threshold", d.Context.SummarizeThreshold)
	v.SetDefault("context.keep_recent", d.Context.KeepRecent)
	v.SetDefault("context.summary_ratio", d.Context.SummaryRatio)
	v.SetDefault("context.summarize_timeout", d.Context.SummarizeTimeout)

	// Tokenizer / summarizer defaults
	v.SetDefault("tokenizer.url", d.Tokenizer.URL)
	v.SetDefault("tokenizer.timeout", d.Tokenizer.Timeout)
	v.SetDefault("summarizer.base_url", d.Summarizer.BaseURL)
	v.SetDefault("summarizer.api_key", d.Summarizer.APIKey)
	v.SetDefault("summarizer.model", d.Summarizer.Model)
	v.SetDefault("summarizer.temperature", d.Summarizer.Temperature)
	v.SetDefault("summarizer.max_tokens", d.Summarizer.MaxTokens)

	// Safety defaults
	v.SetDefault("safety.protected_vm_ids", d.Safety.ProtectedVMIDs)
	v.SetDefault("safety.protected_services", d.Safety.ProtectedServices)
	v.SetDefault("safety.tier_overrides", d.Safety.TierOverrides)

	// Executor / catalog defaults
	v.SetDefault("executor.address", d.Executor.Address)
	v.SetDefault("executor.insecure", d.Executor.Insecure)
	v.SetDefault("executor.dry_run", d.Executor.DryRun)
	v.SetDefault("catalog.path", d.Catalog.Path)

	// Audit defaults
	v.SetDefault("audit.audit_log_path", d.Audit.AuditLogPath)
	v.SetDefault("audit.app_log_path", d.Audit.AppLogPath)
	v.SetDefault("audit.max_size_mb", d.Audit.MaxSizeMB)
	v.SetDefault("audit.max_backups", d.Audit.MaxBackups)
	v.SetDefault("audit.max_age_days", d.Audit.MaxAgeDays)
	v.SetDefault("audit.compress", d.Audit.Compress)

	// Database defaults
	v.SetDefault("database.sqlite_path", d.Database.SQLitePath)

	// Logging defaults
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// unmarshalConfig reads the viper state into a fresh Config.
func (m *viperConfigManager) unmarshalConfig() *Config {
	v := m.viper
	cfg := &Config{}

	// Server
	cfg.Server.Host = v.GetString("server.host")
	cfg.Server.Port = v.GetInt("server.port")
	cfg.Server.AllowedOrigins = v.GetStringSlice("server.allowed_origins")
	cfg.Server.RequestsPerMinute = v.GetInt("server.requests_per_minute")
	cfg.Server.Burst = v.GetInt("server.burst")
	cfg.Server.ShutdownTimeout = v.GetDuration("server.shutdown_timeout")

	// LLM
	cfg.LLM.Provider = v.GetString("llm.provider")
	cfg.LLM.Anthropic = AnthropicConfig{
		APIKey:        v.GetString("llm.anthropic.api_key"),
		Model:         v.GetString("llm.anthropic.model"),
		BaseURL:       v.GetString("llm.anthropic.base_url"),
		MaxTokens:     v.GetInt("llm.anthropic.max_tokens"),
		ContextWindow: v.GetInt("llm.anthropic.context_window"),
	}
	cfg.LLM.Ollama = OllamaConfig{
		BaseURL:       v.GetString("llm.ollama.base_url"),
		Model:         v.GetString("llm.ollama.model"),
		ContextWindow: v.GetInt("llm.ollama.context_window"),
		HistoryCap:    v.GetInt("llm.ollama.history_cap"),
	}
	cfg.LLM.TextProtocol = TextProtocolConfig{
		BaseURL:       v.GetString("llm.text_protocol.base_url"),
		APIKey:        v.GetString("llm.text_protocol.api_key"),
		Model:         v.GetString("llm.text_protocol.model"),
		MaxTokens:     v.GetInt("llm.text_protocol.max_tokens"),
		ContextWindow: v.GetInt("llm.text_protocol.context_window"),
	}

	// Agent
	cfg.Agent.MaxIterations = v.GetInt("agent.max_iterations")
	cfg.Agent.ToolTimeout = v.GetDuration("agent.tool_timeout")
	cfg.Agent.ConfirmationTTL = v.GetDuration("agent.confirmation_ttl")
	cfg.Agent.SystemPrompt = v.GetString("agent.system_prompt")
	cfg.Agent.ReservedOtherTokens = v.GetInt("agent.reserved_other_tokens")

	// Context
	cfg.Context.SummarizeThreshold = v.GetInt("context.summarize_threshold")
	cfg.Context.KeepRecent = v.GetInt("context.keep_recent")
	cfg.Context.SummaryRatio = v.GetFloat64("context.summary_ratio")
	cfg.Context.SummarizeTimeout = v.GetDuration("context.summarize_timeout")

	// Tokenizer / summarizer
	cfg.Tokenizer.URL = v.GetString("tokenizer.url")
	cfg.Tokenizer.Timeout = v.GetDuration("tokenizer.timeout")
	cfg.Summarizer.BaseURL = v.GetString("summarizer.base_url")
	cfg.Summarizer.APIKey = v.GetString("summarizer.api_key")
	cfg.Summarizer.Model = v.GetString("summarizer.model")
	cfg.Summarizer.Temperature = v.GetFloat64("summarizer.temperature")
	cfg.Summarizer.MaxTokens = v.GetInt("summarizer.max_tokens")

	// Safety
	cfg.Safety.ProtectedVMIDs = v.GetStringSlice("safety.protected_vm_ids")
	cfg.Safety.ProtectedServices = v.GetStringSlice("safety.protected_services")
	cfg.Safety.TierOverrides = v.GetStringMapString("safety.tier_overrides")

	// Executor / catalog
	cfg.Executor.Address = v.GetString("executor.address")
	cfg.Executor.Insecure = v.GetBool("executor.insecure")
	cfg.Executor.DryRun = v.GetBool("executor.dry_run")
	cfg.Catalog.Path = v.GetString("catalog.path")

	// Audit
	cfg.Audit.AuditLogPath = v.GetString("audit.audit_log_path")
	cfg.Audit.AppLogPath = v.GetString("audit.app_log_path")
	cfg.Audit.MaxSizeMB = v.GetInt("audit.max_size_mb")
	cfg.Audit.MaxBackups = v.GetInt("audit.max_backups")
	cfg.Audit.MaxAgeDays = v.GetInt("audit.max_age_days")
	cfg.Audit.Compress = v.GetBool("audit.compress")

	// Database
	cfg.Database.SQLitePath = v.GetString("database.sqlite_path")

	// Logging
	cfg.Logging.Level = v.GetString("logging.level")
	cfg.Logging.Format = v.GetString("logging.format")

	return cfg
}

// applyEnvOverrides applies the conventional vendor variables for secrets.
func (m *viperConfigManager) applyEnvOverrides(cfg *Config) {
	// Anthropic API key from environment
	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" && cfg.LLM.Anthropic.APIKey == "" {
		cfg.LLM.Anthropic.APIKey = apiKey
	}

	// OpenAI-compatible key feeds both the text-protocol proxy and the summarizer
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		if cfg.LLM.TextProtocol.APIKey == "" {
			cfg.LLM.TextProtocol.APIKey = apiKey
		}
		if cfg.Summarizer.APIKey == "" {
			cfg.Summarizer.APIKey = apiKey
		}
	}

	// Ollama base URL from environment
	if baseURL := os.Getenv("OLLAMA_BASE_URL"); baseURL != "" {
		cfg.LLM.Ollama.BaseURL = baseURL
	}

	// Port from environment - only override if explicitly set
	if portEnv := os.Getenv("KUBILITICS_PORT"); portEnv != "" {
		if port := m.viper.GetInt("port"); port > 0 {
			cfg.Server.Port = port
		}
	}
}
