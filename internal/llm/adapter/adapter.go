package adapter

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-operator/internal/llm/types"
)

// Package adapter routes chat turns to one of the configured model backends.
//
// The set of backends is closed:
//
//	anthropic      native tool calling, streaming, large context
//	ollama         local, text-only, capped history
//	text_protocol  OpenAI-compatible proxy, tools inlined as text
//
// Fallback Behavior (provider not configured):
//   - The server still starts; the registry remembers why a backend is missing
//   - Select on that backend returns ErrProviderNotConfigured with the reason
//   - The WebSocket client receives a single error event and the loop never starts

// ErrProviderNotConfigured is returned by Select for unknown or unusable providers.
var ErrProviderNotConfigured = types.ErrProviderNotConfigured

// toolFallbackOrder is consulted when a text-only provider is asked for tools.
var toolFallbackOrder = []string{"anthropic", "text_protocol"}

// Registry holds the configured providers by name.
type Registry struct {
	mu          sync.RWMutex
	providers   map[string]types.Provider
	unavailable map[string]error
	defaultName string
	logger      *zap.Logger
}

// NewRegistry creates an empty registry whose default provider is defaultName.
func NewRegistry(defaultName string, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		providers:   make(map[string]types.Provider),
		unavailable: make(map[string]error),
		defaultName: defaultName,
		logger:      logger,
	}
}

// Register adds p, wrapped with request metrics.
func (r *Registry) Register(p types.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = Instrument(p)
	delete(r.unavailable, p.Name())
}

// MarkUnavailable records why a provider could not be built.
func (r *Registry) MarkUnavailable(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.providers, name)
	r.unavailable[name] = err
}

// Default returns the name used when Select is called with an empty name.
func (r *Registry) Default() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultName
}

// Select returns the named provider, or the default for an empty name.
// When needTools is set and the provider cannot surface tool calls, the first
// available tool-capable provider is returned instead; if there is none the
// text-only provider is returned unchanged.
func (r *Registry) Select(name string, needTools bool) (types.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name == "" {
		name = r.defaultName
	}
	p, ok := r.providers[name]
	if !ok {
		if reason, known := r.unavailable[name]; known {
			if errors.Is(reason, ErrProviderNotConfigured) {
				return nil, fmt.Errorf("%s: %w", name, reason)
			}
			return nil, fmt.Errorf("%s: %v: %w", name, reason, ErrProviderNotConfigured)
		}
		return nil, fmt.Errorf("unknown provider %q: %w", name, ErrProviderNotConfigured)
	}

	if needTools && !p.Capabilities().Tools {
		for _, alt := range toolFallbackOrder {
			if ap, ok := r.providers[alt]; ok && ap.Capabilities().Tools {
				r.logger.Info("provider cannot call tools, falling back",
					zap.String("requested", name), zap.String("selected", alt))
				return ap, nil
			}
		}
	}
	return p, nil
}

// Status reports "ok" or the unavailability reason per provider.
func (r *Registry) Status() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.providers)+len(r.unavailable))
	for name := range r.providers {
		out[name] = "ok"
	}
	for name, err := range r.unavailable {
		out[name] = err.Error()
	}
	return out
}

// Names returns the available provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
