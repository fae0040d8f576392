package llm

import (
	"sync"
	"time"
)

// Capability names a semantic model role. Callers ask for a capability and
// the registry resolves it to concrete endpoints with fallbacks.
type Capability string

const (
	// CapabilityClassify is for tier classification of functions.
	CapabilityClassify Capability = "classify"

	// CapabilityGenerative is for single-shot function execution.
	CapabilityGenerative Capability = "generative"

	// CapabilityAgentic is for multi-step reasoning loops.
	CapabilityAgentic Capability = "agentic"

	// CapabilityFast is for quick, cheap calls.
	CapabilityFast Capability = "fast"
)

// IsValid checks if a capability string is a known capability.
func (c Capability) IsValid() bool {
	switch c {
	case CapabilityClassify, CapabilityGenerative, CapabilityAgentic, CapabilityFast:
		return true
	}
	return false
}

// ParseCapability converts a string to a Capability, returning empty for
// unknown values.
func ParseCapability(s string) Capability {
	c := Capability(s)
	if c.IsValid() {
		return c
	}
	return ""
}

// CapabilityConfig lists models for a capability in preference order.
type CapabilityConfig struct {
	Description string   `json:"description,omitempty"`
	Preferred   []string `json:"preferred"`
	Fallback    []string `json:"fallback,omitempty"`
}

// EndpointConfig describes one reachable model endpoint.
type EndpointConfig struct {
	// Provider selects the wire adapter (anthropic, openai, ollama).
	Provider string `json:"provider"`

	// URL is the API base URL; empty uses the provider default.
	URL string `json:"url,omitempty"`

	// Model is the identifier sent to the provider.
	Model string `json:"model"`

	// MaxTokens is the context window size.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// endpointHealth is circuit-breaker state for one endpoint.
type endpointHealth struct {
	failureCount  int
	circuitOpen   bool
	circuitOpened time.Time
}

// HealthConfig tunes the per-endpoint circuit breaker.
type HealthConfig struct {
	// FailureThreshold opens the circuit after this many consecutive
	// failures.
	FailureThreshold int

	// RecoveryTimeout is how long an open circuit stays open before a
	// probe request is allowed through.
	RecoveryTimeout time.Duration
}

// DefaultHealthConfig returns sensible circuit-breaker defaults.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  30 * time.Second,
	}
}

// Registry maps capabilities to model endpoints and tracks endpoint health.
type Registry struct {
	mu           sync.RWMutex
	capabilities map[Capability]*CapabilityConfig
	endpoints    map[string]*EndpointConfig
	health       map[string]*endpointHealth
	healthCfg    HealthConfig
	defaultModel string
}

// NewRegistry creates a registry from explicit configuration.
func NewRegistry(caps map[Capability]*CapabilityConfig, endpoints map[string]*EndpointConfig) *Registry {
	return &Registry{
		capabilities: caps,
		endpoints:    endpoints,
		health:       make(map[string]*endpointHealth),
		healthCfg:    DefaultHealthConfig(),
	}
}

// NewDefaultRegistry creates a registry pointed at a local Ollama instance.
// Used when no model configuration is provided.
func NewDefaultRegistry() *Registry {
	r := NewRegistry(
		map[Capability]*CapabilityConfig{
			CapabilityClassify: {
				Description: "Tier classification of function definitions",
				Preferred:   []string{"local-fast"},
			},
			CapabilityGenerative: {
				Description: "Single-shot function execution",
				Preferred:   []string{"local"},
				Fallback:    []string{"local-fast"},
			},
			CapabilityAgentic: {
				Description: "Multi-step reasoning loops",
				Preferred:   []string{"local"},
			},
			CapabilityFast: {
				Description: "Quick, cheap calls",
				Preferred:   []string{"local-fast"},
			},
		},
		map[string]*EndpointConfig{
			"local": {
				Provider:  "ollama",
				URL:       "http://localhost:11434/v1",
				Model:     "qwen2.5:14b",
				MaxTokens: 128000,
			},
			"local-fast": {
				Provider:  "ollama",
				URL:       "http://localhost:11434/v1",
				Model:     "llama3.2",
				MaxTokens: 128000,
			},
		},
	)
	r.defaultModel = "local-fast"
	return r
}

// SetCapability updates or adds a capability configuration.
func (r *Registry) SetCapability(c Capability, cfg *CapabilityConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.capabilities == nil {
		r.capabilities = make(map[Capability]*CapabilityConfig)
	}
	r.capabilities[c] = cfg
}

// SetEndpoint updates or adds an endpoint configuration.
func (r *Registry) SetEndpoint(name string, cfg *EndpointConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.endpoints == nil {
		r.endpoints = make(map[string]*EndpointConfig)
	}
	r.endpoints[name] = cfg
}

// SetDefault sets the model used for unknown capabilities.
func (r *Registry) SetDefault(model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultModel = model
}

// GetEndpoint returns the endpoint configuration for a model name, nil when
// unconfigured.
func (r *Registry) GetEndpoint(name string) *EndpointConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.endpoints[name]
}

// FallbackChain returns all models for a capability in preference order.
func (r *Registry) FallbackChain(c Capability) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cfg, ok := r.capabilities[c]; ok {
		chain := make([]string, 0, len(cfg.Preferred)+len(cfg.Fallback))
		chain = append(chain, cfg.Preferred...)
		chain = append(chain, cfg.Fallback...)
		return chain
	}
	if r.defaultModel != "" {
		return []string{r.defaultModel}
	}
	return nil
}

// AvailableFallbackChain is FallbackChain filtered to endpoints whose
// circuit is closed or due for a recovery probe.
func (r *Registry) AvailableFallbackChain(c Capability) []string {
	chain := r.FallbackChain(c)
	available := make([]string, 0, len(chain))
	for _, name := range chain {
		if r.IsEndpointAvailable(name) {
			available = append(available, name)
		}
	}
	return available
}

// IsEndpointAvailable reports whether the circuit for an endpoint admits
// requests. An open circuit half-opens after the recovery timeout.
func (r *Registry) IsEndpointAvailable(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.health[name]
	if !ok || !h.circuitOpen {
		return true
	}
	if time.Since(h.circuitOpened) >= r.healthCfg.RecoveryTimeout {
		// Half-open: admit one probe; success or failure will settle it.
		return true
	}
	return false
}

// MarkEndpointSuccess records a successful request and closes the circuit.
func (r *Registry) MarkEndpointSuccess(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.health[name] = &endpointHealth{}
}

// MarkEndpointFailure records a failed request, opening the circuit at the
// failure threshold.
func (r *Registry) MarkEndpointFailure(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.health[name]
	if !ok {
		h = &endpointHealth{}
		r.health[name] = h
	}
	h.failureCount++
	if h.failureCount >= r.healthCfg.FailureThreshold {
		h.circuitOpen = true
		h.circuitOpened = time.Now()
	}
}

// ListEndpoints returns all configured endpoint names.
func (r *Registry) ListEndpoints() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.endpoints))
	for name := range r.endpoints {
		names = append(names, name)
	}
	return names
}
