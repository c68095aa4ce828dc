package config

import "github.com/sablecore/aegis/internal/ratelimit"

// LLMConfig configures the Conversation Engine's model backends.
type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`

	// FallbackChain specifies providers to try if the default provider
	// fails, tried in order until one succeeds, feeding
	// internal/agent/failover.go's provider-agnostic retry loop. Each entry
	// is either a bare provider ID ("openai"), which falls back to that
	// provider's own configured default model, or a "provider/model"
	// override ("openai/gpt-4o-mini") naming a specific model to use on
	// that fallback provider instead.
	FallbackChain []string `yaml:"fallback_chain"`

	// RateLimit throttles internal/agent.Engine's calls into
	// Provider.Complete, independent of MinInterCallInterval's per-turn
	// pacing. Disabled by default; set Enabled to true to cap request rate
	// against a provider's own limits.
	RateLimit ratelimit.Config `yaml:"rate_limit"`
}

// LLMProviderConfig holds one provider's credentials and defaults.
type LLMProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
	BaseURL      string `yaml:"base_url"`
}
