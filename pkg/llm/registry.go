package llm

import (
	"github.com/hefeijay/aquagateway/pkg/config"
)

// ProviderGroupConfig configures a cluster of models from a single LLM
// provider, allowing multi-model and multi-key fallback within a provider.
type ProviderGroupConfig struct {
	Type                string         `json:"type"`                            // "openai", "ollama", "gemini"
	APIKeys             []string       `json:"api_keys,omitempty"`              // pool of API keys for rotation
	Models              []string       `json:"models"`                          // model names to initialize
	BaseURL             string         `json:"base_url,omitempty"`              // custom endpoint (local Ollama, compatible gateways)
	UseThoughtSignature bool           `json:"use_thought_signature,omitempty"` // Gemini reasoning-token tracking
	Options             map[string]any `json:"options,omitempty"`               // provider-specific params (temperature, topP, ...)
}

// ProviderFactory instantiates LLMClients for one provider's group config.
// Each provider package registers its factory from an init() function.
type ProviderFactory interface {
	Create(groupConfig ProviderGroupConfig, systemConfig *config.SystemConfig) ([]LLMClient, error)
}

var providerRegistry = make(map[string]ProviderFactory)

// RegisterProvider adds factory under name. Called from each provider
// package's init(); the registry is read-only after process startup.
func RegisterProvider(name string, factory ProviderFactory) {
	providerRegistry[name] = factory
}

// GetProviderFactory looks up a previously registered factory.
func GetProviderFactory(name string) (ProviderFactory, bool) {
	f, ok := providerRegistry[name]
	return f, ok
}
