package openailm

import (
	"log/slog"

	"github.com/hefeijay/aquagateway/pkg/config"
	"github.com/hefeijay/aquagateway/pkg/llm"
)

// OpenAIFactory creates Client instances for OpenAI and OpenAI-compatible
// providers (LLM_PROVIDER=openai with a custom LLM_BASE_URL).
type OpenAIFactory struct{}

func (f *OpenAIFactory) Create(cfg llm.ProviderGroupConfig, sys *config.SystemConfig) ([]llm.LLMClient, error) {
	var clients []llm.LLMClient

	apiKey := ""
	if len(cfg.APIKeys) > 0 {
		apiKey = cfg.APIKeys[0]
	}

	for _, model := range cfg.Models {
		client, err := NewClient("openai", apiKey, model, cfg.BaseURL, cfg.Options, sys)
		if err != nil {
			slog.Error("failed to create openai client", "model", model, "error", err)
			continue
		}
		clients = append(clients, client)
	}
	return clients, nil
}

func init() {
	llm.RegisterProvider("openai", &OpenAIFactory{})
}
