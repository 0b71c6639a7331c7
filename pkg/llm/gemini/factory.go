package gemini

import (
	"log/slog"

	"github.com/hefeijay/aquagateway/pkg/config"
	"github.com/hefeijay/aquagateway/pkg/llm"
)

// Factory creates Client instances for LLM_PROVIDER=gemini, one per
// model/API-key combination (models prioritized over keys).
type Factory struct{}

func (f *Factory) Create(cfg llm.ProviderGroupConfig, sys *config.SystemConfig) ([]llm.LLMClient, error) {
	var clients []llm.LLMClient

	for _, model := range cfg.Models {
		for _, key := range cfg.APIKeys {
			client, err := NewClient(key, model, cfg.UseThoughtSignature, cfg.Options, sys)
			if err != nil {
				slog.Error("failed to create gemini client", "model", model, "error", err)
				continue
			}
			clients = append(clients, client)
		}
	}
	return clients, nil
}

func init() {
	llm.RegisterProvider("gemini", &Factory{})
}
