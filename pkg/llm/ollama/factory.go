package ollama

import (
	"log/slog"

	"github.com/hefeijay/aquagateway/pkg/config"
	"github.com/hefeijay/aquagateway/pkg/llm"
)

// Factory creates Client instances for LLM_PROVIDER=ollama.
type Factory struct{}

func (f *Factory) Create(cfg llm.ProviderGroupConfig, sys *config.SystemConfig) ([]llm.LLMClient, error) {
	var clients []llm.LLMClient

	for _, model := range cfg.Models {
		client, err := NewClient(model, cfg.BaseURL, cfg.Options, sys)
		if err != nil {
			slog.Error("failed to create ollama client", "model", model, "error", err)
			continue
		}
		clients = append(clients, client)
	}
	return clients, nil
}

func init() {
	llm.RegisterProvider("ollama", &Factory{})
}
