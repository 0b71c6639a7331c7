package llm

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/hefeijay/aquagateway/pkg/config"

	jsoniter "github.com/json-iterator/go"
)

// NewFromConfig builds an LLMClient from a raw JSON array of
// ProviderGroupConfig. Each group's provider type is resolved through the
// registry, one or more atomic clients are created per group, and if more
// than one atomic client results across all groups they are combined into
// a FallbackClient using system's retry settings.
func NewFromConfig(rawLLM jsoniter.RawMessage, system *config.SystemConfig) (LLMClient, error) {
	var allAtomicClients []LLMClient

	if rawLLM == nil {
		return nil, fmt.Errorf("missing llm provider config")
	}

	var groups []ProviderGroupConfig
	if err := jsoniter.Unmarshal(rawLLM, &groups); err != nil {
		return nil, fmt.Errorf("failed to parse llm provider config: %w", err)
	}

	for _, group := range groups {
		slog.Info("loading llm provider group", "type", group.Type, "models", len(group.Models))

		factory, ok := GetProviderFactory(group.Type)
		if !ok {
			slog.Warn("unknown llm provider type", "type", group.Type)
			continue
		}

		clients, err := factory.Create(group, system)
		if err != nil {
			slog.Warn("failed to create llm clients", "type", group.Type, "error", err)
			continue
		}

		allAtomicClients = append(allAtomicClients, clients...)
	}

	if len(allAtomicClients) == 0 {
		return nil, fmt.Errorf("no llm clients could be initialized")
	}

	slog.Info("llm clients initialized", "count", len(allAtomicClients))

	if len(allAtomicClients) == 1 {
		return allAtomicClients[0], nil
	}

	return &FallbackClient{
		Clients:    allAtomicClients,
		MaxRetries: system.MaxRetries,
		RetryDelay: time.Duration(system.RetryDelayMs) * time.Millisecond,
	}, nil
}

// NewFromEnv builds the single ProviderGroupConfig implied by env's
// LLM_PROVIDER/LLM_MODEL/LLM_BASE_URL/LLM_API_KEY fields and delegates to
// NewFromConfig. This is the entry point main uses at startup; the
// JSON-array path in NewFromConfig remains available for operators who
// want a multi-provider fallback chain (e.g. from a system.json
// "llm_providers" field) without code changes.
func NewFromEnv(env *config.EnvConfig, system *config.SystemConfig) (LLMClient, error) {
	group := ProviderGroupConfig{
		Type:    env.LLMProvider,
		Models:  []string{env.LLMModel},
		BaseURL: env.LLMBaseURL,
	}
	if env.LLMAPIKey != "" {
		group.APIKeys = []string{env.LLMAPIKey}
	}
	if env.LLMTemperature > 0 {
		group.Options = map[string]any{"temperature": env.LLMTemperature}
	}

	raw, err := jsoniter.Marshal([]ProviderGroupConfig{group})
	if err != nil {
		return nil, fmt.Errorf("failed to encode llm provider config: %w", err)
	}

	return NewFromConfig(raw, system)
}
