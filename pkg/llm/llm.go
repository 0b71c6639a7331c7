package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/hefeijay/aquagateway/pkg/config"
)

// json is the shared JSON codec for package llm.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// LLMUsage is the provider-agnostic token accounting for one call.
type LLMUsage struct {
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
	ThoughtsTokens   int    `json:"thoughts_tokens,omitempty"`
	CachedTokens     int    `json:"cached_tokens,omitempty"`
	PromptDetail     string `json:"prompt_detail,omitempty"`
	CompletionDetail string `json:"completion_detail,omitempty"`
	StopReason       string `json:"stop_reason,omitempty"`
}

// LogUsage emits a compact usage summary for a completed call.
func LogUsage(model string, usage *LLMUsage) {
	if usage == nil {
		return
	}
	slog.Debug("llm usage",
		"model", model,
		"prompt_tokens", usage.PromptTokens,
		"completion_tokens", usage.CompletionTokens,
		"total_tokens", usage.TotalTokens,
		"thoughts_tokens", usage.ThoughtsTokens,
		"cached_tokens", usage.CachedTokens,
		"stop_reason", usage.StopReason,
	)
}

// ChannelBuffer returns the stream channel buffer size configured in sys,
// or a safe default when sys is absent or the knob is unset.
func ChannelBuffer(sys *config.SystemConfig) int {
	if sys != nil && sys.InternalChannelBuffer > 0 {
		return sys.InternalChannelBuffer
	}
	return 64
}

// LLMClient is the common interface every provider adapter implements.
type LLMClient interface {
	// StreamChat streams a response as a channel of incremental chunks.
	StreamChat(ctx context.Context, messages []Message) (<-chan StreamChunk, error)

	// IsTransientError reports whether err is worth retrying (rate limit,
	// 5xx, connection reset).
	IsTransientError(err error) bool
}

// Call is a synchronous wrapper over StreamChat used by pipeline stages
// that don't need incremental delivery, and by the streaming synthesis
// stage via onChunk. It drains the channel to completion, concatenates
// every text block into the final string, and invokes onChunk (if
// non-nil) once per non-empty text delta as it arrives.
func Call(ctx context.Context, client LLMClient, messages []Message, onChunk func(string)) (string, *LLMUsage, error) {
	ch, err := client.StreamChat(ctx, messages)
	if err != nil {
		return "", nil, err
	}

	var sb strings.Builder
	var usage *LLMUsage
	var streamErr error

	for chunk := range ch {
		for _, block := range chunk.ContentBlocks {
			if block.Type == BlockTypeError && block.Text != "" {
				// Providers surface mid-stream failures as error blocks
				// rather than a returned error; carry it out so callers can
				// distinguish a truncated stream from a completed one.
				streamErr = errors.New(block.Text)
				continue
			}
			if block.Type != BlockTypeText || block.Text == "" {
				continue
			}
			sb.WriteString(block.Text)
			if onChunk != nil {
				onChunk(block.Text)
			}
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
	}

	return sb.String(), usage, streamErr
}

// FallbackClient tries each client in order, making up to MaxRetries
// attempts per client on transient failures before moving on to the next
// provider.
type FallbackClient struct {
	Clients    []LLMClient
	MaxRetries int
	RetryDelay time.Duration
}

func (f *FallbackClient) StreamChat(ctx context.Context, messages []Message) (<-chan StreamChunk, error) {
	var lastErr error
	for i, client := range f.Clients {
		if i > 0 {
			slog.Warn("previous llm provider failed, trying fallback", "provider_index", i+1)
		}

		maxRetries := f.MaxRetries
		if maxRetries <= 0 {
			maxRetries = 1
		}

		for retry := 1; retry <= maxRetries; retry++ {
			if retry > 1 {
				slog.Info("retrying llm provider", "provider_index", i, "attempt", retry, "max_retries", maxRetries)
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(time.Duration(retry-1) * f.RetryDelay):
				}
			}

			ch, err := client.StreamChat(ctx, messages)
			if err == nil {
				return ch, nil
			}

			lastErr = err

			if client.IsTransientError(err) && retry < maxRetries {
				slog.Warn("llm provider transient error, retrying", "provider_index", i+1, "error", err)
				continue
			}

			slog.Error("llm provider failed", "provider_index", i+1, "error", err)
			break
		}
	}
	return nil, fmt.Errorf("all fallback providers failed: %w", lastErr)
}

// IsTransientError always reports false for the container itself: by the
// time StreamChat returns an error here, every child client has already
// exhausted its own retry budget.
func (f *FallbackClient) IsTransientError(err error) bool {
	return false
}
