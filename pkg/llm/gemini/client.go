package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hefeijay/aquagateway/pkg/config"
	"github.com/hefeijay/aquagateway/pkg/llm"

	"google.golang.org/genai"
)

// Client wraps the Google GenAI SDK to satisfy llm.LLMClient.
type Client struct {
	client     *genai.Client
	model      string
	useThought bool
	sysConfig  *config.SystemConfig
	options    map[string]any
}

// NewClient creates a Gemini client for a single model/API key pair.
func NewClient(apiKey, model string, useThought bool, options map[string]any, sys *config.SystemConfig) (*Client, error) {
	ctx := context.Background()
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return &Client{
		client:     client,
		model:      model,
		useThought: useThought,
		options:    options,
		sysConfig:  sys,
	}, nil
}

func (c *Client) Provider() string {
	return "gemini"
}

func formatModality(details []*genai.ModalityTokenCount) string {
	if len(details) == 0 {
		return "0"
	}
	var res []string
	for _, d := range details {
		res = append(res, fmt.Sprintf("%v: %d", d.Modality, d.TokenCount))
	}
	return strings.Join(res, " | ")
}

func (c *Client) StreamChat(ctx context.Context, messages []llm.Message) (<-chan llm.StreamChunk, error) {
	apiMessages, systemInstruction := c.convertMessages(messages)

	chunkCh := make(chan llm.StreamChunk, llm.ChannelBuffer(c.sysConfig))
	startResultCh := make(chan error, 1)

	slog.InfoContext(ctx, "streaming", "provider", c.Provider(), "model", c.model)

	go func() {
		defer close(chunkCh)

		var thinkingCfg *genai.ThinkingConfig
		if c.useThought {
			thinkingCfg = &genai.ThinkingConfig{IncludeThoughts: true}
		}

		genConfig := &genai.GenerateContentConfig{
			SystemInstruction: systemInstruction,
			ThinkingConfig:    thinkingCfg,
		}

		if t, ok := c.options["temperature"].(float64); ok {
			t32 := float32(t)
			genConfig.Temperature = &t32
		}
		if p, ok := c.options["top_p"].(float64); ok {
			p32 := float32(p)
			genConfig.TopP = &p32
		}
		if maxTok, ok := c.options["max_tokens"].(float64); ok {
			genConfig.MaxOutputTokens = int32(maxTok)
		}

		iter := c.client.Models.GenerateContentStream(ctx, c.model, apiMessages, genConfig)

		started := false
		var lastUsage *llm.LLMUsage

		debugger := llm.NewStreamDebugger(ctx, c.Provider(), c.sysConfig)
		defer debugger.Close()

		for resp, err := range iter {
			if resp != nil {
				if jsonData, merr := json.Marshal(resp); merr == nil {
					debugger.Write(jsonData)
				}
			}

			if err != nil {
				if resp == nil {
					slog.ErrorContext(ctx, "stream error", "provider", c.Provider(), "error", err)
					if !started {
						startResultCh <- err
					} else {
						chunkCh <- llm.NewErrorChunk(fmt.Sprintf("stream interrupted: %v", err), err, true)
					}
					return
				}
				slog.WarnContext(ctx, "stream error with data", "provider", c.Provider(), "error", err)
			}

			if !started {
				started = true
				startResultCh <- nil
			}

			if resp.UsageMetadata != nil {
				u := resp.UsageMetadata
				lastUsage = &llm.LLMUsage{
					PromptTokens:     int(u.PromptTokenCount),
					PromptDetail:     formatModality(u.PromptTokensDetails),
					CompletionTokens: int(u.CandidatesTokenCount),
					CompletionDetail: formatModality(u.CandidatesTokensDetails),
					TotalTokens:      int(u.TotalTokenCount),
					ThoughtsTokens:   int(u.ThoughtsTokenCount),
					CachedTokens:     int(u.CachedContentTokenCount),
				}
			}

			for _, candidate := range resp.Candidates {
				if candidate.FinishReason != "" && lastUsage != nil {
					lastUsage.StopReason = normalizeStopReason(string(candidate.FinishReason))
				}

				if candidate.Content == nil {
					continue
				}

				var blocks []llm.ContentBlock
				for _, part := range candidate.Content.Parts {
					if part.Text == "" {
						continue
					}
					if part.Thought {
						blocks = append(blocks, llm.ContentBlock{Type: llm.BlockTypeThinking, Text: part.Text})
					} else {
						blocks = append(blocks, llm.ContentBlock{Type: llm.BlockTypeText, Text: part.Text})
					}
				}

				if len(blocks) > 0 {
					chunkCh <- llm.StreamChunk{ContentBlocks: blocks}
				}
			}
		}

		if lastUsage != nil {
			chunkCh <- llm.NewFinalChunk(lastUsage.StopReason, lastUsage)
			llm.LogUsage(c.model, lastUsage)
		}
	}()

	select {
	case err := <-startResultCh:
		if err != nil {
			return nil, err
		}
		return chunkCh, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) convertMessages(messages []llm.Message) ([]*genai.Content, *genai.Content) {
	var genaiContents []*genai.Content
	var systemInstruction *genai.Content

	for _, msg := range messages {
		if msg.Role == "system" {
			var parts []*genai.Part
			for _, block := range msg.Content {
				if block.Type == llm.BlockTypeText && block.Text != "" {
					parts = append(parts, &genai.Part{Text: block.Text})
				}
			}
			if len(parts) > 0 {
				systemInstruction = &genai.Content{Parts: parts}
			}
			continue
		}

		role := "user"
		if msg.Role == "assistant" {
			role = "model"
		}

		var parts []*genai.Part
		for _, block := range msg.Content {
			switch block.Type {
			case "text":
				if block.Text == "" {
					continue
				}
				parts = append(parts, &genai.Part{Text: block.Text})
			case llm.BlockTypeThinking:
				if block.Text == "" {
					continue
				}
				parts = append(parts, &genai.Part{Text: block.Text, Thought: true})
			case llm.BlockTypeImage:
				if block.Source != nil && len(block.Source.Data) > 0 {
					parts = append(parts, &genai.Part{
						InlineData: &genai.Blob{
							MIMEType: block.Source.MediaType,
							Data:     block.Source.Data,
						},
					})
				}
			}
		}

		if len(parts) > 0 {
			genaiContents = append(genaiContents, &genai.Content{Role: role, Parts: parts})
		}
	}

	return genaiContents, systemInstruction
}

// normalizeStopReason converts Gemini's FinishReason to the normalized set.
func normalizeStopReason(reason string) string {
	switch strings.ToUpper(reason) {
	case "STOP", "FINISH_REASON_STOP":
		return llm.StopReasonStop
	case "MAX_TOKENS", "FINISH_REASON_MAX_TOKENS":
		return llm.StopReasonLength
	default:
		return strings.ToLower(reason)
	}
}

func (c *Client) IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	errMsg := strings.ToLower(err.Error())

	if strings.Contains(errMsg, "503") || strings.Contains(errMsg, "overloaded") {
		return true
	}
	if strings.Contains(errMsg, "429") || strings.Contains(errMsg, "resource exhausted") {
		return true
	}
	if strings.Contains(errMsg, "500") || strings.Contains(errMsg, "internal error") {
		return true
	}
	if strings.Contains(errMsg, "timeout") ||
		strings.Contains(errMsg, "connection refused") ||
		strings.Contains(errMsg, "context deadline exceeded") {
		return true
	}

	return false
}
