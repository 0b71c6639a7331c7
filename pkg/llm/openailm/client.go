package openailm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/hefeijay/aquagateway/pkg/config"
	"github.com/hefeijay/aquagateway/pkg/llm"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// Client wraps the official OpenAI Go SDK to satisfy llm.LLMClient. It also
// serves any OpenAI-compatible gateway (vLLM, LiteLLM, local proxies) when
// constructed with a custom base URL.
type Client struct {
	client   *openai.Client
	provider string
	model    string
	sysCfg   *config.SystemConfig
	options  map[string]any
}

// NewClient creates an OpenAI-compatible streaming client.
func NewClient(provider, apiKey, model, baseURL string, options map[string]any, sysCfg *config.SystemConfig) (*Client, error) {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	client := openai.NewClient(opts...)

	return &Client{
		client:   &client,
		provider: provider,
		model:    model,
		options:  options,
		sysCfg:   sysCfg,
	}, nil
}

func (c *Client) Provider() string {
	return c.provider
}

func (c *Client) IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "429")
}

func (c *Client) StreamChat(ctx context.Context, messages []llm.Message) (<-chan llm.StreamChunk, error) {
	chunkCh := make(chan llm.StreamChunk, llm.ChannelBuffer(c.sysCfg))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: c.convertMessages(messages),
	}

	go func() {
		defer close(chunkCh)

		stream := c.client.Chat.Completions.NewStreaming(ctx, params)

		debugger := llm.NewStreamDebugger(ctx, c.provider, c.sysCfg)
		defer debugger.Close()

		var lastFinishReason string
		var lastUsage *llm.LLMUsage
		var thinkingBuf strings.Builder

		for stream.Next() {
			event := stream.Current()

			raw := rawEventJSON(event)
			if raw != "" {
				debugger.WriteString(raw)
			}

			if len(event.Choices) > 0 {
				choice := event.Choices[0]

				if choice.FinishReason != "" {
					lastFinishReason = string(choice.FinishReason)
				}

				if thought := extractReasoning(raw); thought != "" {
					thinkingBuf.WriteString(thought)
					chunkCh <- llm.NewThinkingChunk(thought)
				}

				if choice.Delta.Content != "" {
					chunkCh <- llm.NewTextChunk(choice.Delta.Content)
				}
			}

			if event.Usage.TotalTokens > 0 {
				lastUsage = &llm.LLMUsage{
					PromptTokens:     int(event.Usage.PromptTokens),
					CompletionTokens: int(event.Usage.CompletionTokens),
					TotalTokens:      int(event.Usage.TotalTokens),
				}
			}
		}

		if thinkingBuf.Len() > 0 {
			slog.Debug("captured reasoning stream", "provider", c.provider)
		}

		if err := stream.Err(); err != nil {
			chunkCh <- llm.NewErrorChunk(fmt.Sprintf("stream error: %v", err), err, true)
			return
		}

		reason := llm.StopReasonStop
		if lastFinishReason != "" {
			reason = normalizeStopReason(lastFinishReason)
		}
		chunkCh <- llm.NewFinalChunk(reason, lastUsage)
		llm.LogUsage(c.model, lastUsage)
	}()

	return chunkCh, nil
}

// rawEventJSON extracts the unexported raw JSON string the SDK keeps on
// each streaming event, via reflection, for debug logging and reasoning
// extraction (the official SDK does not yet expose reasoning_content as a
// typed field across every OpenAI-compatible backend).
func rawEventJSON(event openai.ChatCompletionChunk) string {
	rv := reflect.ValueOf(event.JSON)
	if rv.Kind() != reflect.Struct {
		return ""
	}
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		if rt.Field(i).Name == "raw" {
			return rv.Field(i).String()
		}
	}
	return ""
}

func extractReasoning(raw string) string {
	if raw == "" {
		return ""
	}
	var parsed struct {
		Reasoning        string `json:"reasoning"`
		Thinking         string `json:"thinking"`
		ReasoningContent string `json:"reasoning_content"`
		Choices          []struct {
			Delta struct {
				ReasoningContent string `json:"reasoning_content"`
				Reasoning        string `json:"reasoning"`
				Thinking         string `json:"thinking"`
			} `json:"delta"`
		} `json:"choices"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return ""
	}

	thought := parsed.Reasoning
	if thought == "" {
		thought = parsed.Thinking
	}
	if thought == "" {
		thought = parsed.ReasoningContent
	}
	if thought == "" && len(parsed.Choices) > 0 {
		d := parsed.Choices[0].Delta
		thought = d.ReasoningContent
		if thought == "" {
			thought = d.Reasoning
		}
		if thought == "" {
			thought = d.Thinking
		}
	}
	return thought
}

func (c *Client) convertMessages(messages []llm.Message) []openai.ChatCompletionMessageParamUnion {
	var items []openai.ChatCompletionMessageParamUnion

	for _, m := range messages {
		switch m.Role {
		case "assistant":
			items = append(items, openai.ChatCompletionMessageParamUnion{
				OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					Role: "assistant",
					Content: openai.ChatCompletionAssistantMessageParamContentUnion{
						OfString: openai.String(m.GetTextContent()),
					},
				},
			})
		case "system":
			items = append(items, openai.ChatCompletionMessageParamUnion{
				OfSystem: &openai.ChatCompletionSystemMessageParam{
					Role: "system",
					Content: openai.ChatCompletionSystemMessageParamContentUnion{
						OfString: openai.String(m.GetTextContent()),
					},
				},
			})
		default: // "user" and anything else falls back to user role
			if m.HasImages() {
				var parts []openai.ChatCompletionContentPartUnionParam
				for _, block := range m.Content {
					switch block.Type {
					case llm.BlockTypeText:
						parts = append(parts, openai.ChatCompletionContentPartUnionParam{
							OfText: &openai.ChatCompletionContentPartTextParam{
								Type: "text",
								Text: block.Text,
							},
						})
					case llm.BlockTypeImage:
						if block.Source != nil {
							imgURL := block.Source.URL
							if block.Source.Type == "base64" {
								imgURL = fmt.Sprintf("data:%s;base64,%s", block.Source.MediaType, base64.StdEncoding.EncodeToString(block.Source.Data))
							}
							parts = append(parts, openai.ChatCompletionContentPartUnionParam{
								OfImageURL: &openai.ChatCompletionContentPartImageParam{
									Type: "image_url",
									ImageURL: openai.ChatCompletionContentPartImageImageURLParam{
										URL: imgURL,
									},
								},
							})
						}
					}
				}
				items = append(items, openai.ChatCompletionMessageParamUnion{
					OfUser: &openai.ChatCompletionUserMessageParam{
						Role: "user",
						Content: openai.ChatCompletionUserMessageParamContentUnion{
							OfArrayOfContentParts: parts,
						},
					},
				})
				continue
			}
			items = append(items, openai.ChatCompletionMessageParamUnion{
				OfUser: &openai.ChatCompletionUserMessageParam{
					Role: "user",
					Content: openai.ChatCompletionUserMessageParamContentUnion{
						OfString: openai.String(m.GetTextContent()),
					},
				},
			})
		}
	}

	return items
}

// normalizeStopReason converts OpenAI's finish_reason to the normalized set.
func normalizeStopReason(reason string) string {
	switch strings.ToLower(reason) {
	case "stop":
		return llm.StopReasonStop
	case "length":
		return llm.StopReasonLength
	default:
		return reason
	}
}
