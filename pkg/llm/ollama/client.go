package ollama

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hefeijay/aquagateway/pkg/config"
	"github.com/hefeijay/aquagateway/pkg/llm"

	"github.com/ollama/ollama/api"
)

// Client wraps the Ollama API client to satisfy llm.LLMClient.
type Client struct {
	client  *api.Client
	model   string
	options map[string]any
	sysCfg  *config.SystemConfig
}

// NewClient constructs a client pointed at baseURL, or at the environment's
// default Ollama endpoint if baseURL is empty. With a baseURL, the client
// uses a transport that disables client-side timeouts: long model loads and
// long generations are the norm for local inference and should not be cut
// short by an HTTP client. Without one, the environment client's own HTTP
// settings apply.
func NewClient(model, baseURL string, options map[string]any, sys *config.SystemConfig) (*Client, error) {
	var apiClient *api.Client
	var err error

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 0,
	}

	customClient := &http.Client{
		Transport: transport,
		Timeout:   0,
	}

	if baseURL != "" {
		u, perr := url.Parse(baseURL)
		if perr != nil {
			return nil, fmt.Errorf("invalid base URL: %w", perr)
		}
		apiClient = api.NewClient(u, customClient)
	} else {
		apiClient, err = api.ClientFromEnvironment()
	}

	if err != nil {
		return nil, err
	}

	slog.Info("ollama client initialized", "model", model, "base_url", baseURL)

	return &Client{
		client:  apiClient,
		model:   model,
		options: options,
		sysCfg:  sys,
	}, nil
}

func (c *Client) Provider() string {
	return "ollama"
}

func (c *Client) StreamChat(ctx context.Context, messages []llm.Message) (<-chan llm.StreamChunk, error) {
	apiMessages := c.convertMessages(messages)

	chunkCh := make(chan llm.StreamChunk, llm.ChannelBuffer(c.sysCfg))
	startResultCh := make(chan error)

	go func() {
		defer close(chunkCh)

		streamVal := true
		req := &api.ChatRequest{
			Model:    c.model,
			Messages: apiMessages,
			Options:  c.options,
			Stream:   &streamVal,
		}

		started := false
		var thoughtsCount int

		err := c.client.Chat(ctx, req, func(resp api.ChatResponse) error {
			if !started {
				started = true
				select {
				case startResultCh <- nil:
				default:
				}
			}

			if resp.Message.Thinking != "" {
				thoughtsCount++
				chunkCh <- llm.NewThinkingChunk(resp.Message.Thinking)
			}

			if resp.Message.Content != "" {
				chunkCh <- llm.NewTextChunk(resp.Message.Content)
			}

			if resp.Done {
				usage := &llm.LLMUsage{
					PromptTokens:     resp.PromptEvalCount,
					CompletionTokens: resp.EvalCount,
					TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
					ThoughtsTokens:   thoughtsCount,
					StopReason:       resp.DoneReason,
				}

				chunkCh <- llm.NewFinalChunk(resp.DoneReason, usage)
				llm.LogUsage(c.model, usage)

				if resp.DoneReason == "length" {
					slog.Warn("ollama response truncated", "model", c.model, "num_predict", c.options["num_predict"])
				}
			}

			return nil
		})

		if err != nil {
			slog.Error("ollama stream error", "model", c.model, "error", err)
			if !started {
				select {
				case startResultCh <- err:
				default:
					chunkCh <- llm.NewErrorChunk(fmt.Sprintf("error loading model %s: %v", c.model, err), err, true)
				}
			}
		} else if !started {
			select {
			case startResultCh <- nil:
			default:
			}
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

func (c *Client) convertMessages(messages []llm.Message) []api.Message {
	var ollamaMsgs []api.Message

	for _, m := range messages {
		var content strings.Builder
		var images []api.ImageData

		for _, block := range m.Content {
			switch block.Type {
			case "text", "thinking":
				content.WriteString(block.Text)
			case "image":
				if block.Source != nil && len(block.Source.Data) > 0 {
					images = append(images, block.Source.Data)
				}
			}
		}

		msg := api.Message{
			Role:    m.Role,
			Content: content.String(),
		}
		if len(images) > 0 {
			msg.Images = images
		}

		ollamaMsgs = append(ollamaMsgs, msg)
	}

	return ollamaMsgs
}

func (c *Client) IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	errMsg := err.Error()

	if strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "connection reset") {
		return true
	}
	if strings.Contains(strings.ToLower(errMsg), "overloaded") {
		return true
	}

	return false
}
