// Package expert implements the streaming client for the upstream
// domain-expert service: GET an SSE endpoint, forward content chunks in
// receive order, and aggregate the final answer.
package expert

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/r3labs/sse/v2"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrTimeout is returned when the overall deadline (default 60s) elapses
// before the upstream sends a done/error frame.
var ErrTimeout = errors.New("expert: consultation timed out")

// Config configures one Client. BaseURL empty disables consultation
// entirely (consult then returns {success:false, not_configured}).
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Enabled bool
}

// Result is the outcome of one consult call.
type Result struct {
	Success    bool           `json:"success"`
	Answer     string         `json:"answer"`
	Confidence float64        `json:"confidence,omitempty"`
	Sources    []string       `json:"sources,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// frame is the recognized JSON shape of one SSE "data:" payload.
type frame struct {
	Content string `json:"content"`
	Done    bool   `json:"done"`
	Error   string `json:"error"`
}

// Client consults the upstream expert service over SSE.
type Client struct {
	cfg Config
}

// NewClient builds a Client from cfg.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Client{cfg: cfg}
}

// Consult issues a GET against {BaseURL}/sse/stream_qa with query, agentType
// and sessionID as query parameters, and streams content chunks to onChunk
// (if non-nil) in receive order as they arrive, exactly as they would reach
// a client over the session socket. It returns once the upstream sends a
// {done:true} frame, an {error:...} frame, the connection drops, or the
// configured timeout elapses.
func (c *Client) Consult(ctx context.Context, query, agentType, sessionID string, extraConfig map[string]any, onChunk func(string)) (*Result, error) {
	if c.cfg.BaseURL == "" || sessionID == "" || !c.cfg.Enabled {
		return &Result{Success: false, Error: "not_configured"}, nil
	}

	params := url.Values{}
	params.Set("query", query)
	params.Set("agent_type", agentType)
	params.Set("session_id", sessionID)
	if len(extraConfig) > 0 {
		if raw, err := json.Marshal(extraConfig); err == nil {
			params.Set("config", string(raw))
		}
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/sse/stream_qa?" + params.Encode()

	sseClient := sse.NewClient(endpoint)
	if c.cfg.APIKey != "" {
		sseClient.Headers["Authorization"] = "Bearer " + c.cfg.APIKey
	}

	runCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	// answer is written from the subscription goroutine and read here after
	// done/timeout, so every access goes through the mutex.
	var mu sync.Mutex
	var answer strings.Builder
	appendChunk := func(chunk string) {
		mu.Lock()
		answer.WriteString(chunk)
		mu.Unlock()
		if onChunk != nil {
			onChunk(chunk)
		}
	}
	snapshot := func() string {
		mu.Lock()
		defer mu.Unlock()
		return answer.String()
	}

	done := make(chan struct{})
	errCh := make(chan error, 1)

	sseClient.OnDisconnect(func(*sse.Client) {
		select {
		case errCh <- fmt.Errorf("expert: upstream disconnected"):
		default:
		}
	})

	go func() {
		err := sseClient.SubscribeWithContext(runCtx, "message", func(msg *sse.Event) {
			if len(msg.Data) == 0 {
				return
			}

			var f frame
			if jsonErr := json.Unmarshal(msg.Data, &f); jsonErr != nil {
				// Not valid JSON: the raw payload is itself a content chunk.
				appendChunk(string(msg.Data))
				return
			}

			switch {
			case f.Error != "":
				select {
				case errCh <- fmt.Errorf("expert: %s", f.Error):
				default:
				}
			case f.Done:
				select {
				case <-done:
				default:
					close(done)
				}
			case f.Content != "":
				appendChunk(f.Content)
			}
		})
		if err != nil {
			select {
			case errCh <- err:
			default:
			}
		}
	}()

	select {
	case <-done:
		return &Result{Success: true, Answer: snapshot()}, nil
	case err := <-errCh:
		// A deadline expiry surfaces both here (the subscription's context
		// error) and on runCtx.Done(); classify it as the timeout it is.
		if runCtx.Err() != nil {
			return &Result{Success: false, Answer: snapshot(), Error: ErrTimeout.Error()}, ErrTimeout
		}
		return &Result{Success: false, Answer: snapshot(), Error: err.Error()}, err
	case <-runCtx.Done():
		return &Result{Success: false, Answer: snapshot(), Error: ErrTimeout.Error()}, ErrTimeout
	}
}
