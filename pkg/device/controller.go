// Package device handles the device_control intent branch, dispatching
// to the external feeder/sensor/camera endpoints that actually operate
// the equipment.
package device

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ActionRequest is a standardized payload for controlling a device
// endpoint (feeder, aerator, camera), decoupling the device_control
// intent from the platform-specific execution details.
type ActionRequest struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params"`
}

// ActionResponse encapsulates the result of one device action.
type ActionResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Controller is the universal interface for device control units.
type Controller interface {
	// Execute dispatches req and returns its outcome. A non-nil error
	// means the call itself failed (network, timeout); a response with
	// Success=false means the device endpoint rejected the action.
	Execute(ctx context.Context, req ActionRequest) (*ActionResponse, error)
}

// HTTPController posts ActionRequest as JSON to an external device-control
// endpoint. An empty BaseURL makes every call a configuration no-op
// instead of an error, mirroring expert.Client's "not_configured" skip
// rule.
type HTTPController struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPController builds an HTTPController with a bounded-timeout client.
func NewHTTPController(baseURL string) *HTTPController {
	return &HTTPController{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Execute implements Controller.
func (c *HTTPController) Execute(ctx context.Context, req ActionRequest) (*ActionResponse, error) {
	if c.BaseURL == "" {
		return &ActionResponse{Success: false, Error: "not_configured"}, nil
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("device: failed to encode action request: %w", err)
	}

	endpoint := strings.TrimRight(c.BaseURL, "/") + "/action"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.Client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("device: action request failed: %w", err)
	}
	defer resp.Body.Close()

	var out ActionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("device: failed to decode action response: %w", err)
	}
	return &out, nil
}
