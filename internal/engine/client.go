// Package engine talks to the external forecasting engine that performs the
// actual model fitting and inference. The queue core never interprets the
// payloads it relays; each executor owns its own schema.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Sentinel errors for engine client failures. Unreachable/timeout failures
// are retryable; a rejected request will not get better on retry.
var (
	ErrEngineUnreachable = errors.New("forecasting engine unreachable")
	ErrEngineTimeout     = errors.New("forecasting engine timeout")
	ErrEngineRejected    = errors.New("forecasting engine rejected request")
)

// Client is the interface for invoking the forecasting engine.
type Client interface {
	Train(ctx context.Context, params json.RawMessage) (json.RawMessage, error)
	Predict(ctx context.Context, params json.RawMessage) (json.RawMessage, error)
	Analyze(ctx context.Context, params json.RawMessage) (json.RawMessage, error)
	Ready(ctx context.Context) error
}

// HTTPClient implements Client using the engine's HTTP API.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a new engine HTTP client. The timeout bounds a single
// engine call, which can legitimately run for many minutes during training.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Train(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	return c.post(ctx, "/v1/train", params)
}

func (c *HTTPClient) Predict(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	return c.post(ctx, "/v1/predict", params)
}

func (c *HTTPClient) Analyze(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	return c.post(ctx, "/v1/analyze", params)
}

// Ready checks the engine health endpoint.
func (c *HTTPClient) Ready(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/ready", nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrEngineUnreachable, resp.StatusCode)
	}
	return nil
}

type engineResponse struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

func (c *HTTPClient) post(ctx context.Context, path string, params json.RawMessage) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(params))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	var engResp engineResponse
	if err := json.NewDecoder(resp.Body).Decode(&engResp); err != nil {
		return nil, fmt.Errorf("decoding engine response: %w", err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d: %s", ErrEngineUnreachable, resp.StatusCode, engResp.Error)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: %s", ErrEngineRejected, engResp.Error)
	}

	return engResp.Result, nil
}

func classifyError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrEngineTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrEngineUnreachable, err)
}

var _ Client = (*HTTPClient)(nil)
