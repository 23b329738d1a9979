// Package upstream implements the HTTP client for the availability source API
// and the normalizer that converts its heterogeneous response shapes into
// canonical availability records.
package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"
)

// HTTPClient is the interface used to send HTTP requests. *http.Client
// satisfies this interface, and it can be replaced with a mock in tests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client fetches per-model availability from the upstream source.
type Client struct {
	baseURL string
	client  HTTPClient
	logger  *zap.Logger
}

// NewClient creates a Client for the given availability endpoint base URL.
func NewClient(baseURL string, client HTTPClient, logger *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		client:  client,
		logger:  logger,
	}
}

// Fetch performs a single availability request for one model. The caller
// bounds the call with a context deadline; any network or non-2xx outcome is
// returned as an error so the circuit breaker can record it.
func (c *Client) Fetch(ctx context.Context, model int) ([]byte, error) {
	url := fmt.Sprintf("%s?model=%d", c.baseURL, model)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating upstream request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request for model %d: %w", model, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("upstream returned status %d for model %d", resp.StatusCode, model)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading upstream response for model %d: %w", model, err)
	}
	return body, nil
}
