package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// WebhookClient posts JSON documents to chat webhooks. Every channel shares
// one limiter so a burst of alerts cannot flood the receiving services.
type WebhookClient struct {
	HTTPClient *http.Client
	Limiter    *rate.Limiter
}

// WebhookOptions holds options for creating a WebhookClient.
type WebhookOptions struct {
	Timeout        time.Duration
	RequestsPerSec float64
}

// NewWebhookClient creates a rate-limited webhook client. There are no
// retries: each alert is posted at most once per channel.
func NewWebhookClient(opts WebhookOptions) *WebhookClient {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RequestsPerSec <= 0 {
		opts.RequestsPerSec = 5
	}

	burst := max(int(opts.RequestsPerSec), 1)
	return &WebhookClient{
		HTTPClient: &http.Client{Timeout: opts.Timeout},
		Limiter:    rate.NewLimiter(rate.Limit(opts.RequestsPerSec), burst),
	}
}

// PostJSON sends body as JSON and returns the response status code.
// Any non-2xx status is returned as an *HTTPStatusError.
func (c *WebhookClient) PostJSON(ctx context.Context, url string, body any) (int, error) {
	if err := c.Limiter.Wait(ctx); err != nil {
		return 0, err
	}

	data, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("marshal webhook body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, &HTTPStatusError{StatusCode: resp.StatusCode}
	}
	return resp.StatusCode, nil
}

// HTTPStatusError represents a non-2xx webhook response.
type HTTPStatusError struct {
	StatusCode int
}

// Error implements the error interface
func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("webhook returned status %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}
