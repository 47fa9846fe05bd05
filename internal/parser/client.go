// Package parser calls an external content parser over HTTP.
package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxParsedBytes = 16 << 20

// ErrInvalidResponse is returned when the parser does not answer with JSON.
var ErrInvalidResponse = errors.New("parser returned invalid response")

// Client posts raw content to the parser endpoint and returns its JSON output.
type Client struct {
	endpoint string
	http     *http.Client
}

// New builds a Client. A nil transport uses http.DefaultTransport.
func New(endpoint string, timeout time.Duration, transport http.RoundTripper) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(transport)},
	}
}

// Parse sends raw with its content type and returns the parsed document.
func (c *Client) Parse(ctx context.Context, jobID, contentType string, raw []byte) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("build parser request: %w", err)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Job-Id", jobID)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call parser: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxParsedBytes))
	if err != nil {
		return nil, fmt.Errorf("read parser response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d", ErrInvalidResponse, resp.StatusCode)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("%w: body is not json", ErrInvalidResponse)
	}
	return json.RawMessage(body), nil
}
