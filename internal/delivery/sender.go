package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/JakeFAU/scrapeq/internal/metrics"
)

// Header names sent with every callback.
const (
	HeaderDeliveryID = "X-Delivery-Id"
	HeaderSignature  = "X-Signature"
	userAgent        = "scrapeq-delivery/1"
	maxResponseBody  = 64 << 10
)

// Request is one HTTP attempt.
type Request struct {
	URL        string
	DeliveryID string
	Body       []byte
	// Signature is omitted from the request when empty.
	Signature string
}

// Limiter throttles requests to a callback URL's host.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Sender posts callback requests with a fixed per-attempt timeout.
type Sender struct {
	client  *http.Client
	limiter Limiter
}

// NewSender builds a Sender. A nil transport uses http.DefaultTransport.
func NewSender(timeout time.Duration, transport http.RoundTripper) *Sender {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &Sender{
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(transport),
		},
	}
}

// WithLimiter makes every Send wait on l before posting. It returns s.
func (s *Sender) WithLimiter(l Limiter) *Sender {
	s.limiter = l
	return s
}

// Send posts req and returns the response status code. A non-nil error means
// no response was observed.
func (s *Sender) Send(ctx context.Context, req Request) (int, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx, req.URL); err != nil {
			return 0, err
		}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return 0, fmt.Errorf("build callback request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)
	httpReq.Header.Set(HeaderDeliveryID, req.DeliveryID)
	if req.Signature != "" {
		httpReq.Header.Set(HeaderSignature, req.Signature)
	}
	resp, err := s.client.Do(httpReq)
	if err != nil {
		metrics.ObserveCallback(req.URL, 0)
		return 0, fmt.Errorf("post callback: %w", err)
	}
	metrics.ObserveCallback(req.URL, resp.StatusCode)
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
	return resp.StatusCode, nil
}
