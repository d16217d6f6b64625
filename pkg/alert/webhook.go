package alert

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WebhookChannel POSTs the payload as JSON to a configured endpoint. When a
// signing secret is set, requests carry an HMAC-SHA256 signature header the
// receiver can verify.
type WebhookChannel struct {
	cfg     ChannelConfig
	url     string
	secret  []byte
	headers map[string]string
	client  *http.Client
	clock   func() time.Time
}

// WebhookOption configures a WebhookChannel.
type WebhookOption func(*WebhookChannel)

// WithWebhookClient overrides the HTTP client.
func WithWebhookClient(client *http.Client) WebhookOption {
	return func(c *WebhookChannel) { c.client = client }
}

// WithWebhookSecret enables request signing.
func WithWebhookSecret(secret []byte) WebhookOption {
	return func(c *WebhookChannel) { c.secret = secret }
}

// WithWebhookHeaders adds static headers to every request.
func WithWebhookHeaders(headers map[string]string) WebhookOption {
	return func(c *WebhookChannel) { c.headers = headers }
}

// WithWebhookClock overrides the clock, for deterministic tests.
func WithWebhookClock(clock func() time.Time) WebhookOption {
	return func(c *WebhookChannel) { c.clock = clock }
}

// NewWebhookChannel creates a webhook channel targeting url.
func NewWebhookChannel(cfg ChannelConfig, url string, opts ...WebhookOption) *WebhookChannel {
	cfg.Type = ChannelWebhook
	c := &WebhookChannel{
		cfg:    cfg,
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config returns the channel configuration.
func (c *WebhookChannel) Config() ChannelConfig { return c.cfg }

// Send delivers the payload.
func (c *WebhookChannel) Send(ctx context.Context, payload *Payload) *SendResult {
	start := c.clock()
	result := &SendResult{}

	body, err := json.Marshal(payload)
	if err != nil {
		result.Error = fmt.Sprintf("payload encode failed: %v", err)
		result.DurationMs = c.elapsedMs(start)
		return result
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		result.Error = fmt.Sprintf("request build failed: %v", err)
		result.DurationMs = c.elapsedMs(start)
		return result
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	if len(c.secret) > 0 {
		req.Header.Set("X-Warden-Signature", signBody(c.secret, body))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		result.Error = err.Error()
		result.DurationMs = c.elapsedMs(start)
		return result
	}
	defer resp.Body.Close()

	result.DurationMs = c.elapsedMs(start)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		result.Error = fmt.Sprintf("webhook returned %s", resp.Status)
		return result
	}
	result.Success = true
	result.MessageID = resp.Header.Get("X-Request-Id")
	return result
}

// Test performs a HEAD request against the endpoint.
func (c *WebhookChannel) Test(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook unreachable: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("webhook endpoint unhealthy: %s", resp.Status)
	}
	return nil
}

func (c *WebhookChannel) elapsedMs(start time.Time) float64 {
	return float64(c.clock().Sub(start)) / float64(time.Millisecond)
}

func signBody(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
