package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/wardenhq/warden/pkg/violation"
)

// SlackChannel posts violation alerts to a Slack incoming webhook. Critical
// payloads prepend the configured mentions.
type SlackChannel struct {
	cfg        ChannelConfig
	webhookURL string
	slackChan  string
	// mentions are Slack ids (e.g. "U123", "here") tagged on critical alerts.
	mentions []string
	client   *http.Client
	clock    func() time.Time
}

// SlackOption configures a SlackChannel.
type SlackOption func(*SlackChannel)

// WithSlackMentions sets the ids mentioned on critical alerts.
func WithSlackMentions(mentions ...string) SlackOption {
	return func(c *SlackChannel) { c.mentions = mentions }
}

// WithSlackClient overrides the HTTP client.
func WithSlackClient(client *http.Client) SlackOption {
	return func(c *SlackChannel) { c.client = client }
}

// WithSlackClock overrides the clock, for deterministic tests.
func WithSlackClock(clock func() time.Time) SlackOption {
	return func(c *SlackChannel) { c.clock = clock }
}

// NewSlackChannel creates a Slack channel posting to webhookURL.
func NewSlackChannel(cfg ChannelConfig, webhookURL, slackChannel string, opts ...SlackOption) *SlackChannel {
	cfg.Type = ChannelSlack
	c := &SlackChannel{
		cfg:        cfg,
		webhookURL: webhookURL,
		slackChan:  slackChannel,
		client:     &http.Client{Timeout: 10 * time.Second},
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config returns the channel configuration.
func (c *SlackChannel) Config() ChannelConfig { return c.cfg }

type slackMessage struct {
	Channel string       `json:"channel,omitempty"`
	Text    string       `json:"text"`
	Blocks  []slackBlock `json:"blocks,omitempty"`
}

type slackBlock struct {
	Type string     `json:"type"`
	Text *slackText `json:"text,omitempty"`
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Send posts the alert message.
func (c *SlackChannel) Send(ctx context.Context, payload *Payload) *SendResult {
	start := c.clock()
	result := &SendResult{}

	header := fmt.Sprintf("%s %s", severityEmoji(payload.Priority), payload.Title)
	if payload.Priority == violation.SeverityCritical && len(c.mentions) > 0 {
		tags := make([]string, len(c.mentions))
		for i, m := range c.mentions {
			tags[i] = "<@" + m + ">"
		}
		header = strings.Join(tags, " ") + " " + header
	}

	body := fmt.Sprintf("*%s* | actor `%s` | resource `%s`\n%s",
		payload.Violation.Type, payload.Violation.Actor.ID,
		payload.Violation.Resource.ID, payload.Summary)
	if payload.DetailsURL != "" {
		body += fmt.Sprintf("\n<%s|View details>", payload.DetailsURL)
	}

	msg := slackMessage{
		Channel: c.slackChan,
		Text:    header,
		Blocks: []slackBlock{
			{Type: "section", Text: &slackText{Type: "mrkdwn", Text: header}},
			{Type: "section", Text: &slackText{Type: "mrkdwn", Text: body}},
		},
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		result.Error = fmt.Sprintf("message encode failed: %v", err)
		result.DurationMs = c.elapsedMs(start)
		return result
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(raw))
	if err != nil {
		result.Error = err.Error()
		result.DurationMs = c.elapsedMs(start)
		return result
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		result.Error = err.Error()
		result.DurationMs = c.elapsedMs(start)
		return result
	}
	defer resp.Body.Close()

	result.DurationMs = c.elapsedMs(start)
	if resp.StatusCode != http.StatusOK {
		result.Error = fmt.Sprintf("slack returned %s", resp.Status)
		return result
	}
	result.Success = true
	result.MessageID = payload.ID
	return result
}

// Test posts a minimal connectivity check message.
func (c *SlackChannel) Test(ctx context.Context) error {
	raw, _ := json.Marshal(slackMessage{Channel: c.slackChan, Text: "warden channel test"})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack unreachable: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook rejected test: %s", resp.Status)
	}
	return nil
}

func (c *SlackChannel) elapsedMs(start time.Time) float64 {
	return float64(c.clock().Sub(start)) / float64(time.Millisecond)
}

func severityEmoji(s violation.Severity) string {
	switch s {
	case violation.SeverityCritical:
		return ":rotating_light:"
	case violation.SeverityHigh:
		return ":warning:"
	case violation.SeverityMedium:
		return ":large_orange_diamond:"
	default:
		return ":information_source:"
	}
}
