package alert

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"
)

// EmailConfig targets an SMTP relay.
type EmailConfig struct {
	Host     string   `json:"host" yaml:"host"`
	Port     int      `json:"port" yaml:"port"`
	Username string   `json:"username" yaml:"username"`
	Password string   `json:"password" yaml:"password"`
	From     string   `json:"from" yaml:"from"`
	To       []string `json:"to" yaml:"to"`
}

// EmailChannel delivers alerts over SMTP.
type EmailChannel struct {
	cfg   ChannelConfig
	email EmailConfig
	send  func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
	clock func() time.Time
}

// EmailOption configures an EmailChannel.
type EmailOption func(*EmailChannel)

// WithSendFunc overrides the SMTP send function, for tests.
func WithSendFunc(send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error) EmailOption {
	return func(c *EmailChannel) { c.send = send }
}

// WithEmailClock overrides the clock, for deterministic tests.
func WithEmailClock(clock func() time.Time) EmailOption {
	return func(c *EmailChannel) { c.clock = clock }
}

// NewEmailChannel creates an email channel.
func NewEmailChannel(cfg ChannelConfig, email EmailConfig, opts ...EmailOption) *EmailChannel {
	cfg.Type = ChannelEmail
	c := &EmailChannel{
		cfg:   cfg,
		email: email,
		send:  smtp.SendMail,
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config returns the channel configuration.
func (c *EmailChannel) Config() ChannelConfig { return c.cfg }

// Send delivers the alert as a plain-text message.
func (c *EmailChannel) Send(_ context.Context, payload *Payload) *SendResult {
	start := c.clock()
	result := &SendResult{}

	subject := fmt.Sprintf("[warden][%s] %s", strings.ToUpper(string(payload.Priority)), payload.Title)
	var body strings.Builder
	fmt.Fprintf(&body, "From: %s\r\n", c.email.From)
	fmt.Fprintf(&body, "To: %s\r\n", strings.Join(c.email.To, ", "))
	fmt.Fprintf(&body, "Subject: %s\r\n\r\n", subject)
	fmt.Fprintf(&body, "%s\n\n", payload.Summary)
	fmt.Fprintf(&body, "Tenant:   %s\n", payload.Violation.TenantID)
	fmt.Fprintf(&body, "Type:     %s\n", payload.Violation.Type)
	fmt.Fprintf(&body, "Actor:    %s\n", payload.Violation.Actor.ID)
	fmt.Fprintf(&body, "Resource: %s\n", payload.Violation.Resource.ID)
	fmt.Fprintf(&body, "Detected: %s\n", payload.Violation.DetectedAt.Format(time.RFC3339))
	if payload.DetailsURL != "" {
		fmt.Fprintf(&body, "Details:  %s\n", payload.DetailsURL)
	}

	addr := net.JoinHostPort(c.email.Host, fmt.Sprintf("%d", c.email.Port))
	var auth smtp.Auth
	if c.email.Username != "" {
		auth = smtp.PlainAuth("", c.email.Username, c.email.Password, c.email.Host)
	}
	err := c.send(addr, auth, c.email.From, c.email.To, []byte(body.String()))
	result.DurationMs = float64(c.clock().Sub(start)) / float64(time.Millisecond)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Success = true
	result.MessageID = payload.ID
	return result
}

// Test dials the relay without sending.
func (c *EmailChannel) Test(_ context.Context) error {
	addr := net.JoinHostPort(c.email.Host, fmt.Sprintf("%d", c.email.Port))
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return fmt.Errorf("smtp relay unreachable: %w", err)
	}
	return conn.Close()
}
