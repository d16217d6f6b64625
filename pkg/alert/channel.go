// Package alert fans violation notifications out to configured channels
// (email, slack, webhook) behind per-channel, per-tenant rate limits.
package alert

import (
	"context"
	"time"

	"github.com/wardenhq/warden/pkg/violation"
)

// ChannelType names a channel implementation.
type ChannelType string

const (
	ChannelEmail   ChannelType = "email"
	ChannelSlack   ChannelType = "slack"
	ChannelWebhook ChannelType = "webhook"
)

// ChannelConfig is the common per-channel configuration.
type ChannelConfig struct {
	Type        ChannelType          `json:"type" yaml:"type"`
	Name        string               `json:"name" yaml:"name"`
	Enabled     bool                 `json:"enabled" yaml:"enabled"`
	MinSeverity violation.Severity   `json:"minSeverity" yaml:"minSeverity"`
	// ViolationTypes restricts the channel to the listed types. Empty
	// means all types.
	ViolationTypes []violation.Type `json:"violationTypes,omitempty" yaml:"violationTypes,omitempty"`
	// RateLimit bounds alerts per (channel, tenant). Zero values disable
	// limiting for the channel.
	RateLimit RateLimitConfig `json:"rateLimit" yaml:"rateLimit"`
}

// RateLimitConfig is a fixed window budget.
type RateLimitConfig struct {
	MaxAlerts int   `json:"maxAlerts" yaml:"maxAlerts"`
	WindowMs  int64 `json:"windowMs" yaml:"windowMs"`
}

// ShouldAlert applies the config gates: enabled, severity floor, type list.
func (c ChannelConfig) ShouldAlert(v *violation.Violation) bool {
	if !c.Enabled {
		return false
	}
	if c.MinSeverity != "" && !v.Severity.AtLeast(c.MinSeverity) {
		return false
	}
	if len(c.ViolationTypes) > 0 {
		for _, t := range c.ViolationTypes {
			if t == v.Type {
				return true
			}
		}
		return false
	}
	return true
}

// Payload is what a channel delivers.
type Payload struct {
	ID         string               `json:"id"`
	Violation  *violation.Violation `json:"violation"`
	Priority   violation.Severity   `json:"priority"`
	Title      string               `json:"title"`
	Summary    string               `json:"summary"`
	DetailsURL string               `json:"detailsUrl,omitempty"`
	Timestamp  time.Time            `json:"timestamp"`
}

// SendResult reports one delivery attempt. Channels never retry; the caller
// decides.
type SendResult struct {
	Success    bool    `json:"success"`
	MessageID  string  `json:"messageId,omitempty"`
	Error      string  `json:"error,omitempty"`
	DurationMs float64 `json:"durationMs"`
}

// Channel is one alert sink.
type Channel interface {
	Config() ChannelConfig
	Send(ctx context.Context, payload *Payload) *SendResult
	// Test verifies the channel is reachable with its current config.
	Test(ctx context.Context) error
}
