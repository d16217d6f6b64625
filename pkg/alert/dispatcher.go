package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/wardenhq/warden/pkg/violation"
)

// Dispatcher defaults.
const (
	DefaultSendTimeout   = 10 * time.Second
	DefaultMaxConcurrent = 4
)

// ChannelResult is one channel's outcome within a dispatch.
type ChannelResult struct {
	Channel     string      `json:"channel"`
	Type        ChannelType `json:"type"`
	Skipped     bool        `json:"skipped"`
	RateLimited bool        `json:"rateLimited"`
	Send        *SendResult `json:"send,omitempty"`
}

// DispatchResult aggregates a dispatch across all channels.
type DispatchResult struct {
	ChannelsAttempted   int             `json:"channelsAttempted"`
	ChannelsSucceeded   int             `json:"channelsSucceeded"`
	ChannelsRateLimited int             `json:"channelsRateLimited"`
	Results             []ChannelResult `json:"results"`
}

// DispatcherConfig tunes a Dispatcher.
type DispatcherConfig struct {
	SendTimeout   time.Duration
	MaxConcurrent int
	// GlobalRate paces deliveries across all channels; zero disables pacing.
	GlobalRate rate.Limit
	GlobalBurst int

	// DetailsURLTemplate formats the payload link; %s receives the
	// violation id.
	DetailsURLTemplate string

	OnAlertDispatched func(channel string, payload *Payload, result *SendResult)
	OnRateLimited     func(channel, tenantID string, payload *Payload)
}

// Dispatcher fans a violation out to every eligible channel.
type Dispatcher struct {
	cfg      DispatcherConfig
	channels []Channel
	limiter  Limiter
	pacer    *rate.Limiter
	log      *slog.Logger
	clock    func() time.Time
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets the dispatcher's logger.
func WithLogger(log *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.log = log }
}

// WithClock overrides the dispatcher clock, for deterministic tests.
func WithClock(clock func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.clock = clock }
}

// NewDispatcher creates a dispatcher over channels. limiter may be nil, which
// disables rate limiting.
func NewDispatcher(channels []Channel, limiter Limiter, cfg DispatcherConfig, opts ...DispatcherOption) *Dispatcher {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	d := &Dispatcher{
		cfg:      cfg,
		channels: channels,
		limiter:  limiter,
		log:      slog.Default(),
		clock:    time.Now,
	}
	if cfg.GlobalRate > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = 1
		}
		d.pacer = rate.NewLimiter(cfg.GlobalRate, burst)
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch sends v to every channel whose gates pass. Channel failures never
// fail the dispatch; they are captured in the per-channel results.
func (d *Dispatcher) Dispatch(ctx context.Context, v *violation.Violation) *DispatchResult {
	payload := d.buildPayload(v)

	type indexed struct {
		idx int
		res ChannelResult
	}
	out := make(chan indexed, len(d.channels))
	sem := make(chan struct{}, d.cfg.MaxConcurrent)
	var wg sync.WaitGroup

	attempted := 0
	for i, ch := range d.channels {
		cfg := ch.Config()
		if !cfg.ShouldAlert(v) {
			out <- indexed{i, ChannelResult{Channel: cfg.Name, Type: cfg.Type, Skipped: true}}
			continue
		}
		attempted++

		wg.Add(1)
		go func(idx int, ch Channel, cfg ChannelConfig) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			out <- indexed{idx, d.dispatchOne(ctx, ch, cfg, v, payload)}
		}(i, ch, cfg)
	}
	wg.Wait()
	close(out)

	result := &DispatchResult{
		ChannelsAttempted: attempted,
		Results:           make([]ChannelResult, len(d.channels)),
	}
	for ix := range out {
		result.Results[ix.idx] = ix.res
		if ix.res.RateLimited {
			result.ChannelsRateLimited++
		}
		if ix.res.Send != nil && ix.res.Send.Success {
			result.ChannelsSucceeded++
		}
	}
	return result
}

func (d *Dispatcher) dispatchOne(ctx context.Context, ch Channel, cfg ChannelConfig, v *violation.Violation, payload *Payload) ChannelResult {
	result := ChannelResult{Channel: cfg.Name, Type: cfg.Type}

	if d.limiter != nil {
		key := cfg.Name + "|" + v.TenantID
		allowed, err := d.limiter.Allow(ctx, key, cfg.RateLimit)
		if err != nil {
			d.log.Warn("alert rate limiter failed; allowing send",
				"channel", cfg.Name, "error", err)
		} else if !allowed {
			result.RateLimited = true
			d.log.Info("alert rate limited", "channel", cfg.Name, "tenant", v.TenantID)
			if d.cfg.OnRateLimited != nil {
				d.cfg.OnRateLimited(cfg.Name, v.TenantID, payload)
			}
			return result
		}
	}

	if d.pacer != nil {
		if err := d.pacer.Wait(ctx); err != nil {
			result.Send = &SendResult{Error: fmt.Sprintf("dispatch cancelled: %v", err)}
			return result
		}
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()
	result.Send = ch.Send(sendCtx, payload)
	if !result.Send.Success {
		d.log.Warn("alert delivery failed",
			"channel", cfg.Name, "tenant", v.TenantID, "error", result.Send.Error)
	}
	if d.cfg.OnAlertDispatched != nil {
		d.cfg.OnAlertDispatched(cfg.Name, payload, result.Send)
	}
	return result
}

func (d *Dispatcher) buildPayload(v *violation.Violation) *Payload {
	payload := &Payload{
		ID:        uuid.New().String(),
		Violation: v,
		Priority:  v.Severity,
		Title:     fmt.Sprintf("%s violation by %s", v.Type, v.Actor.ID),
		Summary:   v.Summary,
		Timestamp: d.clock(),
	}
	if d.cfg.DetailsURLTemplate != "" {
		payload.DetailsURL = fmt.Sprintf(d.cfg.DetailsURLTemplate, v.ID)
	}
	return payload
}
