package alert

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/pkg/violation"
)

// fakeChannel records sends and returns a canned result.
type fakeChannel struct {
	cfg  ChannelConfig
	fail bool

	mu    sync.Mutex
	sends []*Payload
}

func (f *fakeChannel) Config() ChannelConfig { return f.cfg }

func (f *fakeChannel) Send(_ context.Context, payload *Payload) *SendResult {
	f.mu.Lock()
	f.sends = append(f.sends, payload)
	f.mu.Unlock()
	if f.fail {
		return &SendResult{Error: "boom", DurationMs: 1}
	}
	return &SendResult{Success: true, MessageID: payload.ID, DurationMs: 1}
}

func (f *fakeChannel) Test(context.Context) error { return nil }

func (f *fakeChannel) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func highViolation(tenant string) *violation.Violation {
	return &violation.Violation{
		ID:       "v-1",
		TenantID: tenant,
		Type:     violation.TypePolicyDenied,
		Severity: violation.SeverityHigh,
		Status:   violation.StatusDetected,
		Actor:    violation.Actor{Type: "agent", ID: "agent-1"},
		Resource: violation.Resource{Type: "repo", ID: "acme/api"},
		Action:   violation.ActionRef{Type: "scm.push"},
		Summary:  "push to main denied",
	}
}

func TestDispatcher_GatesBySeverityAndType(t *testing.T) {
	eligible := &fakeChannel{cfg: ChannelConfig{
		Name: "sec-slack", Type: ChannelSlack, Enabled: true,
		MinSeverity: violation.SeverityMedium,
	}}
	tooStrict := &fakeChannel{cfg: ChannelConfig{
		Name: "page-oncall", Type: ChannelWebhook, Enabled: true,
		MinSeverity: violation.SeverityCritical,
	}}
	wrongType := &fakeChannel{cfg: ChannelConfig{
		Name: "anomaly-mail", Type: ChannelEmail, Enabled: true,
		ViolationTypes: []violation.Type{violation.TypeAnomalyDetected},
	}}
	disabled := &fakeChannel{cfg: ChannelConfig{Name: "old", Type: ChannelWebhook}}

	d := NewDispatcher([]Channel{eligible, tooStrict, wrongType, disabled}, nil, DispatcherConfig{})
	result := d.Dispatch(context.Background(), highViolation("t1"))

	assert.Equal(t, 1, result.ChannelsAttempted)
	assert.Equal(t, 1, result.ChannelsSucceeded)
	assert.Equal(t, 0, result.ChannelsRateLimited)
	assert.Equal(t, 1, eligible.sendCount())
	assert.Equal(t, 0, tooStrict.sendCount())
	assert.Equal(t, 0, wrongType.sendCount())
	assert.Equal(t, 0, disabled.sendCount())

	require.Len(t, result.Results, 4)
	assert.False(t, result.Results[0].Skipped)
	assert.True(t, result.Results[1].Skipped)
	assert.True(t, result.Results[2].Skipped)
	assert.True(t, result.Results[3].Skipped)
}

func TestDispatcher_RateLimiting(t *testing.T) {
	ch := &fakeChannel{cfg: ChannelConfig{
		Name: "slack", Type: ChannelSlack, Enabled: true,
		RateLimit: RateLimitConfig{MaxAlerts: 2, WindowMs: 60_000},
	}}

	var limited []string
	d := NewDispatcher([]Channel{ch}, NewFixedWindowLimiter(), DispatcherConfig{
		OnRateLimited: func(channel, tenantID string, _ *Payload) {
			limited = append(limited, channel+"|"+tenantID)
		},
	})

	v := highViolation("t1")
	for i := 0; i < 2; i++ {
		result := d.Dispatch(context.Background(), v)
		assert.Equal(t, 1, result.ChannelsSucceeded, "dispatch %d", i)
	}

	result := d.Dispatch(context.Background(), v)
	assert.Equal(t, 1, result.ChannelsAttempted)
	assert.Equal(t, 0, result.ChannelsSucceeded)
	assert.Equal(t, 1, result.ChannelsRateLimited)
	assert.True(t, result.Results[0].RateLimited)
	assert.Equal(t, []string{"slack|t1"}, limited)
	assert.Equal(t, 2, ch.sendCount())

	// Other tenants are unaffected.
	result = d.Dispatch(context.Background(), highViolation("t2"))
	assert.Equal(t, 1, result.ChannelsSucceeded)
}

func TestDispatcher_FailuresDoNotFailDispatch(t *testing.T) {
	good := &fakeChannel{cfg: ChannelConfig{Name: "good", Type: ChannelWebhook, Enabled: true}}
	bad := &fakeChannel{cfg: ChannelConfig{Name: "bad", Type: ChannelWebhook, Enabled: true}, fail: true}

	var dispatched []string
	d := NewDispatcher([]Channel{good, bad}, nil, DispatcherConfig{
		OnAlertDispatched: func(channel string, _ *Payload, result *SendResult) {
			dispatched = append(dispatched, channel)
		},
	})
	result := d.Dispatch(context.Background(), highViolation("t1"))

	assert.Equal(t, 2, result.ChannelsAttempted)
	assert.Equal(t, 1, result.ChannelsSucceeded)
	assert.ElementsMatch(t, []string{"good", "bad"}, dispatched)

	for _, r := range result.Results {
		if r.Channel == "bad" {
			require.NotNil(t, r.Send)
			assert.Equal(t, "boom", r.Send.Error)
		}
	}
}

func TestDispatcher_PayloadShape(t *testing.T) {
	ch := &fakeChannel{cfg: ChannelConfig{Name: "hook", Type: ChannelWebhook, Enabled: true}}
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	d := NewDispatcher([]Channel{ch}, nil, DispatcherConfig{
		DetailsURLTemplate: "https://warden.example.com/violations/%s",
	}, WithClock(func() time.Time { return now }))

	d.Dispatch(context.Background(), highViolation("t1"))
	require.Equal(t, 1, ch.sendCount())

	payload := ch.sends[0]
	assert.NotEmpty(t, payload.ID)
	assert.Equal(t, violation.SeverityHigh, payload.Priority)
	assert.Contains(t, payload.Title, "policy-denied")
	assert.Equal(t, "https://warden.example.com/violations/v-1", payload.DetailsURL)
	assert.Equal(t, now, payload.Timestamp)
}

func TestWebhookChannel_SendAndSign(t *testing.T) {
	var gotSignature string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSignature = r.Header.Get("X-Warden-Signature")
		gotBody = make([]byte, r.ContentLength)
		r.Body.Read(gotBody)
		w.Header().Set("X-Request-Id", "req-42")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ch := NewWebhookChannel(
		ChannelConfig{Name: "hook", Enabled: true},
		server.URL,
		WithWebhookSecret([]byte("shared")),
	)
	result := ch.Send(context.Background(), &Payload{
		ID:        "p1",
		Violation: highViolation("t1"),
		Priority:  violation.SeverityHigh,
		Title:     "t",
		Summary:   "s",
	})

	assert.True(t, result.Success)
	assert.Equal(t, "req-42", result.MessageID)
	assert.Equal(t, signBody([]byte("shared"), gotBody), gotSignature)

	var decoded Payload
	require.NoError(t, json.Unmarshal(gotBody, &decoded))
	assert.Equal(t, "p1", decoded.ID)
}

func TestWebhookChannel_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	ch := NewWebhookChannel(ChannelConfig{Name: "hook", Enabled: true}, server.URL)
	result := ch.Send(context.Background(), &Payload{ID: "p1", Violation: highViolation("t1")})
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "502")
}

func TestSlackChannel_CriticalMentions(t *testing.T) {
	var got slackMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ch := NewSlackChannel(
		ChannelConfig{Name: "sec", Enabled: true},
		server.URL, "#security",
		WithSlackMentions("U123", "here"),
	)

	v := highViolation("t1")
	v.Severity = violation.SeverityCritical
	result := ch.Send(context.Background(), &Payload{
		ID: "p1", Violation: v, Priority: violation.SeverityCritical,
		Title: "critical bypass", Summary: "merge without approval",
	})
	require.True(t, result.Success)
	assert.Equal(t, "#security", got.Channel)
	assert.Contains(t, got.Text, "<@U123>")
	assert.Contains(t, got.Text, "<@here>")

	// Non-critical payloads carry no mentions.
	result = ch.Send(context.Background(), &Payload{
		ID: "p2", Violation: highViolation("t1"), Priority: violation.SeverityHigh,
		Title: "plain", Summary: "s",
	})
	require.True(t, result.Success)
	assert.NotContains(t, got.Text, "<@")
}

func TestEmailChannel_Send(t *testing.T) {
	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte
	ch := NewEmailChannel(
		ChannelConfig{Name: "mail", Enabled: true},
		EmailConfig{Host: "smtp.example.com", Port: 587, From: "warden@example.com", To: []string{"sec@example.com"}},
		WithSendFunc(func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
			gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
			return nil
		}),
	)

	result := ch.Send(context.Background(), &Payload{
		ID: "p1", Violation: highViolation("t1"), Priority: violation.SeverityHigh,
		Title: "denied push", Summary: "push to main denied",
	})
	require.True(t, result.Success)
	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.Equal(t, "warden@example.com", gotFrom)
	assert.Equal(t, []string{"sec@example.com"}, gotTo)
	assert.Contains(t, string(gotMsg), "Subject: [warden][HIGH] denied push")
	assert.Contains(t, string(gotMsg), "Actor:    agent-1")
}

func TestEmailChannel_SendFailure(t *testing.T) {
	ch := NewEmailChannel(
		ChannelConfig{Name: "mail", Enabled: true},
		EmailConfig{Host: "smtp.example.com", Port: 587, From: "a@b", To: []string{"c@d"}},
		WithSendFunc(func(string, smtp.Auth, string, []string, []byte) error {
			return errors.New("relay refused")
		}),
	)
	result := ch.Send(context.Background(), &Payload{
		ID: "p1", Violation: highViolation("t1"), Title: "t", Summary: "s",
	})
	assert.False(t, result.Success)
	assert.Equal(t, "relay refused", result.Error)
}
