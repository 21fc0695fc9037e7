package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/radsync/pkg/audit"
	"github.com/codelaboratoryltd/radsync/pkg/retry"
)

// fakeChannel fails the first failures sends (all when failures < 0).
type fakeChannel struct {
	kind     ChannelKind
	failures int

	mu   sync.Mutex
	sent []Message
	n    int
}

func (f *fakeChannel) Kind() ChannelKind { return f.kind }

func (f *fakeChannel) Send(ctx context.Context, r Recipient, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	if f.failures < 0 || f.n <= f.failures {
		return errors.New(string(f.kind) + " down")
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeChannel) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

type recordingAuditor struct {
	mu     sync.Mutex
	events []*audit.Event
}

func (r *recordingAuditor) LogEvent(event *audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingAuditor) types() []audit.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]audit.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

var alice = Recipient{CustomerID: "c1", Name: "Alice", Phone: "15550100", Email: "alice@example.com", ChatID: 42}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Retry = retry.Policy{MaxAttempts: 3, Backoff: retry.BackoffConstant, Timeout: time.Second}
	cfg.FallbackTimeout = time.Second
	cfg.RateLimit = RateLimitConfig{}
	return cfg
}

func newTestEngine(t *testing.T, cfg Config, channels ...Channel) (*Engine, *recordingAuditor) {
	t.Helper()
	e, err := NewEngine(cfg, nil, zap.NewNop(), channels...)
	require.NoError(t, err)
	a := &recordingAuditor{}
	e.SetAuditor(a)
	return e, a
}

func TestSend_PrimaryDelivers(t *testing.T) {
	sms := &fakeChannel{kind: ChannelSMS}
	msg := &fakeChannel{kind: ChannelMessage}
	email := &fakeChannel{kind: ChannelEmail}
	e, a := newTestEngine(t, testConfig(), sms, msg, email)

	res := e.Send(context.Background(), EventExpiryWarning, alice, map[string]any{
		"Package": "Daily 1GB", "ExpiresAt": "2024-01-02 00:00 UTC",
	})

	assert.True(t, res.Delivered())
	require.Len(t, res.Channels, 2, "sms and message are the defaults")
	assert.Equal(t, 0, email.calls())
	require.Len(t, sms.sent, 1)
	assert.Equal(t, "Hi Alice, your Daily 1GB plan expires on 2024-01-02 00:00 UTC. Renew to stay connected.", sms.sent[0].Body)
	assert.Equal(t, "Your Daily 1GB plan expires soon", sms.sent[0].Subject)
	assert.Equal(t, []audit.EventType{audit.EventNotificationSent}, a.types())
}

func TestSend_FallbackAttemptedExactlyOnce(t *testing.T) {
	sms := &fakeChannel{kind: ChannelSMS, failures: -1}
	email := &fakeChannel{kind: ChannelEmail, failures: -1}
	e, a := newTestEngine(t, testConfig(), sms, email)

	res := e.Send(context.Background(), EventExpired, alice, nil, ChannelSMS)

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, 3, sms.calls(), "primary retried up to the policy")
	assert.Equal(t, 1, email.calls(), "fallback tried once")
	require.Len(t, res.Channels, 2)
	assert.True(t, res.Channels[1].Fallback)
	assert.True(t, res.Logged)

	require.Len(t, a.events, 1)
	assert.Equal(t, audit.EventNotificationFailed, a.events[0].Type)
	assert.Equal(t, 4, a.events[0].Attempts)
	assert.Equal(t, "sms,email", a.events[0].Channel)
}

func TestSend_FallbackDelivers(t *testing.T) {
	sms := &fakeChannel{kind: ChannelSMS, failures: -1}
	email := &fakeChannel{kind: ChannelEmail}
	e, _ := newTestEngine(t, testConfig(), sms, email)

	res := e.Send(context.Background(), EventExpired, alice, nil, ChannelSMS)

	assert.True(t, res.Delivered())
	assert.True(t, res.Channels[len(res.Channels)-1].Success)
	assert.True(t, res.Channels[len(res.Channels)-1].Fallback)
}

func TestSend_RetriesThenSucceeds(t *testing.T) {
	sms := &fakeChannel{kind: ChannelSMS, failures: 2}
	email := &fakeChannel{kind: ChannelEmail}
	e, _ := newTestEngine(t, testConfig(), sms, email)

	res := e.Send(context.Background(), EventExpired, alice, nil, ChannelSMS)

	assert.True(t, res.Delivered())
	assert.Equal(t, 3, res.Channels[0].Attempts)
	assert.Equal(t, 0, email.calls())
}

func TestSend_FiltersUnreachableChannels(t *testing.T) {
	sms := &fakeChannel{kind: ChannelSMS}
	msg := &fakeChannel{kind: ChannelMessage}
	email := &fakeChannel{kind: ChannelEmail}
	e, _ := newTestEngine(t, testConfig(), sms, msg, email)

	emailOnly := Recipient{CustomerID: "c2", Email: "bob@example.com"}
	res := e.Send(context.Background(), EventSuspended, emailOnly, map[string]any{"Reason": "Data limit exceeded"})

	assert.True(t, res.Delivered())
	assert.Equal(t, 0, sms.calls())
	assert.Equal(t, 0, msg.calls())
	require.Len(t, email.sent, 1)
	assert.Contains(t, email.sent[0].Body, "Data limit exceeded")
}

func TestSend_DisabledChannel(t *testing.T) {
	cfg := testConfig()
	cfg.Disabled = []ChannelKind{ChannelSMS}
	sms := &fakeChannel{kind: ChannelSMS}
	msg := &fakeChannel{kind: ChannelMessage}
	e, _ := newTestEngine(t, cfg, sms, msg)

	res := e.Send(context.Background(), EventExpired, alice, nil)

	assert.True(t, res.Delivered())
	assert.Equal(t, 0, sms.calls())
	assert.Equal(t, 1, msg.calls())
}

func TestSend_NoViableChannelIsLogged(t *testing.T) {
	e, a := newTestEngine(t, testConfig(), &fakeChannel{kind: ChannelSMS})

	res := e.Send(context.Background(), EventExpired, Recipient{CustomerID: "c3"}, nil)

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Empty(t, res.Channels)
	assert.True(t, res.Logged)
	require.Len(t, a.events, 1)
	assert.Equal(t, "no viable channel", a.events[0].ErrorMessage)
}

func TestSend_RateLimitedBeforeChannelIO(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = RateLimitConfig{PerMinute: 1}
	sms := &fakeChannel{kind: ChannelSMS}
	e, a := newTestEngine(t, cfg, sms)

	first := e.Send(context.Background(), EventExpired, alice, nil, ChannelSMS)
	second := e.Send(context.Background(), EventExpired, alice, nil, ChannelSMS)

	assert.True(t, first.Delivered())
	assert.Equal(t, OutcomeRateLimited, second.Outcome)
	assert.Empty(t, second.Channels)
	assert.Equal(t, 1, sms.calls())
	assert.Contains(t, a.types(), audit.EventNotificationRateLimited)
}

func TestSend_FallbackNotRepeatedWhenPrimary(t *testing.T) {
	email := &fakeChannel{kind: ChannelEmail, failures: -1}
	e, _ := newTestEngine(t, testConfig(), email)

	res := e.Send(context.Background(), EventExpired, alice, nil, ChannelEmail)

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, 3, email.calls())
	assert.Len(t, res.Channels, 1)
}

func TestNewEngine_TemplateOverride(t *testing.T) {
	cfg := testConfig()
	cfg.Templates = map[EventType]TemplateText{
		EventExpired: {Subject: "Expired", Body: "{{.Name}}: {{.Package}} is over"},
	}
	sms := &fakeChannel{kind: ChannelSMS}
	e, _ := newTestEngine(t, cfg, sms)

	e.Send(context.Background(), EventExpired, alice, map[string]any{"Package": "Weekly"}, ChannelSMS)
	require.Len(t, sms.sent, 1)
	assert.Equal(t, "Alice: Weekly is over", sms.sent[0].Body)

	cfg.Templates = map[EventType]TemplateText{EventExpired: {Body: "{{.Name"}}
	_, err := NewEngine(cfg, nil, zap.NewNop())
	assert.Error(t, err)
}
