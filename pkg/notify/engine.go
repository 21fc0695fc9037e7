package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/radsync/pkg/audit"
	"github.com/codelaboratoryltd/radsync/pkg/metrics"
	"github.com/codelaboratoryltd/radsync/pkg/retry"
)

// Auditor is the durable last-resort record of failed notices.
type Auditor interface {
	LogEvent(event *audit.Event)
}

// Config configures the engine.
type Config struct {
	// Retry applies to each primary channel.
	Retry retry.Policy `yaml:"retry"`

	// FallbackTimeout bounds the single fallback attempt.
	FallbackTimeout time.Duration `yaml:"fallback_timeout"`

	// Defaults lists the channels used per event when the caller names none.
	Defaults map[EventType][]ChannelKind `yaml:"defaults"`

	// Fallback is tried once when every primary channel failed.
	Fallback ChannelKind `yaml:"fallback"`

	// Disabled channels are never used even when registered.
	Disabled []ChannelKind `yaml:"disabled"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// Templates override the built-in notice texts per event.
	Templates map[EventType]TemplateText `yaml:"templates"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Retry: retry.Policy{
			MaxAttempts:  3,
			InitialDelay: 2 * time.Second,
			Backoff:      retry.BackoffExponential,
			MaxDelay:     30 * time.Second,
			Timeout:      15 * time.Second,
		},
		FallbackTimeout: 15 * time.Second,
		Defaults: map[EventType][]ChannelKind{
			EventExpiryWarning: {ChannelSMS, ChannelMessage},
			EventExpired:       {ChannelSMS, ChannelMessage},
			EventQuotaWarning:  {ChannelSMS, ChannelMessage},
			EventSuspended:     {ChannelSMS, ChannelMessage},
			EventActivated:     {ChannelMessage},
			EventRenewed:       {ChannelMessage},
		},
		Fallback:  ChannelEmail,
		RateLimit: DefaultRateLimitConfig(),
	}
}

// Engine delivers notices.
type Engine struct {
	config    Config
	channels  map[ChannelKind]Channel
	limiter   RateLimiter
	templates map[EventType]*messageTemplate
	auditor   Auditor
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewEngine creates an engine. A nil limiter gets an in-memory one.
func NewEngine(config Config, limiter RateLimiter, logger *zap.Logger, channels ...Channel) (*Engine, error) {
	if config.Retry.MaxAttempts < 1 {
		config.Retry = DefaultConfig().Retry
	}
	if err := config.Retry.Validate(); err != nil {
		return nil, fmt.Errorf("invalid notification retry policy: %w", err)
	}
	if config.Defaults == nil {
		config.Defaults = DefaultConfig().Defaults
	}
	if limiter == nil {
		limiter = NewMemoryRateLimiter(config.RateLimit)
	}

	texts := DefaultTemplates()
	for ev, t := range config.Templates {
		texts[ev] = t
	}
	templates, err := parseTemplates(texts)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		config:    config,
		channels:  make(map[ChannelKind]Channel),
		limiter:   limiter,
		templates: templates,
		logger:    logger,
	}
	for _, ch := range channels {
		if ch == nil || e.disabled(ch.Kind()) {
			continue
		}
		e.channels[ch.Kind()] = ch
	}
	return e, nil
}

// SetAuditor sets the audit trail.
func (e *Engine) SetAuditor(a Auditor) { e.auditor = a }

// SetMetrics sets the metrics sink.
func (e *Engine) SetMetrics(m *metrics.Metrics) { e.metrics = m }

// Send renders and delivers a notice. Channels default to the event's
// configured set and are filtered to those enabled and reachable for the
// recipient. Rate limiting is checked before any channel I/O.
func (e *Engine) Send(ctx context.Context, eventType EventType, r Recipient, data map[string]any, channels ...ChannelKind) DeliveryResult {
	log := e.logger.With(
		zap.String("event", string(eventType)),
		zap.String("recipient", r.Key()),
	)

	allowed, err := e.limiter.Allow(ctx, r.Key())
	if err != nil {
		log.Warn("Rate limiter unavailable, sending anyway", zap.Error(err))
		allowed = true
	}
	if !allowed {
		log.Info("Notification rate limited")
		e.metrics.RecordNotification("", string(OutcomeRateLimited))
		e.audit(audit.EventNotificationRateLimited, eventType, r, nil, "")
		return DeliveryResult{Outcome: OutcomeRateLimited}
	}

	msg, err := e.render(eventType, r, data)
	if err != nil {
		log.Error("Failed to render notification", zap.Error(err))
		res := DeliveryResult{Outcome: OutcomeFailed, Logged: true}
		e.audit(audit.EventNotificationFailed, eventType, r, nil, err.Error())
		return res
	}

	if len(channels) == 0 {
		channels = e.config.Defaults[eventType]
	}
	res := DeliveryResult{Outcome: OutcomeFailed}
	tried := make(map[ChannelKind]bool)

	for _, kind := range channels {
		if tried[kind] || !e.viable(kind, r) {
			continue
		}
		tried[kind] = true
		cr := e.deliver(ctx, kind, r, msg, e.config.Retry, false, log)
		res.Channels = append(res.Channels, cr)
		if cr.Success {
			res.Outcome = OutcomeDelivered
		}
	}

	if res.Outcome != OutcomeDelivered {
		fb := e.config.Fallback
		if fb != "" && !tried[fb] && e.viable(fb, r) {
			cr := e.deliver(ctx, fb, r, msg, retry.Once(e.config.FallbackTimeout), true, log)
			res.Channels = append(res.Channels, cr)
			if cr.Success {
				res.Outcome = OutcomeDelivered
			}
		}
	}

	if res.Outcome == OutcomeDelivered {
		e.audit(audit.EventNotificationSent, eventType, r, res.Channels, "")
		return res
	}

	reason := "no viable channel"
	if len(res.Channels) > 0 {
		reason = res.Channels[len(res.Channels)-1].Error
	}
	log.Error("Notification not delivered",
		zap.Int("channels_tried", len(res.Channels)),
		zap.String("last_error", reason),
		zap.String("subject", msg.Subject),
	)
	e.audit(audit.EventNotificationFailed, eventType, r, res.Channels, reason)
	res.Logged = e.auditor != nil
	return res
}

func (e *Engine) deliver(ctx context.Context, kind ChannelKind, r Recipient, msg Message, policy retry.Policy, fallback bool, log *zap.Logger) ChannelResult {
	ch := e.channels[kind]
	attempts, err := retry.Do(ctx, policy, func(ctx context.Context) error {
		return ch.Send(ctx, r, msg)
	}, func(a retry.Attempt, next time.Duration) {
		log.Warn("Notification attempt failed",
			zap.String("channel", string(kind)),
			zap.Int("attempt", a.Number),
			zap.Duration("retry_in", next),
			zap.Error(a.Err),
		)
	})

	cr := ChannelResult{Channel: kind, Success: err == nil, Attempts: len(attempts), Fallback: fallback}
	outcome := string(OutcomeDelivered)
	if err != nil {
		cr.Error = err.Error()
		outcome = string(OutcomeFailed)
	}
	e.metrics.RecordNotification(string(kind), outcome)
	if cr.Success {
		log.Info("Notification delivered",
			zap.String("channel", string(kind)),
			zap.Int("attempts", cr.Attempts),
			zap.Bool("fallback", fallback),
		)
	}
	return cr
}

func (e *Engine) render(eventType EventType, r Recipient, data map[string]any) (Message, error) {
	t, ok := e.templates[eventType]
	if !ok {
		return Message{}, fmt.Errorf("no template for event %s", eventType)
	}
	merged := make(map[string]any, len(data)+1)
	merged["Name"] = r.Name
	for k, v := range data {
		merged[k] = v
	}
	return t.render(merged)
}

func (e *Engine) viable(kind ChannelKind, r Recipient) bool {
	_, ok := e.channels[kind]
	return ok && r.Has(kind)
}

func (e *Engine) disabled(kind ChannelKind) bool {
	for _, d := range e.config.Disabled {
		if d == kind {
			return true
		}
	}
	return false
}

func (e *Engine) audit(eventType audit.EventType, ev EventType, r Recipient, results []ChannelResult, reason string) {
	if e.auditor == nil {
		return
	}
	attempts := 0
	names := make([]string, 0, len(results))
	for _, cr := range results {
		attempts += cr.Attempts
		names = append(names, string(cr.Channel))
	}
	e.auditor.LogEvent(&audit.Event{
		Type:         eventType,
		CustomerID:   r.CustomerID,
		Channel:      strings.Join(names, ","),
		Attempts:     attempts,
		ErrorMessage: reason,
		Metadata:     map[string]string{"notice": string(ev)},
	})
}
