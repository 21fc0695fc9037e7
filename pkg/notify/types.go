// Package notify delivers lifecycle notices to customers over SMS, e-mail
// and Telegram, with retry, a single fallback attempt, recipient rate
// limiting and an audit record as the last resort.
package notify

import (
	"context"
	"strconv"
)

// EventType identifies the notice being sent.
type EventType string

const (
	EventExpiryWarning EventType = "expiry_warning"
	EventExpired       EventType = "expired"
	EventQuotaWarning  EventType = "quota_warning"
	EventSuspended     EventType = "suspended"
	EventActivated     EventType = "activated"
	EventRenewed       EventType = "renewed"
)

// ChannelKind names a delivery channel.
type ChannelKind string

const (
	ChannelSMS     ChannelKind = "sms"
	ChannelEmail   ChannelKind = "email"
	ChannelMessage ChannelKind = "message"
)

// Recipient is who a notice goes to and how they can be reached.
type Recipient struct {
	CustomerID string
	Name       string
	Phone      string
	Email      string
	ChatID     int64
}

// Has reports whether the recipient has contact details for the channel.
func (r Recipient) Has(kind ChannelKind) bool {
	switch kind {
	case ChannelSMS:
		return r.Phone != ""
	case ChannelEmail:
		return r.Email != ""
	case ChannelMessage:
		return r.ChatID != 0
	default:
		return false
	}
}

// Key identifies the recipient for rate limiting.
func (r Recipient) Key() string {
	switch {
	case r.CustomerID != "":
		return "customer:" + r.CustomerID
	case r.Phone != "":
		return "phone:" + r.Phone
	case r.Email != "":
		return "email:" + r.Email
	default:
		return "chat:" + strconv.FormatInt(r.ChatID, 10)
	}
}

// Message is a rendered notice.
type Message struct {
	Subject string
	Body    string
}

// Channel delivers a message to a recipient.
type Channel interface {
	Kind() ChannelKind
	Send(ctx context.Context, r Recipient, msg Message) error
}

// Outcome is the overall delivery result.
type Outcome string

const (
	OutcomeDelivered   Outcome = "delivered"
	OutcomeFailed      Outcome = "failed"
	OutcomeRateLimited Outcome = "rate_limited"
)

// ChannelResult is the outcome of one channel.
type ChannelResult struct {
	Channel  ChannelKind
	Success  bool
	Attempts int
	Error    string
	Fallback bool
}

// DeliveryResult describes a Send call.
type DeliveryResult struct {
	Outcome  Outcome
	Channels []ChannelResult
	// Logged is true when the failure was written to the audit trail.
	Logged bool
}

// Delivered reports whether any channel delivered the notice.
func (d DeliveryResult) Delivered() bool {
	return d.Outcome == OutcomeDelivered
}
