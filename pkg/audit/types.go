package audit

import (
	"time"
)

// EventType represents the type of audit event.
type EventType string

const (
	// Subscription lifecycle events
	EventSubscriptionCreated   EventType = "SUBSCRIPTION_CREATED"
	EventSubscriptionActivated EventType = "SUBSCRIPTION_ACTIVATED"
	EventSubscriptionSuspended EventType = "SUBSCRIPTION_SUSPENDED"
	EventSubscriptionBlocked   EventType = "SUBSCRIPTION_BLOCKED"
	EventSubscriptionUnblocked EventType = "SUBSCRIPTION_UNBLOCKED"
	EventSubscriptionExpired   EventType = "SUBSCRIPTION_EXPIRED"
	EventSubscriptionRenewed   EventType = "SUBSCRIPTION_RENEWED"
	EventSubscriptionCancelled EventType = "SUBSCRIPTION_CANCELLED"
	EventExpiryOverridden      EventType = "EXPIRY_OVERRIDDEN"

	// RADIUS attribute events
	EventAccessProvisioned   EventType = "ACCESS_PROVISIONED"
	EventAccessDeprovisioned EventType = "ACCESS_DEPROVISIONED"
	EventAccessRevoked       EventType = "ACCESS_REVOKED"
	EventPackageGroupSynced  EventType = "PACKAGE_GROUP_SYNCED"

	// Quota events
	EventQuotaWarning  EventType = "QUOTA_WARNING"
	EventQuotaExceeded EventType = "QUOTA_EXCEEDED"

	// Session termination events
	EventDisconnectSuccess EventType = "DISCONNECT_SUCCESS"
	EventDisconnectFailure EventType = "DISCONNECT_FAILURE"

	// Notification events
	EventNotificationSent        EventType = "NOTIFICATION_SENT"
	EventNotificationFailed      EventType = "NOTIFICATION_FAILED"
	EventNotificationRateLimited EventType = "NOTIFICATION_RATE_LIMITED"

	// Admin events
	EventAdminAction EventType = "ADMIN_ACTION"

	// System events
	EventSystemStart EventType = "SYSTEM_START"
	EventSystemStop  EventType = "SYSTEM_STOP"
	EventSystemError EventType = "SYSTEM_ERROR"
)

// Event represents a single audit event.
type Event struct {
	// Core fields
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	InstanceID string    `json:"instance_id"`

	// Subject identification
	SubscriptionID string `json:"subscription_id,omitempty"`
	CustomerID     string `json:"customer_id,omitempty"`
	Username       string `json:"username,omitempty"`
	PackageID      string `json:"package_id,omitempty"`

	// Lifecycle context
	FromStatus string `json:"from_status,omitempty"`
	ToStatus   string `json:"to_status,omitempty"`
	Reason     string `json:"reason,omitempty"`

	// Session context
	SessionID  string `json:"session_id,omitempty"`
	NASAddress string `json:"nas_address,omitempty"`
	Channel    string `json:"channel,omitempty"`
	Attempts   int    `json:"attempts,omitempty"`

	// Usage context
	BytesUsed  int64 `json:"bytes_used,omitempty"`
	BytesLimit int64 `json:"bytes_limit,omitempty"`

	// Error context
	ErrorMessage string `json:"error_message,omitempty"`

	// Admin context
	Actor string `json:"actor,omitempty"`

	// Additional metadata
	Metadata map[string]string `json:"metadata,omitempty"`

	// Retention
	RetentionDays int       `json:"retention_days,omitempty"`
	ExpiresAt     time.Time `json:"expires_at,omitempty"`
}

// Severity represents the severity of an event for filtering/alerting.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityNotice
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "DEBUG"
	case SeverityInfo:
		return "INFO"
	case SeverityNotice:
		return "NOTICE"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// GetSeverity returns the severity for an event type.
func (e EventType) GetSeverity() Severity {
	switch e {
	case EventSubscriptionSuspended, EventSubscriptionBlocked, EventQuotaWarning,
		EventNotificationRateLimited, EventExpiryOverridden:
		return SeverityNotice
	case EventQuotaExceeded, EventDisconnectFailure:
		return SeverityWarning
	case EventNotificationFailed, EventSystemError:
		return SeverityError
	case EventAccessProvisioned, EventAccessRevoked, EventPackageGroupSynced, EventNotificationSent:
		return SeverityDebug
	default:
		return SeverityInfo
	}
}

// Category returns the category for an event type.
func (e EventType) Category() string {
	switch e {
	case EventSubscriptionCreated, EventSubscriptionActivated, EventSubscriptionSuspended,
		EventSubscriptionBlocked, EventSubscriptionUnblocked, EventSubscriptionExpired,
		EventSubscriptionRenewed, EventSubscriptionCancelled, EventExpiryOverridden:
		return "subscription"
	case EventAccessProvisioned, EventAccessDeprovisioned, EventAccessRevoked, EventPackageGroupSynced:
		return "radius"
	case EventQuotaWarning, EventQuotaExceeded:
		return "usage"
	case EventDisconnectSuccess, EventDisconnectFailure:
		return "session"
	case EventNotificationSent, EventNotificationFailed, EventNotificationRateLimited:
		return "notification"
	case EventAdminAction:
		return "admin"
	case EventSystemStart, EventSystemStop, EventSystemError:
		return "system"
	default:
		return "other"
	}
}
