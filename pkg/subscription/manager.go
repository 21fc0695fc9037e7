package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/radsync/pkg/audit"
	"github.com/codelaboratoryltd/radsync/pkg/keylock"
	"github.com/codelaboratoryltd/radsync/pkg/metrics"
	"github.com/codelaboratoryltd/radsync/pkg/radius"
)

// Repository persists subscriptions and reads the catalog.
type Repository interface {
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	CreateSubscription(ctx context.Context, sub *Subscription) error
	UpdateSubscription(ctx context.Context, sub *Subscription) error
	ListSubscriptions(ctx context.Context, filter Filter) ([]*Subscription, error)
	GetPackage(ctx context.Context, id string) (*Package, error)
	GetCustomer(ctx context.Context, id string) (*Customer, error)
}

// AccessSynchronizer keeps the RADIUS attribute rows in line with a
// subscription.
type AccessSynchronizer interface {
	// Provision writes entitlement and status rows for the subscription.
	Provision(ctx context.Context, sub *Subscription) error
	// SyncStatus writes status rows and drops live sessions when access is revoked.
	SyncStatus(ctx context.Context, sub *Subscription) error
	// Deprovision drops sessions and removes every row for the username.
	Deprovision(ctx context.Context, sub *Subscription) error
}

// Auditor records lifecycle events.
type Auditor interface {
	LogEvent(event *audit.Event)
	LogTransition(eventType audit.EventType, subscriptionID, username, from, to, reason string)
}

// EventType identifies a lifecycle event.
type EventType string

const (
	EventCreated   EventType = "created"
	EventActivated EventType = "activated"
	EventSuspended EventType = "suspended"
	EventBlocked   EventType = "blocked"
	EventUnblocked EventType = "unblocked"
	EventExpired   EventType = "expired"
	EventRenewed   EventType = "renewed"
	EventCancelled EventType = "cancelled"
)

// Event is emitted after a transition has been persisted.
type Event struct {
	Type         EventType
	Subscription *Subscription
	From         Status
	Reason       string
	// Successor is set for auto-renewals.
	Successor *Subscription
}

// EventHandler is called when lifecycle events occur.
type EventHandler func(event *Event)

// Config configures the lifecycle manager.
type Config struct {
	// Clock returns the current time.
	Clock func() time.Time

	// PendingReason is the reject message shown before activation.
	PendingReason string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Clock:         time.Now,
		PendingReason: "Pending activation",
	}
}

// CreateRequest describes a new subscription.
type CreateRequest struct {
	CustomerID       string
	PackageID        string
	RenewalPackageID string
	StartsAt         time.Time
	AutoRenew        bool
	// Activate moves the subscription straight to active.
	Activate bool
}

// Manager owns the subscription state machine. Transitions for one
// subscription are serialized; every transition persists first and then
// synchronizes access, so a failed synchronization can be retried by
// calling the same transition again.
type Manager struct {
	config   Config
	repo     Repository
	access   AccessSynchronizer
	auditor  Auditor
	metrics  *metrics.Metrics
	logger   *zap.Logger
	locks    *keylock.Map
	handlers []EventHandler
}

// NewManager creates a new lifecycle manager.
func NewManager(config Config, repo Repository, access AccessSynchronizer, logger *zap.Logger) *Manager {
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.PendingReason == "" {
		config.PendingReason = DefaultConfig().PendingReason
	}
	return &Manager{
		config: config,
		repo:   repo,
		access: access,
		logger: logger,
		locks:  keylock.New(),
	}
}

// SetAuditor sets the audit trail.
func (m *Manager) SetAuditor(a Auditor) { m.auditor = a }

// SetMetrics sets the metrics sink.
func (m *Manager) SetMetrics(mt *metrics.Metrics) { m.metrics = mt }

// OnEvent registers an event handler.
func (m *Manager) OnEvent(handler EventHandler) {
	m.handlers = append(m.handlers, handler)
}

// emitEvent sends an event to all handlers.
func (m *Manager) emitEvent(event *Event) {
	for _, handler := range m.handlers {
		handler(event)
	}
}

// Get returns a subscription by ID.
func (m *Manager) Get(ctx context.Context, id string) (*Subscription, error) {
	return m.repo.GetSubscription(ctx, id)
}

// List returns subscriptions matching the filter.
func (m *Manager) List(ctx context.Context, filter Filter) ([]*Subscription, error) {
	return m.repo.ListSubscriptions(ctx, filter)
}

// Create creates a pending subscription with expires_at derived from the
// package duration.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Subscription, error) {
	customer, err := m.repo.GetCustomer(ctx, req.CustomerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load customer %s: %w", req.CustomerID, err)
	}
	pkg, err := m.repo.GetPackage(ctx, req.PackageID)
	if err != nil {
		return nil, fmt.Errorf("failed to load package %s: %w", req.PackageID, err)
	}
	if err := pkg.Validate(); err != nil {
		return nil, err
	}
	username := customer.RADIUSUsername()
	if username == "" {
		return nil, fmt.Errorf("%w: customer %s", ErrNoUsername, customer.ID)
	}
	// Group rows share the attribute tables, keyed by package_<id>.
	if radius.IsPackageGroup(username) {
		return nil, fmt.Errorf("%w: %q", ErrReservedUsername, username)
	}
	dur, err := pkg.Duration()
	if err != nil {
		return nil, err
	}

	now := m.config.Clock()
	startsAt := req.StartsAt
	if startsAt.IsZero() {
		startsAt = now
	}
	renewal := req.RenewalPackageID
	if renewal == "" {
		renewal = pkg.RenewalPackageID
	}

	sub := &Subscription{
		ID:               uuid.New().String(),
		CustomerID:       customer.ID,
		PackageID:        pkg.ID,
		RenewalPackageID: renewal,
		Username:         username,
		Status:           StatusPending,
		StartsAt:         startsAt,
		ExpiresAt:        startsAt.Add(dur),
		UsageResetAt:     startsAt,
		AutoRenew:        req.AutoRenew && !pkg.IsTrial,
		IsTrial:          pkg.IsTrial,
		StatusReason:     m.config.PendingReason,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	sub.Notes = append(sub.Notes, note(now, "", StatusPending, "created from package "+pkg.ID))

	if err := m.repo.CreateSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}

	m.logger.Info("Subscription created",
		zap.String("subscription_id", sub.ID),
		zap.String("username", sub.Username),
		zap.String("package_id", pkg.ID),
		zap.Time("expires_at", sub.ExpiresAt),
	)
	m.record(audit.EventSubscriptionCreated, sub, "", "")
	m.emitEvent(&Event{Type: EventCreated, Subscription: sub.Clone()})

	if req.Activate {
		return m.Activate(ctx, sub.ID)
	}

	// Pending subscriptions carry a reject row until activation, unless the
	// username is already in use by another live subscription.
	shared, err := m.usernameInUse(ctx, sub)
	if err != nil {
		return sub, err
	}
	if shared {
		m.logger.Warn("Username shared with another subscription, not rejecting pending",
			zap.String("subscription_id", sub.ID),
			zap.String("username", sub.Username),
		)
		return sub, nil
	}
	if err := m.access.SyncStatus(ctx, sub); err != nil {
		return sub, fmt.Errorf("subscription created but access sync failed: %w", err)
	}
	return sub, nil
}

// Activate moves a pending or suspended subscription to active and grants
// access. A subscription whose time has passed is routed to expired.
func (m *Manager) Activate(ctx context.Context, id string) (*Subscription, error) {
	unlock := m.locks.Lock(id)
	sub, ev, err := m.activateLocked(ctx, id, false)
	unlock()
	m.emit(ev)
	return sub, err
}

// Unblock lifts a block. It re-checks expiry and routes to expired rather
// than active when the time has passed.
func (m *Manager) Unblock(ctx context.Context, id string) (*Subscription, error) {
	unlock := m.locks.Lock(id)
	sub, ev, err := m.activateLocked(ctx, id, true)
	unlock()
	m.emit(ev)
	return sub, err
}

func (m *Manager) activateLocked(ctx context.Context, id string, unblock bool) (*Subscription, *Event, error) {
	sub, err := m.repo.GetSubscription(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	now := m.config.Clock()
	from := sub.Status

	allowed := from == StatusPending || from == StatusSuspended
	evType, auditType := EventActivated, audit.EventSubscriptionActivated
	if unblock {
		allowed = from == StatusBlocked
		evType, auditType = EventUnblocked, audit.EventSubscriptionUnblocked
	}

	switch {
	case from == StatusActive:
		if sub.IsExpiredAt(now) {
			return m.expireLocked(ctx, sub, "Expired before activation")
		}
		// Redundant call: re-apply access so a failed earlier sync is retried.
		return sub, nil, m.provision(ctx, sub)
	case !allowed:
		return sub, nil, fmt.Errorf("%w: cannot %s from %s", ErrInvalidTransition, evType, from)
	}

	if sub.IsExpiredAt(now) {
		return m.expireLocked(ctx, sub, "Expired before activation")
	}

	m.setStatus(sub, StatusActive, "", now)
	if err := m.repo.UpdateSubscription(ctx, sub); err != nil {
		return nil, nil, fmt.Errorf("failed to save subscription: %w", err)
	}
	m.record(auditType, sub, from, "")

	m.logger.Info("Subscription activated",
		zap.String("subscription_id", sub.ID),
		zap.String("username", sub.Username),
		zap.String("from", string(from)),
	)

	ev := &Event{Type: evType, Subscription: sub.Clone(), From: from}
	return sub, ev, m.provision(ctx, sub)
}

// Suspend revokes access for an active subscription and drops its sessions.
func (m *Manager) Suspend(ctx context.Context, id, reason string) (*Subscription, error) {
	return m.revoke(ctx, id, StatusSuspended, reason, []Status{StatusActive})
}

// Block revokes access until an explicit Unblock.
func (m *Manager) Block(ctx context.Context, id, reason string) (*Subscription, error) {
	return m.revoke(ctx, id, StatusBlocked, reason, []Status{StatusActive, StatusSuspended})
}

// Expire marks an active, suspended or blocked subscription expired and
// revokes access. A subscription with a reserved renewal hands over to it
// instead, and the user keeps access.
func (m *Manager) Expire(ctx context.Context, id string) (*Subscription, error) {
	unlock := m.locks.Lock(id)
	sub, err := m.repo.GetSubscription(ctx, id)
	if err != nil {
		unlock()
		return nil, err
	}
	if sub.Status == StatusPending {
		unlock()
		return sub, fmt.Errorf("%w: cannot expire a pending subscription", ErrInvalidTransition)
	}
	sub, ev, err := m.expireLocked(ctx, sub, "Subscription expired")
	unlock()
	m.emit(ev)
	return sub, err
}

// Cancel moves a subscription to the terminal cancelled state.
func (m *Manager) Cancel(ctx context.Context, id, reason string) (*Subscription, error) {
	if reason == "" {
		reason = "Subscription cancelled"
	}
	sub, err := m.revoke(ctx, id, StatusCancelled, reason,
		[]Status{StatusPending, StatusActive, StatusSuspended, StatusBlocked, StatusExpired})
	if err != nil || sub == nil || sub.RenewedToID == "" {
		return sub, err
	}
	// A reserved renewal that has not started goes with it.
	next, err := m.repo.GetSubscription(ctx, sub.RenewedToID)
	if errors.Is(err, ErrNotFound) {
		return sub, nil
	}
	if err != nil {
		return sub, err
	}
	if next.Status != StatusPending {
		return sub, nil
	}
	_, err = m.revoke(ctx, next.ID, StatusCancelled, reason, []Status{StatusPending})
	return sub, err
}

func (m *Manager) revoke(ctx context.Context, id string, to Status, reason string, from []Status) (*Subscription, error) {
	unlock := m.locks.Lock(id)
	sub, ev, err := m.revokeLocked(ctx, id, to, reason, from)
	unlock()
	m.emit(ev)
	return sub, err
}

func (m *Manager) revokeLocked(ctx context.Context, id string, to Status, reason string, allowed []Status) (*Subscription, *Event, error) {
	sub, err := m.repo.GetSubscription(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	from := sub.Status

	if from == to {
		// Redundant call: no new note, but re-apply access.
		return sub, nil, m.syncStatus(ctx, sub)
	}
	if !containsStatus(allowed, from) {
		return sub, nil, fmt.Errorf("%w: cannot move from %s to %s", ErrInvalidTransition, from, to)
	}

	now := m.config.Clock()
	m.setStatus(sub, to, reason, now)
	if err := m.repo.UpdateSubscription(ctx, sub); err != nil {
		return nil, nil, fmt.Errorf("failed to save subscription: %w", err)
	}

	var evType EventType
	var auditType audit.EventType
	switch to {
	case StatusSuspended:
		evType, auditType = EventSuspended, audit.EventSubscriptionSuspended
	case StatusBlocked:
		evType, auditType = EventBlocked, audit.EventSubscriptionBlocked
	default:
		evType, auditType = EventCancelled, audit.EventSubscriptionCancelled
	}
	m.record(auditType, sub, from, reason)

	m.logger.Info("Subscription access revoked",
		zap.String("subscription_id", sub.ID),
		zap.String("username", sub.Username),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason),
	)

	ev := &Event{Type: evType, Subscription: sub.Clone(), From: from, Reason: reason}
	return sub, ev, m.syncStatus(ctx, sub)
}

func (m *Manager) expireLocked(ctx context.Context, sub *Subscription, reason string) (*Subscription, *Event, error) {
	from := sub.Status
	switch from {
	case StatusExpired:
		return sub, nil, m.syncStatus(ctx, sub)
	case StatusCancelled:
		return sub, nil, fmt.Errorf("%w: cannot expire a cancelled subscription", ErrInvalidTransition)
	}

	if sub.RenewedToID != "" && (from == StatusActive || from == StatusSuspended) {
		handled, err := m.handOverLocked(ctx, sub)
		if handled || err != nil {
			return sub, nil, err
		}
	}

	now := m.config.Clock()
	m.setStatus(sub, StatusExpired, reason, now)
	if err := m.repo.UpdateSubscription(ctx, sub); err != nil {
		return nil, nil, fmt.Errorf("failed to save subscription: %w", err)
	}
	m.record(audit.EventSubscriptionExpired, sub, from, reason)

	m.logger.Info("Subscription expired",
		zap.String("subscription_id", sub.ID),
		zap.String("username", sub.Username),
		zap.Time("expires_at", sub.ExpiresAt),
	)

	ev := &Event{Type: EventExpired, Subscription: sub.Clone(), From: from, Reason: reason}
	return sub, ev, m.syncStatus(ctx, sub)
}

// Renew extends an active or expired, non-trial subscription in place. The
// new expiry is the current expires_at plus the package duration.
func (m *Manager) Renew(ctx context.Context, id, newPackageID string) (*Subscription, error) {
	unlock := m.locks.Lock(id)
	sub, ev, err := m.renewLocked(ctx, id, newPackageID)
	unlock()
	m.emit(ev)
	return sub, err
}

func (m *Manager) renewLocked(ctx context.Context, id, newPackageID string) (*Subscription, *Event, error) {
	sub, err := m.repo.GetSubscription(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !sub.CanRenew() {
		return sub, nil, fmt.Errorf("%w: status %s, trial %t", ErrNotRenewable, sub.Status, sub.IsTrial)
	}

	pkg, err := m.repo.GetPackage(ctx, renewalTarget(sub, newPackageID))
	if err != nil {
		return sub, nil, fmt.Errorf("failed to load renewal package: %w", err)
	}
	dur, err := pkg.Duration()
	if err != nil {
		return sub, nil, err
	}

	now := m.config.Clock()
	from := sub.Status
	previous := sub.ExpiresAt

	sub.PackageID = pkg.ID
	sub.ExpiresAt = sub.ExpiresAt.Add(dur)
	sub.DataUsed = 0
	sub.UsageResetAt = now
	resetNoticeFlags(sub)
	m.setStatus(sub, StatusActive, "", now)
	sub.Notes[len(sub.Notes)-1] = note(now, from, StatusActive,
		fmt.Sprintf("renewed with package %s until %s", pkg.ID, sub.ExpiresAt.UTC().Format(time.RFC3339)))

	if err := m.repo.UpdateSubscription(ctx, sub); err != nil {
		return nil, nil, fmt.Errorf("failed to save subscription: %w", err)
	}
	m.record(audit.EventSubscriptionRenewed, sub, from, "")

	m.logger.Info("Subscription renewed",
		zap.String("subscription_id", sub.ID),
		zap.String("package_id", pkg.ID),
		zap.Time("previous_expiry", previous),
		zap.Time("expires_at", sub.ExpiresAt),
	)

	ev := &Event{Type: EventRenewed, Subscription: sub.Clone(), From: from}
	return sub, ev, m.provision(ctx, sub)
}

// AutoRenew reserves the next period of an auto-renewing subscription that
// is active or suspended over quota: a pending successor on the renewal package that starts at
// the current expiry. The current subscription keeps its access and quota
// until it expires, and Expire then hands over to the successor. Calling
// it again returns the reserved successor, so a customer is never renewed
// twice.
func (m *Manager) AutoRenew(ctx context.Context, id string) (*Subscription, error) {
	unlock := m.locks.Lock(id)
	next, ev, err := m.autoRenewLocked(ctx, id)
	unlock()
	m.emit(ev)
	return next, err
}

func (m *Manager) autoRenewLocked(ctx context.Context, id string) (*Subscription, *Event, error) {
	old, err := m.repo.GetSubscription(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if (old.Status != StatusActive && old.Status != StatusSuspended) || !old.AutoRenew || old.IsTrial {
		return nil, nil, fmt.Errorf("%w: auto-renew requires an active or suspended non-trial subscription with auto-renew", ErrNotRenewable)
	}

	if old.RenewedToID != "" {
		next, err := m.repo.GetSubscription(ctx, old.RenewedToID)
		if err == nil {
			return next, nil, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, nil, err
		}
	}

	pkg, err := m.repo.GetPackage(ctx, renewalTarget(old, ""))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load renewal package: %w", err)
	}
	dur, err := pkg.Duration()
	if err != nil {
		return nil, nil, err
	}

	now := m.config.Clock()
	// The successor ID is recorded before the successor exists, so a retry
	// after a failed create reuses it.
	if old.RenewedToID == "" {
		old.RenewedToID = uuid.New().String()
		old.UpdatedAt = now
		old.Notes = append(old.Notes, fmt.Sprintf("[%s] auto-renewal reserved as %s",
			now.UTC().Format(time.RFC3339), old.RenewedToID))
		if err := m.repo.UpdateSubscription(ctx, old); err != nil {
			return nil, nil, fmt.Errorf("failed to reserve successor: %w", err)
		}
	}

	next := &Subscription{
		ID:               old.RenewedToID,
		CustomerID:       old.CustomerID,
		PackageID:        pkg.ID,
		RenewalPackageID: old.RenewalPackageID,
		Username:         old.Username,
		Status:           StatusPending,
		StartsAt:         old.ExpiresAt,
		ExpiresAt:        old.ExpiresAt.Add(dur),
		UsageResetAt:     old.ExpiresAt,
		AutoRenew:        true,
		StatusReason:     "Renewal of " + old.ID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	next.Notes = append(next.Notes, note(now, "", StatusPending, "auto-renewal of "+old.ID))
	if err := m.repo.CreateSubscription(ctx, next); err != nil {
		return nil, nil, fmt.Errorf("failed to create renewed subscription: %w", err)
	}
	m.record(audit.EventSubscriptionCreated, next, "", "auto-renewal of "+old.ID)
	m.record(audit.EventSubscriptionRenewed, old, old.Status, "renewal reserved as "+next.ID)

	m.logger.Info("Subscription auto-renewed",
		zap.String("subscription_id", old.ID),
		zap.String("successor_id", next.ID),
		zap.Time("starts_at", next.StartsAt),
		zap.Time("expires_at", next.ExpiresAt),
	)

	ev := &Event{Type: EventRenewed, Subscription: old.Clone(), From: old.Status, Successor: next.Clone()}
	return next, ev, nil
}

// handOverLocked retires sub in favour of its reserved successor, which is
// activated and provisioned first. Both share the username, so the old
// subscription's status rows are not written again. It reports false when
// there is no successor left to hand over to.
func (m *Manager) handOverLocked(ctx context.Context, sub *Subscription) (bool, error) {
	next, err := m.repo.GetSubscription(ctx, sub.RenewedToID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if next.Status == StatusCancelled || next.Status == StatusExpired {
		return false, nil
	}

	unlock := m.locks.Lock(next.ID)
	defer unlock()

	now := m.config.Clock()
	if next.Status == StatusPending {
		m.setStatus(next, StatusActive, "", now)
		if err := m.repo.UpdateSubscription(ctx, next); err != nil {
			return true, fmt.Errorf("failed to activate renewed subscription: %w", err)
		}
		m.record(audit.EventSubscriptionActivated, next, StatusPending, "renewal of "+sub.ID)
	}
	if next.Status == StatusActive {
		if err := m.provision(ctx, next); err != nil {
			return true, err
		}
	}

	from := sub.Status
	m.setStatus(sub, StatusExpired, "Renewed as "+next.ID, now)
	if err := m.repo.UpdateSubscription(ctx, sub); err != nil {
		return true, fmt.Errorf("failed to retire renewed subscription: %w", err)
	}
	m.record(audit.EventSubscriptionExpired, sub, from, "renewed as "+next.ID)

	m.logger.Info("Subscription handed over to renewal",
		zap.String("subscription_id", sub.ID),
		zap.String("successor_id", next.ID),
		zap.Time("expires_at", next.ExpiresAt),
	)
	return true, nil
}

// AdminOverrideExpiry sets expires_at explicitly. It is the only writer of
// expires_at outside creation and renewal.
func (m *Manager) AdminOverrideExpiry(ctx context.Context, id string, expiresAt time.Time, actor string) (*Subscription, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	sub, err := m.repo.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.Status.IsTerminal() {
		return sub, fmt.Errorf("%w: subscription is cancelled", ErrInvalidTransition)
	}

	now := m.config.Clock()
	previous := sub.ExpiresAt
	sub.ExpiresAt = expiresAt
	if expiresAt.After(previous) {
		resetNoticeFlags(sub)
	}
	sub.UpdatedAt = now
	sub.Notes = append(sub.Notes, fmt.Sprintf("[%s] expiry overridden by %s: %s -> %s",
		now.UTC().Format(time.RFC3339), actor,
		previous.UTC().Format(time.RFC3339), expiresAt.UTC().Format(time.RFC3339)))

	if err := m.repo.UpdateSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to save subscription: %w", err)
	}
	if m.auditor != nil {
		m.auditor.LogEvent(&audit.Event{
			Type:           audit.EventExpiryOverridden,
			SubscriptionID: sub.ID,
			Username:       sub.Username,
			Actor:          actor,
			Metadata: map[string]string{
				"previous": previous.UTC().Format(time.RFC3339),
				"new":      expiresAt.UTC().Format(time.RFC3339),
			},
		})
	}

	if sub.Status == StatusActive {
		return sub, m.provision(ctx, sub)
	}
	return sub, nil
}

// Remove deprovisions and soft-deletes a subscription. When another live
// subscription shares the username, the attribute rows are left in place.
func (m *Manager) Remove(ctx context.Context, id string) error {
	unlock := m.locks.Lock(id)
	defer unlock()

	sub, err := m.repo.GetSubscription(ctx, id)
	if err != nil {
		return err
	}

	shared, err := m.usernameInUse(ctx, sub)
	if err != nil {
		return err
	}

	if shared {
		m.logger.Warn("Username shared with another subscription, keeping attribute rows",
			zap.String("subscription_id", sub.ID),
			zap.String("username", sub.Username),
		)
	} else if err := m.access.Deprovision(ctx, sub); err != nil {
		return fmt.Errorf("failed to deprovision: %w", err)
	}

	now := m.config.Clock()
	sub.DeletedAt = &now
	sub.UpdatedAt = now
	if err := m.repo.UpdateSubscription(ctx, sub); err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	if m.auditor != nil {
		m.auditor.LogEvent(&audit.Event{
			Type:           audit.EventAccessDeprovisioned,
			SubscriptionID: sub.ID,
			Username:       sub.Username,
		})
	}
	return nil
}

// RecordUsage stores a recomputed data_used value.
func (m *Manager) RecordUsage(ctx context.Context, id string, bytes int64) (*Subscription, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	sub, err := m.repo.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	if bytes < 0 {
		bytes = 0
	}
	if sub.DataUsed == bytes {
		return sub, nil
	}
	sub.DataUsed = bytes
	sub.UpdatedAt = m.config.Clock()
	if err := m.repo.UpdateSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to save usage: %w", err)
	}
	return sub, nil
}

// MarkQuotaWarned sets the quota warning flag. It returns false when the
// flag was already set, so the caller sends the warning at most once.
func (m *Manager) MarkQuotaWarned(ctx context.Context, id string) (bool, error) {
	return m.markFlag(ctx, id, func(sub *Subscription, now time.Time) bool {
		if sub.QuotaWarned {
			return false
		}
		sub.QuotaWarned = true
		sub.QuotaWarnedAt = &now
		return true
	})
}

// MarkExpiryNotified sets the expiry notice flag. It returns false when the
// flag was already set.
func (m *Manager) MarkExpiryNotified(ctx context.Context, id string) (bool, error) {
	return m.markFlag(ctx, id, func(sub *Subscription, now time.Time) bool {
		if sub.ExpiryNotified {
			return false
		}
		sub.ExpiryNotified = true
		sub.ExpiryNotifiedAt = &now
		return true
	})
}

func (m *Manager) markFlag(ctx context.Context, id string, set func(*Subscription, time.Time) bool) (bool, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	sub, err := m.repo.GetSubscription(ctx, id)
	if err != nil {
		return false, err
	}
	now := m.config.Clock()
	if !set(sub, now) {
		return false, nil
	}
	sub.UpdatedAt = now
	if err := m.repo.UpdateSubscription(ctx, sub); err != nil {
		return false, fmt.Errorf("failed to save subscription: %w", err)
	}
	return true, nil
}

// usernameInUse reports whether another live subscription has the same username.
func (m *Manager) usernameInUse(ctx context.Context, sub *Subscription) (bool, error) {
	others, err := m.repo.ListSubscriptions(ctx, Filter{
		Username: sub.Username,
		Statuses: []Status{StatusActive, StatusSuspended, StatusBlocked},
	})
	if err != nil {
		return false, fmt.Errorf("failed to check shared username: %w", err)
	}
	for _, o := range others {
		if o.ID != sub.ID {
			return true, nil
		}
	}
	return false, nil
}

func (m *Manager) setStatus(sub *Subscription, to Status, reason string, now time.Time) {
	from := sub.Status
	sub.Status = to
	sub.StatusReason = reason
	sub.UpdatedAt = now
	sub.Notes = append(sub.Notes, note(now, from, to, reason))
	m.metrics.RecordTransition(string(from), string(to))
}

func (m *Manager) provision(ctx context.Context, sub *Subscription) error {
	if err := m.access.Provision(ctx, sub); err != nil {
		m.logger.Error("Failed to provision access",
			zap.String("subscription_id", sub.ID),
			zap.String("username", sub.Username),
			zap.Error(err),
		)
		return fmt.Errorf("failed to provision access: %w", err)
	}
	return nil
}

func (m *Manager) syncStatus(ctx context.Context, sub *Subscription) error {
	if err := m.access.SyncStatus(ctx, sub); err != nil {
		m.logger.Error("Failed to sync access status",
			zap.String("subscription_id", sub.ID),
			zap.String("username", sub.Username),
			zap.String("status", string(sub.Status)),
			zap.Error(err),
		)
		return fmt.Errorf("failed to sync access status: %w", err)
	}
	return nil
}

func (m *Manager) record(eventType audit.EventType, sub *Subscription, from Status, reason string) {
	if m.auditor == nil {
		return
	}
	m.auditor.LogTransition(eventType, sub.ID, sub.Username, string(from), string(sub.Status), reason)
}

func (m *Manager) emit(ev *Event) {
	if ev != nil {
		m.emitEvent(ev)
	}
}

func renewalTarget(sub *Subscription, requested string) string {
	switch {
	case requested != "":
		return requested
	case sub.RenewalPackageID != "":
		return sub.RenewalPackageID
	default:
		return sub.PackageID
	}
}

func resetNoticeFlags(sub *Subscription) {
	sub.ExpiryNotified = false
	sub.ExpiryNotifiedAt = nil
	sub.QuotaWarned = false
	sub.QuotaWarnedAt = nil
}

func containsStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func note(now time.Time, from, to Status, reason string) string {
	line := fmt.Sprintf("[%s] %s -> %s", now.UTC().Format(time.RFC3339), from, to)
	if from == "" {
		line = fmt.Sprintf("[%s] %s", now.UTC().Format(time.RFC3339), to)
	}
	if reason != "" {
		line += ": " + reason
	}
	return line
}
