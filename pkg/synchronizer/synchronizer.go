// Package synchronizer keeps the RADIUS check/reply/group rows of a
// username in line with its subscription and package.
package synchronizer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/radsync/pkg/audit"
	"github.com/codelaboratoryltd/radsync/pkg/keylock"
	"github.com/codelaboratoryltd/radsync/pkg/metrics"
	"github.com/codelaboratoryltd/radsync/pkg/radius"
	"github.com/codelaboratoryltd/radsync/pkg/store"
	"github.com/codelaboratoryltd/radsync/pkg/subscription"
)

// ErrTerminationIncomplete is returned when access was revoked but one or
// more live sessions could not be disconnected.
var ErrTerminationIncomplete = errors.New("session termination incomplete")

// Catalog reads the data provisioning needs.
type Catalog interface {
	GetPackage(ctx context.Context, id string) (*subscription.Package, error)
	GetCustomer(ctx context.Context, id string) (*subscription.Customer, error)
	ListSubscriptions(ctx context.Context, filter subscription.Filter) ([]*subscription.Subscription, error)
}

// SessionTerminator drops every live session of a username.
type SessionTerminator interface {
	TerminateUser(ctx context.Context, username, cause string) error
}

// Auditor records provisioning events.
type Auditor interface {
	LogEvent(event *audit.Event)
}

// Config configures the synchronizer.
type Config struct {
	// Clock returns the current time.
	Clock func() time.Time

	// GroupPriority is the radusergroup priority of package groups.
	GroupPriority int

	// Reject reasons shown to the user in Reply-Message.
	PendingReason   string
	SuspendedReason string
	BlockedReason   string
	ExpiredReason   string
	CancelledReason string

	// Mikrotik-Address-List markers.
	ExhaustedList string
	BlockedList   string

	// DisconnectOnReprovision drops live sessions after a package or
	// credential change so the NAS picks up the new attributes.
	DisconnectOnReprovision bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Clock:                   time.Now,
		GroupPriority:           1,
		PendingReason:           "Pending activation",
		SuspendedReason:         "Account suspended",
		BlockedReason:           "Account blocked",
		ExpiredReason:           "Subscription expired",
		CancelledReason:         "Subscription cancelled",
		ExhaustedList:           "exhausted",
		BlockedList:             "blocked",
		DisconnectOnReprovision: true,
	}
}

// Synchronizer writes attribute rows for subscriptions. Writes for one
// username are serialized and applied as a single batch, so a failed
// operation can be retried by calling it again.
type Synchronizer struct {
	config     Config
	attrs      store.AttributeStore
	catalog    Catalog
	terminator SessionTerminator
	auditor    Auditor
	metrics    *metrics.Metrics
	logger     *zap.Logger
	locks      *keylock.Map
}

var _ subscription.AccessSynchronizer = (*Synchronizer)(nil)

// New creates a synchronizer. terminator may be nil, in which case no
// sessions are dropped.
func New(config Config, attrs store.AttributeStore, catalog Catalog, terminator SessionTerminator, logger *zap.Logger) *Synchronizer {
	def := DefaultConfig()
	if config.Clock == nil {
		config.Clock = def.Clock
	}
	if config.GroupPriority == 0 {
		config.GroupPriority = def.GroupPriority
	}
	if config.PendingReason == "" {
		config.PendingReason = def.PendingReason
	}
	if config.SuspendedReason == "" {
		config.SuspendedReason = def.SuspendedReason
	}
	if config.BlockedReason == "" {
		config.BlockedReason = def.BlockedReason
	}
	if config.ExpiredReason == "" {
		config.ExpiredReason = def.ExpiredReason
	}
	if config.CancelledReason == "" {
		config.CancelledReason = def.CancelledReason
	}
	if config.ExhaustedList == "" {
		config.ExhaustedList = def.ExhaustedList
	}
	if config.BlockedList == "" {
		config.BlockedList = def.BlockedList
	}
	return &Synchronizer{
		config:     config,
		attrs:      attrs,
		catalog:    catalog,
		terminator: terminator,
		logger:     logger,
		locks:      keylock.New(),
	}
}

// SetAuditor sets the audit trail.
func (s *Synchronizer) SetAuditor(a Auditor) { s.auditor = a }

// SetMetrics sets the metrics sink.
func (s *Synchronizer) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// Provision writes the credential and entitlement rows, the package group
// rows and membership, and the status rows for the subscription.
func (s *Synchronizer) Provision(ctx context.Context, sub *subscription.Subscription) error {
	return s.provision(ctx, sub, "provision", false)
}

// Reprovision rewrites every row after a package or credential change.
func (s *Synchronizer) Reprovision(ctx context.Context, sub *subscription.Subscription) error {
	return s.provision(ctx, sub, "reprovision", s.config.DisconnectOnReprovision)
}

func (s *Synchronizer) provision(ctx context.Context, sub *subscription.Subscription, op string, forceDisconnect bool) error {
	if sub.Username == "" {
		return fmt.Errorf("%w: subscription %s", subscription.ErrNoUsername, sub.ID)
	}
	pkg, err := s.catalog.GetPackage(ctx, sub.PackageID)
	if err != nil {
		return fmt.Errorf("failed to load package %s: %w", sub.PackageID, err)
	}
	customer, err := s.catalog.GetCustomer(ctx, sub.CustomerID)
	if err != nil {
		return fmt.Errorf("failed to load customer %s: %w", sub.CustomerID, err)
	}
	ent, err := pkg.Entitlement()
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(sub.Username)
	defer unlock()

	now := s.config.Clock()
	group := radius.GroupName(pkg.ID)
	decision := s.decide(sub, now)

	batch := store.NewBatch()
	writeRows(batch, sub.Username, radius.UserRows(sub.Username, password(customer, sub.Username), ent), entitlementAttrs)
	writeRows(batch, group, radius.GroupRows(group, ent), groupAttrs)
	batch.LeavePackageGroups(sub.Username, group).Join(sub.Username, group, s.config.GroupPriority)
	s.statusRows(batch, sub, pkg, decision, now)

	err = s.attrs.ApplyBatch(ctx, batch)
	s.metrics.RecordAttributeOp(op, err)
	if err != nil {
		return fmt.Errorf("failed to write attributes for %s: %w", sub.Username, err)
	}

	s.logger.Info("Access provisioned",
		zap.String("subscription_id", sub.ID),
		zap.String("username", sub.Username),
		zap.String("group", group),
		zap.String("status", string(sub.Status)),
		zap.Bool("access", decision.grant),
	)
	s.audit(audit.EventAccessProvisioned, sub, decision.reason)

	if decision.disconnect || (forceDisconnect && decision.grant) {
		return s.terminate(ctx, sub, decision.cause)
	}
	return nil
}

// SyncStatus writes the status rows only. It is a pure function of the
// subscription status and expiry and is safe to call repeatedly. Access is
// revoked before live sessions are dropped.
func (s *Synchronizer) SyncStatus(ctx context.Context, sub *subscription.Subscription) error {
	if sub.Username == "" {
		return fmt.Errorf("%w: subscription %s", subscription.ErrNoUsername, sub.ID)
	}
	pkg, err := s.catalog.GetPackage(ctx, sub.PackageID)
	if err != nil {
		return fmt.Errorf("failed to load package %s: %w", sub.PackageID, err)
	}

	unlock := s.locks.Lock(sub.Username)
	defer unlock()

	now := s.config.Clock()
	decision := s.decide(sub, now)

	batch := store.NewBatch()
	s.statusRows(batch, sub, pkg, decision, now)

	err = s.attrs.ApplyBatch(ctx, batch)
	s.metrics.RecordAttributeOp("sync_status", err)
	if err != nil {
		return fmt.Errorf("failed to write status attributes for %s: %w", sub.Username, err)
	}

	s.logger.Debug("Access status synced",
		zap.String("subscription_id", sub.ID),
		zap.String("username", sub.Username),
		zap.String("status", string(sub.Status)),
		zap.Bool("access", decision.grant),
	)
	if !decision.grant {
		s.audit(audit.EventAccessRevoked, sub, decision.reason)
	}

	if decision.disconnect {
		return s.terminate(ctx, sub, decision.cause)
	}
	return nil
}

// Deprovision removes every row and membership of the username and then
// drops its live sessions.
func (s *Synchronizer) Deprovision(ctx context.Context, sub *subscription.Subscription) error {
	if sub.Username == "" {
		return fmt.Errorf("%w: subscription %s", subscription.ErrNoUsername, sub.ID)
	}

	unlock := s.locks.Lock(sub.Username)
	defer unlock()

	batch := store.NewBatch().LeaveAll(sub.Username).DeleteSubject(sub.Username)
	err := s.attrs.ApplyBatch(ctx, batch)
	s.metrics.RecordAttributeOp("deprovision", err)
	if err != nil {
		return fmt.Errorf("failed to remove attributes for %s: %w", sub.Username, err)
	}

	s.logger.Info("Access deprovisioned",
		zap.String("subscription_id", sub.ID),
		zap.String("username", sub.Username),
	)
	s.audit(audit.EventAccessDeprovisioned, sub, "")

	return s.terminate(ctx, sub, radius.TerminateCauseName(radius.TerminateCauseAdminReset))
}

// SyncPackageGroup rewrites the group rows of a package after an edit and
// refreshes the per-user rows of every live subscription on it.
func (s *Synchronizer) SyncPackageGroup(ctx context.Context, pkg *subscription.Package) error {
	if err := pkg.Validate(); err != nil {
		return err
	}
	ent, err := pkg.Entitlement()
	if err != nil {
		return err
	}
	group := radius.GroupName(pkg.ID)

	batch := store.NewBatch()
	writeRows(batch, group, radius.GroupRows(group, ent), groupAttrs)
	err = s.attrs.ApplyBatch(ctx, batch)
	s.metrics.RecordAttributeOp("sync_group", err)
	if err != nil {
		return fmt.Errorf("failed to write group %s: %w", group, err)
	}
	if s.auditor != nil {
		s.auditor.LogEvent(&audit.Event{Type: audit.EventPackageGroupSynced, PackageID: pkg.ID})
	}

	subs, err := s.catalog.ListSubscriptions(ctx, subscription.Filter{
		Statuses: []subscription.Status{
			subscription.StatusPending, subscription.StatusActive,
			subscription.StatusSuspended, subscription.StatusBlocked,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to list subscriptions for %s: %w", pkg.ID, err)
	}

	var errs []error
	refreshed := 0
	for _, sub := range subs {
		if sub.PackageID != pkg.ID {
			continue
		}
		if err := s.provision(ctx, sub, "reprovision", false); err != nil {
			s.logger.Error("Failed to refresh subscriber rows",
				zap.String("subscription_id", sub.ID),
				zap.String("package_id", pkg.ID),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("subscription %s: %w", sub.ID, err))
			continue
		}
		refreshed++
	}

	s.logger.Info("Package group synced",
		zap.String("package_id", pkg.ID),
		zap.Int("subscriptions", refreshed),
		zap.Int("failed", len(errs)),
	)
	return errors.Join(errs...)
}

func (s *Synchronizer) terminate(ctx context.Context, sub *subscription.Subscription, cause string) error {
	if s.terminator == nil {
		return nil
	}
	if err := s.terminator.TerminateUser(ctx, sub.Username, cause); err != nil {
		s.logger.Warn("Failed to terminate all sessions",
			zap.String("subscription_id", sub.ID),
			zap.String("username", sub.Username),
			zap.Error(err),
		)
		return fmt.Errorf("%w for %s: %w", ErrTerminationIncomplete, sub.Username, err)
	}
	return nil
}

func (s *Synchronizer) audit(eventType audit.EventType, sub *subscription.Subscription, reason string) {
	if s.auditor == nil {
		return
	}
	s.auditor.LogEvent(&audit.Event{
		Type:           eventType,
		SubscriptionID: sub.ID,
		CustomerID:     sub.CustomerID,
		Username:       sub.Username,
		PackageID:      sub.PackageID,
		ToStatus:       string(sub.Status),
		Reason:         reason,
	})
}

// password is the customer's password, else the username itself
// (phone-number login).
func password(c *subscription.Customer, username string) string {
	if c.Password != "" {
		return c.Password
	}
	return username
}
