// Package scheduler runs the periodic lifecycle sweeps: auto-renewal,
// expiry, upcoming-expiry notices and usage enforcement.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/radsync/pkg/metrics"
	"github.com/codelaboratoryltd/radsync/pkg/notify"
	"github.com/codelaboratoryltd/radsync/pkg/subscription"
	"github.com/codelaboratoryltd/radsync/pkg/usage"
)

// Sweep names, also used as metric labels.
const (
	SweepAutoRenew = "auto_renew"
	SweepExpiry    = "expiry"
	SweepNotice    = "expiry_notice"
	SweepUsage     = "usage"
)

// Lifecycle is the part of subscription.Manager the sweeps drive.
type Lifecycle interface {
	List(ctx context.Context, filter subscription.Filter) ([]*subscription.Subscription, error)
	Expire(ctx context.Context, id string) (*subscription.Subscription, error)
	AutoRenew(ctx context.Context, id string) (*subscription.Subscription, error)
	MarkExpiryNotified(ctx context.Context, id string) (bool, error)
}

// Catalog resolves packages.
type Catalog interface {
	GetPackage(ctx context.Context, id string) (*subscription.Package, error)
}

// ExpiryNotifier sends the upcoming-expiry notice.
type ExpiryNotifier interface {
	ExpiryWarning(ctx context.Context, sub *subscription.Subscription) (notify.DeliveryResult, error)
}

// QuotaEnforcer recomputes usage and applies the quota.
type QuotaEnforcer interface {
	Enforce(ctx context.Context, sub *subscription.Subscription) (usage.QuotaResult, error)
}

// Config configures the scheduler.
type Config struct {
	// Clock returns the current time.
	Clock func() time.Time `yaml:"-"`

	// Interval between sweep rounds.
	Interval time.Duration `yaml:"interval"`

	// RenewLookahead caps how far ahead of expiry the next period is
	// reserved. Short packages use a quarter of their duration instead.
	RenewLookahead time.Duration `yaml:"renew_lookahead"`

	// ItemTimeout bounds the work done for one subscription.
	ItemTimeout time.Duration `yaml:"item_timeout"`

	// Per-sweep switches.
	DisableAutoRenew bool `yaml:"disable_auto_renew"`
	DisableNotices   bool `yaml:"disable_notices"`
	DisableUsage     bool `yaml:"disable_usage"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Clock:          time.Now,
		Interval:       time.Minute,
		RenewLookahead: 24 * time.Hour,
		ItemTimeout:    time.Minute,
	}
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Sweep     string
	Processed int
	Failed    int
	Duration  time.Duration
	Errors    []error
}

// Scheduler runs the sweeps on an interval.
type Scheduler struct {
	config    Config
	lifecycle Lifecycle
	catalog   Catalog
	notifier  ExpiryNotifier
	enforcer  QuotaEnforcer
	metrics   *metrics.Metrics
	logger    *zap.Logger

	// mu serializes rounds so RunOnce from the CLI never overlaps the loop.
	mu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler. notifier and enforcer may be nil, which skips
// the notice and usage sweeps.
func New(config Config, lifecycle Lifecycle, catalog Catalog, notifier ExpiryNotifier, enforcer QuotaEnforcer, logger *zap.Logger) *Scheduler {
	def := DefaultConfig()
	if config.Clock == nil {
		config.Clock = def.Clock
	}
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.RenewLookahead < 0 {
		config.RenewLookahead = 0
	}
	if config.ItemTimeout <= 0 {
		config.ItemTimeout = def.ItemTimeout
	}
	return &Scheduler{
		config:    config,
		lifecycle: lifecycle,
		catalog:   catalog,
		notifier:  notifier,
		enforcer:  enforcer,
		logger:    logger,
	}
}

// SetMetrics sets the metrics sink.
func (s *Scheduler) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// Start runs a round immediately and then on every interval until Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.logger.Info("Starting scheduler",
		zap.Duration("interval", s.config.Interval),
		zap.Duration("renew_lookahead", s.config.RenewLookahead),
	)

	s.wg.Add(1)
	go s.loop()
}

// Stop halts the loop and waits for the running round to finish.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.RunOnce(s.ctx)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(s.ctx)
		}
	}
}

// RunOnce runs every enabled sweep in order. Auto-renewal goes before
// expiry so a renewal due at expiry is reserved before the expiry sweep
// hands over to it.
func (s *Scheduler) RunOnce(ctx context.Context) []SweepResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var results []SweepResult
	if !s.config.DisableAutoRenew {
		results = append(results, s.AutoRenewSweep(ctx))
	}
	results = append(results, s.ExpirySweep(ctx))
	if !s.config.DisableNotices && s.notifier != nil {
		results = append(results, s.NoticeSweep(ctx))
	}
	if !s.config.DisableUsage && s.enforcer != nil {
		results = append(results, s.UsageSweep(ctx))
	}
	return results
}

// ExpirySweep expires active subscriptions whose time has passed. A
// subscription with a reserved renewal hands over to it, including one
// suspended over quota, whose next period starts with a fresh quota.
func (s *Scheduler) ExpirySweep(ctx context.Context) SweepResult {
	now := s.config.Clock()
	return s.sweep(ctx, SweepExpiry, subscription.Filter{
		Statuses:      []subscription.Status{subscription.StatusActive, subscription.StatusSuspended},
		ExpiresBefore: now.Add(time.Nanosecond),
	}, func(ctx context.Context, sub *subscription.Subscription) error {
		if !sub.IsExpiredAt(now) {
			return nil
		}
		if sub.Status == subscription.StatusSuspended && sub.RenewedToID == "" {
			return nil
		}
		_, err := s.lifecycle.Expire(ctx, sub.ID)
		return err
	})
}

// AutoRenewSweep reserves the next period of active or suspended
// auto-renew subscriptions that are within their renewal lead of expiry. Only subscriptions that
// have started are renewed, and a subscription already renewed gets its
// existing successor back.
func (s *Scheduler) AutoRenewSweep(ctx context.Context) SweepResult {
	now := s.config.Clock()
	return s.sweep(ctx, SweepAutoRenew, subscription.Filter{
		Statuses:      []subscription.Status{subscription.StatusActive, subscription.StatusSuspended},
		AutoRenew:     subscription.Bool(true),
		ExpiresBefore: now.Add(s.config.RenewLookahead + time.Nanosecond),
	}, func(ctx context.Context, sub *subscription.Subscription) error {
		if sub.IsTrial || sub.StartsAt.After(now) {
			return nil
		}
		pkg, err := s.catalog.GetPackage(ctx, sub.PackageID)
		if err != nil {
			return fmt.Errorf("failed to load package %s: %w", sub.PackageID, err)
		}
		if sub.Remaining(now) > RenewLead(pkg, s.config.RenewLookahead) {
			return nil
		}
		next, err := s.lifecycle.AutoRenew(ctx, sub.ID)
		if err != nil {
			return err
		}
		s.logger.Debug("Auto-renewal swept",
			zap.String("subscription_id", sub.ID),
			zap.String("successor_id", next.ID),
		)
		return nil
	})
}

// NoticeSweep sends the upcoming-expiry notice once per subscription. The
// flag is set before sending, so a crash between the two loses the notice
// rather than repeating it. Non-trial subscriptions with auto-renew are
// skipped: they never lapse, and their customer gets the renewal notice
// from the lifecycle notifier when the next period is reserved. Trials
// never auto-renew, so they are warned regardless of the flag.
func (s *Scheduler) NoticeSweep(ctx context.Context) SweepResult {
	now := s.config.Clock()
	return s.sweep(ctx, SweepNotice, subscription.Filter{
		Statuses:       []subscription.Status{subscription.StatusActive},
		ExpiryNotified: subscription.Bool(false),
		ExpiresAfter:   now,
	}, func(ctx context.Context, sub *subscription.Subscription) error {
		if sub.AutoRenew && !sub.IsTrial {
			return nil
		}
		pkg, err := s.catalog.GetPackage(ctx, sub.PackageID)
		if err != nil {
			return fmt.Errorf("failed to load package %s: %w", sub.PackageID, err)
		}
		if !dueForNotice(sub, pkg, now) {
			return nil
		}
		marked, err := s.lifecycle.MarkExpiryNotified(ctx, sub.ID)
		if err != nil || !marked {
			return err
		}
		res, err := s.notifier.ExpiryWarning(ctx, sub)
		if err != nil {
			return err
		}
		if !res.Delivered() {
			s.logger.Warn("Expiry notice not delivered",
				zap.String("subscription_id", sub.ID),
				zap.String("outcome", string(res.Outcome)),
				zap.Bool("logged", res.Logged),
			)
		}
		return nil
	})
}

// UsageSweep recomputes usage and applies quotas to active subscriptions.
func (s *Scheduler) UsageSweep(ctx context.Context) SweepResult {
	return s.sweep(ctx, SweepUsage, subscription.Filter{
		Statuses: []subscription.Status{subscription.StatusActive},
	}, func(ctx context.Context, sub *subscription.Subscription) error {
		_, err := s.enforcer.Enforce(ctx, sub)
		return err
	})
}

// sweep lists the candidates and applies fn to each. A failing item is
// logged and counted and never stops the sweep.
func (s *Scheduler) sweep(ctx context.Context, name string, filter subscription.Filter, fn func(context.Context, *subscription.Subscription) error) SweepResult {
	start := time.Now()
	res := SweepResult{Sweep: name}
	log := s.logger.With(zap.String("sweep", name))

	subs, err := s.lifecycle.List(ctx, filter)
	if err != nil {
		log.Error("Sweep failed to list subscriptions", zap.Error(err))
		res.Failed = 1
		res.Errors = append(res.Errors, err)
		res.Duration = time.Since(start)
		s.metrics.RecordSweep(name, 0, 1, res.Duration)
		return res
	}

	for _, sub := range subs {
		if ctx.Err() != nil {
			break
		}
		res.Processed++

		itemCtx, cancel := context.WithTimeout(ctx, s.config.ItemTimeout)
		err := fn(itemCtx, sub)
		cancel()

		if err != nil && !errors.Is(err, subscription.ErrInvalidTransition) {
			res.Failed++
			res.Errors = append(res.Errors, fmt.Errorf("%s: %w", sub.ID, err))
			log.Warn("Sweep item failed",
				zap.String("subscription_id", sub.ID),
				zap.String("username", sub.Username),
				zap.Error(err),
			)
		}
	}

	res.Duration = time.Since(start)
	s.metrics.RecordSweep(name, res.Processed, res.Failed, res.Duration)
	if res.Processed > 0 {
		log.Info("Sweep completed",
			zap.Int("processed", res.Processed),
			zap.Int("failed", res.Failed),
			zap.Duration("duration", res.Duration),
		)
	}
	return res
}
