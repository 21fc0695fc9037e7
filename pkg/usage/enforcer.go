// Package usage re-aggregates accounting sessions into per-period usage
// and enforces package data caps.
package usage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/radsync/pkg/audit"
	"github.com/codelaboratoryltd/radsync/pkg/metrics"
	"github.com/codelaboratoryltd/radsync/pkg/store"
	"github.com/codelaboratoryltd/radsync/pkg/subscription"
)

// Lifecycle is the part of the subscription manager usage enforcement drives.
type Lifecycle interface {
	RecordUsage(ctx context.Context, id string, bytes int64) (*subscription.Subscription, error)
	MarkQuotaWarned(ctx context.Context, id string) (bool, error)
	Suspend(ctx context.Context, id, reason string) (*subscription.Subscription, error)
}

// Catalog resolves packages.
type Catalog interface {
	GetPackage(ctx context.Context, id string) (*subscription.Package, error)
}

// Notifier receives the quota warning signal.
type Notifier interface {
	QuotaWarning(ctx context.Context, sub *subscription.Subscription, used, limit int64) error
}

// Auditor records quota events.
type Auditor interface {
	LogEvent(event *audit.Event)
}

// QuotaState is the outcome of a quota check.
type QuotaState string

const (
	QuotaUnlimited QuotaState = "unlimited"
	QuotaOK        QuotaState = "ok"
	QuotaWarning   QuotaState = "warning"
	QuotaExceeded  QuotaState = "exceeded"
)

// QuotaResult describes a quota check.
type QuotaResult struct {
	State QuotaState
	Used  int64
	Limit int64 // 0 when unlimited
	// Acted is true when this check suspended the subscription or sent the warning.
	Acted bool
}

// Percent returns usage as a percentage of the limit, 0 when unlimited.
func (r QuotaResult) Percent() float64 {
	if r.Limit <= 0 {
		return 0
	}
	return float64(r.Used) * 100 / float64(r.Limit)
}

// Config configures quota enforcement.
type Config struct {
	// Clock returns the current time.
	Clock func() time.Time

	// WarnPercent is the usage percentage at which the warning fires.
	WarnPercent int `yaml:"warn_percent"`

	// ExceededReason is the suspend reason at 100% usage.
	ExceededReason string `yaml:"exceeded_reason"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Clock:          time.Now,
		WarnPercent:    90,
		ExceededReason: "Data limit exceeded",
	}
}

// Enforcer recomputes usage from accounting rows and applies the data cap.
type Enforcer struct {
	config     Config
	accounting store.AccountingStore
	usage      store.UsageStore
	catalog    Catalog
	lifecycle  Lifecycle
	notifier   Notifier
	auditor    Auditor
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewEnforcer creates a usage enforcer.
func NewEnforcer(config Config, accounting store.AccountingStore, usage store.UsageStore, catalog Catalog, lifecycle Lifecycle, logger *zap.Logger) *Enforcer {
	def := DefaultConfig()
	if config.Clock == nil {
		config.Clock = def.Clock
	}
	if config.WarnPercent <= 0 || config.WarnPercent > 100 {
		config.WarnPercent = def.WarnPercent
	}
	if config.ExceededReason == "" {
		config.ExceededReason = def.ExceededReason
	}
	return &Enforcer{
		config:     config,
		accounting: accounting,
		usage:      usage,
		catalog:    catalog,
		lifecycle:  lifecycle,
		logger:     logger,
	}
}

// SetNotifier sets the quota warning sink.
func (e *Enforcer) SetNotifier(n Notifier) { e.notifier = n }

// SetAuditor sets the audit trail.
func (e *Enforcer) SetAuditor(a Auditor) { e.auditor = a }

// SetMetrics sets the metrics sink.
func (e *Enforcer) SetMetrics(m *metrics.Metrics) { e.metrics = m }

// RecomputeUsage re-aggregates the sessions of the subscription's username
// that started within period (clamped to the usage window), saves the
// aggregate and sets data_used to the sum across all aggregates of the
// window. It is a pure function of the accounting rows and safe to repeat.
func (e *Enforcer) RecomputeUsage(ctx context.Context, sub *subscription.Subscription, period Period) (*subscription.Subscription, error) {
	if sub.Username == "" {
		return nil, fmt.Errorf("%w: subscription %s", subscription.ErrNoUsername, sub.ID)
	}

	p := period.Clamp(sub)
	if !p.IsEmpty() {
		agg, err := e.aggregate(ctx, sub, p)
		if err != nil {
			return nil, err
		}
		if err := e.usage.SaveAggregate(ctx, agg); err != nil {
			return nil, fmt.Errorf("failed to save usage aggregate: %w", err)
		}
	}

	aggs, err := e.usage.ListAggregates(ctx, sub.ID, windowStart(sub))
	if err != nil {
		return nil, fmt.Errorf("failed to list usage aggregates: %w", err)
	}
	total := SumAggregates(aggs)

	updated, err := e.lifecycle.RecordUsage(ctx, sub.ID, total)
	if err != nil {
		return nil, fmt.Errorf("failed to record usage: %w", err)
	}

	e.logger.Debug("Usage recomputed",
		zap.String("subscription_id", sub.ID),
		zap.String("username", sub.Username),
		zap.Time("period_start", p.Start),
		zap.Int64("data_used", total),
	)
	return updated, nil
}

func (e *Enforcer) aggregate(ctx context.Context, sub *subscription.Subscription, p Period) (*store.UsageAggregate, error) {
	to := p.End
	if to.IsZero() {
		to = e.config.Clock()
	}
	sessions, err := e.accounting.SessionsStartedBetween(ctx, sub.Username, p.Start, to)
	if err != nil {
		return nil, fmt.Errorf("failed to read accounting for %s: %w", sub.Username, err)
	}

	agg := &store.UsageAggregate{
		SubscriptionID: sub.ID,
		PeriodStart:    p.Start,
		PeriodEnd:      to,
		ComputedAt:     e.config.Clock(),
	}
	for _, s := range sessions {
		agg.BytesIn += nonNegative(s.InputOctets)
		agg.BytesOut += nonNegative(s.OutputOctets)
		agg.ConnectedSeconds += nonNegative(s.SessionTime)
		agg.Sessions++
	}
	return agg, nil
}

// SumAggregates totals aggregate bytes. Aggregates are taken in start
// order and any aggregate starting inside an already counted one is
// skipped; for equal starts the widest wins, so mixing a whole-window
// aggregate with daily ones never double counts.
func SumAggregates(aggs []store.UsageAggregate) int64 {
	sorted := append([]store.UsageAggregate(nil), aggs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].PeriodStart.Equal(sorted[j].PeriodStart) {
			return sorted[i].PeriodStart.Before(sorted[j].PeriodStart)
		}
		return sorted[i].PeriodEnd.After(sorted[j].PeriodEnd)
	})

	var total int64
	var covered time.Time
	for i := range sorted {
		a := &sorted[i]
		if !covered.IsZero() && a.PeriodStart.Before(covered) {
			continue
		}
		total += a.TotalBytes()
		covered = a.PeriodEnd
	}
	return total
}

// CheckQuota compares data_used with the package cap. At 100% an active
// subscription is suspended; at the warning threshold the warning is sent
// once per usage window.
func (e *Enforcer) CheckQuota(ctx context.Context, sub *subscription.Subscription) (QuotaResult, error) {
	pkg, err := e.catalog.GetPackage(ctx, sub.PackageID)
	if err != nil {
		return QuotaResult{}, fmt.Errorf("failed to load package %s: %w", sub.PackageID, err)
	}

	res := QuotaResult{State: QuotaUnlimited, Used: nonNegative(sub.DataUsed), Limit: pkg.DataCapBytes()}
	if res.Limit == 0 {
		return res, nil
	}

	switch {
	case res.Used >= res.Limit:
		res.State = QuotaExceeded
		if sub.Status != subscription.StatusActive {
			return res, nil
		}
		if _, err := e.lifecycle.Suspend(ctx, sub.ID, e.config.ExceededReason); err != nil {
			return res, fmt.Errorf("failed to suspend %s over quota: %w", sub.ID, err)
		}
		res.Acted = true
		e.metrics.RecordQuotaEvent("exceeded")
		e.audit(audit.EventQuotaExceeded, sub, res)
		e.logger.Info("Data limit exceeded",
			zap.String("subscription_id", sub.ID),
			zap.String("username", sub.Username),
			zap.Int64("used", res.Used),
			zap.Int64("limit", res.Limit),
		)

	case res.Used*100 >= res.Limit*int64(e.config.WarnPercent):
		res.State = QuotaWarning
		if sub.Status != subscription.StatusActive {
			return res, nil
		}
		first, err := e.lifecycle.MarkQuotaWarned(ctx, sub.ID)
		if err != nil {
			return res, fmt.Errorf("failed to mark quota warning: %w", err)
		}
		if !first {
			return res, nil
		}
		res.Acted = true
		e.metrics.RecordQuotaEvent("warning")
		e.audit(audit.EventQuotaWarning, sub, res)
		e.logger.Info("Data limit warning",
			zap.String("subscription_id", sub.ID),
			zap.String("username", sub.Username),
			zap.Float64("percent", res.Percent()),
		)
		if e.notifier != nil {
			if err := e.notifier.QuotaWarning(ctx, sub, res.Used, res.Limit); err != nil {
				e.logger.Warn("Failed to deliver quota warning",
					zap.String("subscription_id", sub.ID),
					zap.Error(err),
				)
			}
		}

	default:
		res.State = QuotaOK
	}
	return res, nil
}

// Enforce recomputes usage over the whole window and then checks the quota.
func (e *Enforcer) Enforce(ctx context.Context, sub *subscription.Subscription) (QuotaResult, error) {
	updated, err := e.RecomputeUsage(ctx, sub, SubscriptionPeriod(sub))
	if err != nil {
		return QuotaResult{}, err
	}
	res, err := e.CheckQuota(ctx, updated)
	if err != nil && !errors.Is(err, subscription.ErrInvalidTransition) {
		return res, err
	}
	return res, nil
}

func (e *Enforcer) audit(eventType audit.EventType, sub *subscription.Subscription, res QuotaResult) {
	if e.auditor == nil {
		return
	}
	e.auditor.LogEvent(&audit.Event{
		Type:           eventType,
		SubscriptionID: sub.ID,
		CustomerID:     sub.CustomerID,
		Username:       sub.Username,
		PackageID:      sub.PackageID,
		BytesUsed:      res.Used,
		BytesLimit:     res.Limit,
	})
}

func nonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
