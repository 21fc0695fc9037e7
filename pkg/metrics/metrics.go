package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// StatusSource reports subscription counts per status.
type StatusSource interface {
	CountByStatus(ctx context.Context) (map[string]int, error)
}

// SessionSource reports the number of open accounting sessions.
type SessionSource interface {
	CountActiveSessions(ctx context.Context) (int, error)
}

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and
// records nothing, so components can be built without instrumentation.
type Metrics struct {
	// Lifecycle metrics
	transitionsTotal *prometheus.CounterVec
	subscriptions    *prometheus.GaugeVec

	// Scheduler metrics
	sweepRuns     *prometheus.CounterVec
	sweepItems    *prometheus.CounterVec
	sweepDuration *prometheus.HistogramVec

	// RADIUS attribute metrics
	attributeOps *prometheus.CounterVec

	// Usage metrics
	quotaEvents    *prometheus.CounterVec
	activeSessions prometheus.Gauge

	// Disconnect metrics
	disconnectAttempts *prometheus.CounterVec
	disconnectLatency  *prometheus.HistogramVec

	// Notification metrics
	notifications *prometheus.CounterVec

	// References for collection
	statuses StatusSource
	sessions SessionSource
	logger   *zap.Logger
}

// New creates a new Metrics instance. Sources may be nil.
func New(statuses StatusSource, sessions SessionSource, logger *zap.Logger) *Metrics {
	return &Metrics{
		statuses: statuses,
		sessions: sessions,
		logger:   logger,

		transitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radsync_subscription_transitions_total",
				Help: "Subscription status transitions by source and target status",
			},
			[]string{"from", "to"},
		),

		subscriptions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "radsync_subscriptions",
				Help: "Number of subscriptions by status",
			},
			[]string{"status"},
		),

		sweepRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radsync_sweep_runs_total",
				Help: "Scheduler sweep runs by sweep",
			},
			[]string{"sweep"},
		),

		sweepItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radsync_sweep_items_total",
				Help: "Subscriptions processed by sweep and result",
			},
			[]string{"sweep", "result"},
		),

		sweepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "radsync_sweep_duration_seconds",
				Help:    "Sweep duration by sweep",
				Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"sweep"},
		),

		attributeOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radsync_attribute_operations_total",
				Help: "RADIUS attribute synchronizer operations by operation and result",
			},
			[]string{"operation", "result"},
		),

		quotaEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radsync_quota_events_total",
				Help: "Quota warnings and breaches",
			},
			[]string{"kind"},
		),

		activeSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "radsync_accounting_sessions_active",
				Help: "Accounting sessions without a stop time",
			},
		),

		disconnectAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radsync_disconnect_attempts_total",
				Help: "Disconnect attempts by channel and result",
			},
			[]string{"channel", "result"},
		),

		disconnectLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "radsync_disconnect_latency_seconds",
				Help:    "Disconnect attempt latency by channel",
				Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"channel"},
		),

		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radsync_notifications_total",
				Help: "Notification deliveries by channel and outcome",
			},
			[]string{"channel", "outcome"},
		),
	}
}

// Register registers all metrics with Prometheus
func (m *Metrics) Register() error {
	collectors := []prometheus.Collector{
		m.transitionsTotal,
		m.subscriptions,
		m.sweepRuns,
		m.sweepItems,
		m.sweepDuration,
		m.attributeOps,
		m.quotaEvents,
		m.activeSessions,
		m.disconnectAttempts,
		m.disconnectLatency,
		m.notifications,
	}

	for _, c := range collectors {
		if err := prometheus.Register(c); err != nil {
			// Ignore already registered errors
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	return nil
}

// --- Metric update methods ---

// RecordTransition records a subscription status change.
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordSweep records one sweep run and its per-item outcome counts.
func (m *Metrics) RecordSweep(sweep string, processed, failed int, duration time.Duration) {
	if m == nil {
		return
	}
	m.sweepRuns.WithLabelValues(sweep).Inc()
	m.sweepItems.WithLabelValues(sweep, "ok").Add(float64(processed - failed))
	m.sweepItems.WithLabelValues(sweep, "failed").Add(float64(failed))
	m.sweepDuration.WithLabelValues(sweep).Observe(duration.Seconds())
}

// RecordAttributeOp records a synchronizer operation.
func (m *Metrics) RecordAttributeOp(operation string, err error) {
	if m == nil {
		return
	}
	m.attributeOps.WithLabelValues(operation, result(err)).Inc()
}

// RecordQuotaEvent records a quota warning or breach.
func (m *Metrics) RecordQuotaEvent(kind string) {
	if m == nil {
		return
	}
	m.quotaEvents.WithLabelValues(kind).Inc()
}

// RecordDisconnectAttempt records a single channel attempt.
func (m *Metrics) RecordDisconnectAttempt(channel string, success bool, latency time.Duration) {
	if m == nil {
		return
	}
	res := "success"
	if !success {
		res = "failure"
	}
	m.disconnectAttempts.WithLabelValues(channel, res).Inc()
	m.disconnectLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

// RecordNotification records a notification outcome.
func (m *Metrics) RecordNotification(channel, outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(channel, outcome).Inc()
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// Collect updates gauges from the configured sources.
func (m *Metrics) Collect(ctx context.Context) {
	if m.statuses != nil {
		counts, err := m.statuses.CountByStatus(ctx)
		if err != nil {
			m.logger.Debug("Failed to collect subscription counts", zap.Error(err))
		} else {
			for status, n := range counts {
				m.subscriptions.WithLabelValues(status).Set(float64(n))
			}
		}
	}

	if m.sessions != nil {
		n, err := m.sessions.CountActiveSessions(ctx)
		if err != nil {
			m.logger.Debug("Failed to collect active sessions", zap.Error(err))
		} else {
			m.activeSessions.Set(float64(n))
		}
	}
}

// StartCollector runs Collect every interval until ctx is done.
func (m *Metrics) StartCollector(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Collect(ctx)
		}
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
