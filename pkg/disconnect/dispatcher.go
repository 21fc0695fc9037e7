// Package disconnect drops live network sessions through an ordered list
// of channels (RADIUS CoA, router API, SNMP, external radclient) and closes
// the matching accounting rows.
package disconnect

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/radsync/pkg/metrics"
	"github.com/codelaboratoryltd/radsync/pkg/retry"
	"github.com/codelaboratoryltd/radsync/pkg/store"
)

// ErrNoChannels is returned when the dispatcher has nothing to try.
var ErrNoChannels = errors.New("no disconnect channels configured")

// Auditor records disconnect outcomes.
type Auditor interface {
	LogDisconnect(username, sessionID, nas, channel string, attempts int, err error)
}

// Attempt is the outcome of one channel for one session.
type Attempt struct {
	Channel  string
	Success  bool
	Tries    int
	Detail   string
	Duration time.Duration
}

// DisconnectResult is the outcome for one session. It succeeded if any
// channel succeeded.
type DisconnectResult struct {
	Target   Target
	Success  bool
	Channel  string // the channel that succeeded
	Attempts []Attempt
	// RowClosed is true when the accounting row was closed afterwards.
	RowClosed bool
}

// BatchResult aggregates DisconnectAll.
type BatchResult struct {
	Total     int
	Succeeded int
	Failed    int
	Results   []DisconnectResult
}

// SuccessRate returns the succeeded share in percent, 100 for an empty batch.
func (b BatchResult) SuccessRate() float64 {
	if b.Total == 0 {
		return 100
	}
	return float64(b.Succeeded) * 100 / float64(b.Total)
}

// Config configures the dispatcher.
type Config struct {
	// Clock returns the current time.
	Clock func() time.Time

	// Retry applies to each channel call; Timeout bounds every attempt.
	Retry retry.Policy `yaml:"retry"`

	// Breaker configures the per-channel circuit breakers.
	Breaker BreakerConfig `yaml:"breaker"`

	// BatchThreshold is the batch size above which BatchDelay is inserted
	// between sessions.
	BatchThreshold int           `yaml:"batch_threshold"`
	BatchDelay     time.Duration `yaml:"batch_delay"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Clock: time.Now,
		Retry: retry.Policy{
			MaxAttempts:  2,
			InitialDelay: 200 * time.Millisecond,
			Backoff:      retry.BackoffConstant,
			Timeout:      5 * time.Second,
		},
		Breaker:        DefaultBreakerConfig(),
		BatchThreshold: 10,
		BatchDelay:     100 * time.Millisecond,
	}
}

// Dispatcher tries channels in priority order for each session.
type Dispatcher struct {
	config     Config
	channels   []*guarded
	accounting store.AccountingStore
	auditor    Auditor
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewDispatcher creates a dispatcher. Channels are tried in the given order.
func NewDispatcher(config Config, accounting store.AccountingStore, logger *zap.Logger, channels ...Channel) *Dispatcher {
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.Retry.MaxAttempts < 1 {
		config.Retry = DefaultConfig().Retry
	}
	d := &Dispatcher{
		config:     config,
		accounting: accounting,
		logger:     logger,
	}
	for _, ch := range channels {
		if ch == nil {
			continue
		}
		d.channels = append(d.channels, newGuarded(ch, config.Retry, config.Breaker, logger))
	}
	return d
}

// SetAuditor sets the audit trail.
func (d *Dispatcher) SetAuditor(a Auditor) { d.auditor = a }

// SetMetrics sets the metrics sink.
func (d *Dispatcher) SetMetrics(m *metrics.Metrics) { d.metrics = m }

// Channels returns the configured channel names in priority order.
func (d *Dispatcher) Channels() []string {
	names := make([]string, len(d.channels))
	for i, g := range d.channels {
		names[i] = g.channel.Name()
	}
	return names
}

// BreakerStates returns the breaker state per channel.
func (d *Dispatcher) BreakerStates() map[string]string {
	states := make(map[string]string, len(d.channels))
	for _, g := range d.channels {
		states[g.channel.Name()] = g.State()
	}
	return states
}

// Disconnect drops one session identified by session ID, NAS and
// username. On success the open accounting row for it is closed.
func (d *Dispatcher) Disconnect(ctx context.Context, sessionID, nasAddress, username, reason string) DisconnectResult {
	target := Target{SessionID: sessionID, NASAddress: nasAddress, Username: username}
	if d.accounting != nil && username != "" {
		if sessions, err := d.accounting.ActiveSessions(ctx, username); err == nil {
			for _, s := range sessions {
				if s.SessionID == sessionID && (nasAddress == "" || s.NASIPAddress == nasAddress) {
					target = targetFor(s)
					break
				}
			}
		}
	}
	return d.disconnect(ctx, target, reason)
}

// DisconnectSession drops the session of an accounting row.
func (d *Dispatcher) DisconnectSession(ctx context.Context, session store.AccountingSession, reason string) DisconnectResult {
	return d.disconnect(ctx, targetFor(session), reason)
}

// DisconnectAll drops each session in turn. Large batches are paced with
// a small delay between sessions.
func (d *Dispatcher) DisconnectAll(ctx context.Context, sessions []store.AccountingSession, reason string) BatchResult {
	batch := BatchResult{Total: len(sessions), Results: make([]DisconnectResult, 0, len(sessions))}
	pace := d.config.BatchDelay > 0 && d.config.BatchThreshold > 0 && len(sessions) > d.config.BatchThreshold

	for i, s := range sessions {
		if i > 0 && pace {
			select {
			case <-ctx.Done():
			case <-time.After(d.config.BatchDelay):
			}
		}
		res := d.disconnect(ctx, targetFor(s), reason)
		if res.Success {
			batch.Succeeded++
		} else {
			batch.Failed++
		}
		batch.Results = append(batch.Results, res)
	}

	if batch.Total > 0 {
		d.logger.Info("Disconnect batch complete",
			zap.Int("total", batch.Total),
			zap.Int("succeeded", batch.Succeeded),
			zap.Int("failed", batch.Failed),
			zap.Float64("success_rate", batch.SuccessRate()),
		)
	}
	return batch
}

// TerminateUser drops every active session of a username. It returns an
// error when any session could not be dropped.
func (d *Dispatcher) TerminateUser(ctx context.Context, username, cause string) error {
	if d.accounting == nil {
		return nil
	}
	sessions, err := d.accounting.ActiveSessions(ctx, username)
	if err != nil {
		return fmt.Errorf("failed to list active sessions for %s: %w", username, err)
	}
	if len(sessions) == 0 {
		return nil
	}
	batch := d.DisconnectAll(ctx, sessions, cause)
	if batch.Failed > 0 {
		return fmt.Errorf("%d of %d sessions of %s not disconnected", batch.Failed, batch.Total, username)
	}
	return nil
}

func (d *Dispatcher) disconnect(ctx context.Context, target Target, reason string) DisconnectResult {
	res := DisconnectResult{Target: target}
	if len(d.channels) == 0 {
		res.Attempts = append(res.Attempts, Attempt{Detail: ErrNoChannels.Error()})
		d.record(target, "", 0, ErrNoChannels)
		return res
	}

	var lastErr error
	tries := 0
	for _, g := range d.channels {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		name := g.channel.Name()
		start := time.Now()
		n, err := g.call(ctx, target, reason)
		elapsed := time.Since(start)
		tries += n

		d.metrics.RecordDisconnectAttempt(name, err == nil, elapsed)
		attempt := Attempt{Channel: name, Success: err == nil, Tries: n, Duration: elapsed}
		if err != nil {
			attempt.Detail = err.Error()
			lastErr = err
			res.Attempts = append(res.Attempts, attempt)
			d.logger.Warn("Disconnect channel failed",
				zap.String("channel", name),
				zap.String("username", target.Username),
				zap.String("session_id", target.SessionID),
				zap.String("nas", target.NASAddress),
				zap.Error(err),
			)
			continue
		}

		attempt.Detail = "ok"
		res.Attempts = append(res.Attempts, attempt)
		res.Success = true
		res.Channel = name
		break
	}

	if res.Success {
		res.RowClosed = d.closeRow(ctx, target, reason)
		d.logger.Info("Session disconnected",
			zap.String("channel", res.Channel),
			zap.String("username", target.Username),
			zap.String("session_id", target.SessionID),
			zap.String("nas", target.NASAddress),
		)
		d.record(target, res.Channel, tries, nil)
		return res
	}

	d.record(target, "", tries, lastErr)
	return res
}

// closeRow stops the accounting row so usage is accurate even when the
// NAS accounting-stop is lost. A row already stopped by the NAS is fine.
func (d *Dispatcher) closeRow(ctx context.Context, target Target, reason string) bool {
	if d.accounting == nil || target.UniqueID == "" {
		return false
	}
	err := d.accounting.CloseSession(ctx, target.UniqueID, d.config.Clock(), reason)
	if err == nil || errors.Is(err, store.ErrSessionClosed) {
		return err == nil
	}
	d.logger.Warn("Failed to close accounting session",
		zap.String("unique_id", target.UniqueID),
		zap.String("username", target.Username),
		zap.Error(err),
	)
	return false
}

func (d *Dispatcher) record(target Target, channel string, tries int, err error) {
	if d.auditor == nil {
		return
	}
	d.auditor.LogDisconnect(target.Username, target.SessionID, target.NASAddress, channel, tries, err)
}

func targetFor(s store.AccountingSession) Target {
	return Target{
		SessionID:  s.SessionID,
		UniqueID:   s.UniqueID,
		NASAddress: s.NASIPAddress,
		Username:   s.Username,
		FramedIP:   s.FramedIPAddress,
	}
}
