package disconnect

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/radsync/pkg/retry"
)

// Target identifies one live session.
type Target struct {
	SessionID  string
	UniqueID   string // accounting row key, used to close the row on success
	NASAddress string
	Username   string
	FramedIP   net.IP
}

// Channel is one way of dropping a session. Channels are tried in order
// until one succeeds.
type Channel interface {
	Name() string
	Disconnect(ctx context.Context, target Target, reason string) error
}

// ErrCircuitOpen is returned when a channel's breaker rejects the call.
var ErrCircuitOpen = errors.New("circuit breaker open")

// BreakerConfig configures the per-channel circuit breaker.
type BreakerConfig struct {
	// FailureThreshold consecutive failures open the breaker.
	FailureThreshold uint32 `yaml:"failure_threshold"`
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration `yaml:"open_timeout"`
	// Interval clears the counts while closed. Zero never clears.
	Interval time.Duration `yaml:"interval"`
	// MaxRequests allowed through while half-open.
	MaxRequests uint32 `yaml:"max_requests"`
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
		Interval:         time.Minute,
		MaxRequests:      1,
	}
}

// guarded wraps a channel with retry and a circuit breaker.
type guarded struct {
	channel Channel
	breaker *gobreaker.CircuitBreaker[struct{}]
	policy  retry.Policy
	logger  *zap.Logger
}

func newGuarded(ch Channel, policy retry.Policy, cfg BreakerConfig, logger *zap.Logger) *guarded {
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = DefaultBreakerConfig().FailureThreshold
	}
	settings := gobreaker.Settings{
		Name:        ch.Name(),
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("Disconnect channel breaker state changed",
				zap.String("channel", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}
	return &guarded{
		channel: ch,
		breaker: gobreaker.NewCircuitBreaker[struct{}](settings),
		policy:  policy,
		logger:  logger,
	}
}

// call runs the channel through the breaker under the retry policy. An
// open breaker is a permanent failure for this call.
func (g *guarded) call(ctx context.Context, target Target, reason string) (int, error) {
	attempts, err := retry.Do(ctx, g.policy, func(ctx context.Context) error {
		_, err := g.breaker.Execute(func() (struct{}, error) {
			return struct{}{}, g.channel.Disconnect(ctx, target, reason)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return retry.Permanent(fmt.Errorf("%w: %s", ErrCircuitOpen, g.channel.Name()))
		}
		return err
	}, func(a retry.Attempt, next time.Duration) {
		g.logger.Debug("Disconnect attempt failed, retrying",
			zap.String("channel", g.channel.Name()),
			zap.String("username", target.Username),
			zap.Int("attempt", a.Number),
			zap.Duration("next", next),
			zap.Error(a.Err),
		)
	})
	return len(attempts), err
}

// State returns the breaker state name.
func (g *guarded) State() string {
	return g.breaker.State().String()
}
