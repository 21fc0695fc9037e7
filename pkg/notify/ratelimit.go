package notify

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RateLimiter decides whether a recipient may be sent another notice.
// Allowed sends are counted; rejected ones are not.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// RateLimitConfig bounds notices per recipient. Zero disables a window.
type RateLimitConfig struct {
	PerMinute int `yaml:"per_minute"`
	PerHour   int `yaml:"per_hour"`
}

// DefaultRateLimitConfig returns sensible defaults.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{PerMinute: 2, PerHour: 10}
}

type window struct {
	length time.Duration
	limit  int
}

func (c RateLimitConfig) windows() []window {
	return []window{{time.Minute, c.PerMinute}, {time.Hour, c.PerHour}}
}

// MemoryRateLimiter is a per-process sliding window limiter.
type MemoryRateLimiter struct {
	config RateLimitConfig
	clock  func() time.Time

	mu   sync.Mutex
	sent map[string][]time.Time
}

// NewMemoryRateLimiter creates an in-memory limiter.
func NewMemoryRateLimiter(config RateLimitConfig) *MemoryRateLimiter {
	return &MemoryRateLimiter{
		config: config,
		clock:  time.Now,
		sent:   make(map[string][]time.Time),
	}
}

// Allow implements RateLimiter.
func (l *MemoryRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()

	// Keep the last hour only.
	kept := l.sent[key][:0]
	for _, t := range l.sent[key] {
		if now.Sub(t) < time.Hour {
			kept = append(kept, t)
		}
	}
	l.sent[key] = kept

	for _, w := range l.config.windows() {
		if w.limit <= 0 {
			continue
		}
		n := 0
		for _, t := range kept {
			if now.Sub(t) < w.length {
				n++
			}
		}
		if n >= w.limit {
			return false, nil
		}
	}
	l.sent[key] = append(kept, now)
	return true, nil
}

// RedisRateLimiter is a sliding window limiter shared by every instance,
// kept as one sorted set per recipient scored by send time.
type RedisRateLimiter struct {
	client redis.UniversalClient
	config RateLimitConfig
	prefix string
	clock  func() time.Time
}

// NewRedisRateLimiter creates a Redis-backed limiter.
func NewRedisRateLimiter(client redis.UniversalClient, config RateLimitConfig) *RedisRateLimiter {
	return &RedisRateLimiter{
		client: client,
		config: config,
		prefix: "radsync:notify:ratelimit:",
		clock:  time.Now,
	}
}

// Allow implements RateLimiter.
func (l *RedisRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := l.clock()
	redisKey := l.prefix + key

	pipe := l.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", strconv.FormatInt(now.Add(-time.Hour).UnixNano(), 10))
	counts := make([]*redis.IntCmd, 0, 2)
	for _, w := range l.config.windows() {
		counts = append(counts, pipe.ZCount(ctx, redisKey, strconv.FormatInt(now.Add(-w.length).UnixNano(), 10), "+inf"))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to read rate limit window: %w", err)
	}

	for i, w := range l.config.windows() {
		if w.limit > 0 && counts[i].Val() >= int64(w.limit) {
			return false, nil
		}
	}

	pipe = l.client.Pipeline()
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixNano()), Member: uuid.NewString()})
	pipe.Expire(ctx, redisKey, time.Hour+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to record send: %w", err)
	}
	return true, nil
}

// Reset clears the window of a recipient.
func (l *RedisRateLimiter) Reset(ctx context.Context, key string) error {
	return l.client.Del(ctx, l.prefix+key).Err()
}
