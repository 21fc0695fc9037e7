package notify

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stepClock struct{ now time.Time }

func (c *stepClock) Now() time.Time          { return c.now }
func (c *stepClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return client, mr
}

func TestMemoryRateLimiter_Windows(t *testing.T) {
	ctx := context.Background()
	clock := &stepClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	l := NewMemoryRateLimiter(RateLimitConfig{PerMinute: 2, PerHour: 3})
	l.clock = clock.Now

	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, "customer:c1")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _ := l.Allow(ctx, "customer:c1")
	assert.False(t, ok, "third send within a minute")

	ok, _ = l.Allow(ctx, "customer:c2")
	assert.True(t, ok, "other recipients are independent")

	clock.Advance(61 * time.Second)
	ok, _ = l.Allow(ctx, "customer:c1")
	assert.True(t, ok)

	clock.Advance(61 * time.Second)
	ok, _ = l.Allow(ctx, "customer:c1")
	assert.False(t, ok, "hourly budget used up")

	clock.Advance(time.Hour)
	ok, _ = l.Allow(ctx, "customer:c1")
	assert.True(t, ok)
}

func TestMemoryRateLimiter_RejectedNotCounted(t *testing.T) {
	ctx := context.Background()
	clock := &stepClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	l := NewMemoryRateLimiter(RateLimitConfig{PerMinute: 1})
	l.clock = clock.Now

	ok, _ := l.Allow(ctx, "k")
	require.True(t, ok)
	for i := 0; i < 5; i++ {
		clock.Advance(10 * time.Second)
		ok, _ = l.Allow(ctx, "k")
		assert.False(t, ok)
	}
	// The first send is now more than a minute old.
	clock.Advance(15 * time.Second)
	ok, _ = l.Allow(ctx, "k")
	assert.True(t, ok)
}

func TestMemoryRateLimiter_ZeroDisables(t *testing.T) {
	l := NewMemoryRateLimiter(RateLimitConfig{})
	for i := 0; i < 50; i++ {
		ok, err := l.Allow(context.Background(), "k")
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestRedisRateLimiter_SlidingWindow(t *testing.T) {
	client, _ := setupTestRedis(t)
	ctx := context.Background()
	clock := &stepClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}

	l := NewRedisRateLimiter(client, RateLimitConfig{PerMinute: 2, PerHour: 3})
	l.clock = clock.Now

	ok, err := l.Allow(ctx, "customer:c1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = l.Allow(ctx, "customer:c1")
	assert.True(t, ok)
	ok, _ = l.Allow(ctx, "customer:c1")
	assert.False(t, ok)

	n, err := client.ZCard(ctx, "radsync:notify:ratelimit:customer:c1").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "rejected send is not recorded")

	clock.Advance(2 * time.Minute)
	ok, _ = l.Allow(ctx, "customer:c1")
	assert.True(t, ok)
	ok, _ = l.Allow(ctx, "customer:c1")
	assert.False(t, ok, "hourly limit")

	require.NoError(t, l.Reset(ctx, "customer:c1"))
	ok, _ = l.Allow(ctx, "customer:c1")
	assert.True(t, ok)
}

func TestRedisRateLimiter_SharedAcrossInstances(t *testing.T) {
	client, _ := setupTestRedis(t)
	ctx := context.Background()
	cfg := RateLimitConfig{PerMinute: 1}

	a := NewRedisRateLimiter(client, cfg)
	b := NewRedisRateLimiter(client, cfg)

	ok, err := a.Allow(ctx, "phone:555")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = b.Allow(ctx, "phone:555")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisRateLimiter_Unavailable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	l := NewRedisRateLimiter(client, DefaultRateLimitConfig())
	_, err = l.Allow(context.Background(), "k")
	assert.Error(t, err)

	// The engine fails open on limiter errors.
	sms := &fakeChannel{kind: ChannelSMS}
	cfg := testConfig()
	e, err := NewEngine(cfg, l, zap.NewNop(), sms)
	require.NoError(t, err)
	res := e.Send(context.Background(), EventExpired, alice, nil, ChannelSMS)
	assert.True(t, res.Delivered())
}
