package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicy_Delay(t *testing.T) {
	exp := Policy{InitialDelay: 100 * time.Millisecond, Backoff: BackoffExponential, MaxDelay: time.Second}
	assert.Equal(t, 100*time.Millisecond, exp.Delay(1))
	assert.Equal(t, 200*time.Millisecond, exp.Delay(2))
	assert.Equal(t, 400*time.Millisecond, exp.Delay(3))
	assert.Equal(t, 800*time.Millisecond, exp.Delay(4))
	assert.Equal(t, time.Second, exp.Delay(5))
	assert.Equal(t, time.Second, exp.Delay(50))

	constant := Policy{InitialDelay: 250 * time.Millisecond, Backoff: BackoffConstant}
	assert.Equal(t, 250*time.Millisecond, constant.Delay(1))
	assert.Equal(t, 250*time.Millisecond, constant.Delay(4))

	assert.Equal(t, time.Duration(0), Policy{}.Delay(1))
}

func TestPolicy_Validate(t *testing.T) {
	assert.NoError(t, DefaultPolicy().Validate())
	assert.Error(t, Policy{}.Validate())
	assert.Error(t, Policy{MaxAttempts: 1, Backoff: "linear"}.Validate())
	assert.Error(t, Policy{MaxAttempts: 1, Timeout: -time.Second}.Validate())
}

func TestDo_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	var retried []int
	attempts, err := Do(context.Background(),
		Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, Backoff: BackoffConstant},
		func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("flaky")
			}
			return nil
		},
		func(a Attempt, next time.Duration) { retried = append(retried, a.Number) },
	)

	require.NoError(t, err)
	assert.Len(t, attempts, 3)
	assert.Equal(t, []int{1, 2}, retried)
	assert.Nil(t, attempts[2].Err)
}

func TestDo_Exhausted(t *testing.T) {
	boom := errors.New("boom")
	attempts, err := Do(context.Background(), Policy{MaxAttempts: 4}, func(ctx context.Context) error {
		return boom
	}, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, attempts, 4)
}

func TestDo_PermanentStops(t *testing.T) {
	calls := 0
	attempts, err := Do(context.Background(), Policy{MaxAttempts: 5}, func(ctx context.Context) error {
		calls++
		return Permanent(errors.New("bad request"))
	}, nil)

	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, 1, calls)
	assert.Len(t, attempts, 1)
}

func TestDo_PerAttemptTimeout(t *testing.T) {
	attempts, err := Do(context.Background(), Policy{MaxAttempts: 2, Timeout: 10 * time.Millisecond}, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, nil)

	require.Error(t, err)
	assert.Len(t, attempts, 2)
	for _, a := range attempts {
		assert.ErrorIs(t, a.Err, context.DeadlineExceeded)
	}
}

func TestDo_LateSuccessIsSuccess(t *testing.T) {
	calls := 0
	attempts, err := Do(context.Background(), Policy{MaxAttempts: 3, Timeout: 10 * time.Millisecond}, func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 1, calls, "a delivered attempt is not repeated")
	require.Len(t, attempts, 1)
	assert.NoError(t, attempts[0].Err)
}

func TestDo_ContextCancelledDuringDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	attempts, err := Do(ctx, Policy{MaxAttempts: 3, InitialDelay: time.Hour}, func(ctx context.Context) error {
		return errors.New("down")
	}, nil)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, attempts, 1)
	assert.Less(t, time.Since(start), time.Second)
}
