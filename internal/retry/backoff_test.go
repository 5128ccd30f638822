package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/nodeflow/types"
)

func fastPolicy(maxRetries int) *Policy {
	return &Policy{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestRetryer_SucceedsAfterRetries(t *testing.T) {
	r := NewBackoffRetryer(fastPolicy(3), zap.NewNop())

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return types.NewError(types.ErrNodeUnreachable, "timeout").WithRetryable(true)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryer_NonRetryableStopsImmediately(t *testing.T) {
	r := NewBackoffRetryer(fastPolicy(5), zap.NewNop())

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return types.NewError(types.ErrNodeAuthFailed, "rejected")
	})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, types.ErrNodeAuthFailed, types.GetErrorCode(err))
}

func TestRetryer_PlainErrorNotRetried(t *testing.T) {
	r := NewBackoffRetryer(fastPolicy(5), zap.NewNop())

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return errors.New("plain")
	})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryer_ExhaustsRetries(t *testing.T) {
	r := NewBackoffRetryer(fastPolicy(2), zap.NewNop())

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return types.NewError(types.ErrNodeUnreachable, "down").WithRetryable(true)
	})

	assert.Error(t, err)
	assert.Equal(t, 3, calls) // initial attempt + 2 retries
	assert.Equal(t, types.ErrNodeUnreachable, types.GetErrorCode(err))
}

func TestRetryer_ContextCancelled(t *testing.T) {
	r := NewBackoffRetryer(&Policy{
		MaxRetries:   3,
		InitialDelay: time.Hour, // force the ctx branch
		MaxDelay:     time.Hour,
		Multiplier:   2.0,
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := r.Do(ctx, func() error {
		return types.NewError(types.ErrNodeUnreachable, "down").WithRetryable(true)
	})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryer_OnRetryCallback(t *testing.T) {
	p := fastPolicy(2)
	var attempts []int
	p.OnRetry = func(attempt int, err error, delay time.Duration) {
		attempts = append(attempts, attempt)
	}

	r := NewBackoffRetryer(p, zap.NewNop())
	_ = r.Do(context.Background(), func() error {
		return types.NewError(types.ErrNodeUnreachable, "down").WithRetryable(true)
	})

	assert.Equal(t, []int{1, 2}, attempts)
}

func TestCalculateDelay_Bounded(t *testing.T) {
	r := &backoffRetryer{policy: &Policy{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   10.0,
	}}

	assert.Equal(t, 100*time.Millisecond, r.calculateDelay(1))
	assert.Equal(t, time.Second, r.calculateDelay(5))
}
