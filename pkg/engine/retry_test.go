package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffPolicy_DelayGrowthByStrategy(t *testing.T) {
	constant := BackoffPolicy{InitialDelay: 100 * time.Millisecond, Strategy: BackoffConstant}
	assert.Equal(t, 100*time.Millisecond, constant.Delay(1))
	assert.Equal(t, 100*time.Millisecond, constant.Delay(5))

	linear := BackoffPolicy{InitialDelay: 100 * time.Millisecond, Strategy: BackoffLinear}
	assert.Equal(t, 200*time.Millisecond, linear.Delay(2))
	assert.Equal(t, 300*time.Millisecond, linear.Delay(3))

	exp := BackoffPolicy{InitialDelay: 100 * time.Millisecond, Strategy: BackoffExponential, MaxDelay: 350 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, exp.Delay(1))
	assert.Equal(t, 200*time.Millisecond, exp.Delay(2))
	assert.Equal(t, 350*time.Millisecond, exp.Delay(3), "capped at MaxDelay")
}

func TestBackoffPolicy_DelayAtZeroAttemptIsZero(t *testing.T) {
	p := DefaultBackoffPolicy()
	assert.Equal(t, time.Duration(0), p.Delay(0))
}

func TestBackoffPolicy_ExecuteSucceedsAfterRetries(t *testing.T) {
	p := BackoffPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, Strategy: BackoffConstant}
	attempts := 0
	err := p.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestBackoffPolicy_ExecuteExhaustsAttempts(t *testing.T) {
	p := BackoffPolicy{MaxAttempts: 2, InitialDelay: time.Millisecond, Strategy: BackoffConstant}
	attempts := 0
	err := p.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return errors.New("always fails")
	})
	require.Error(t, err)
	assert.Equal(t, 2, attempts)
}

func TestBackoffPolicy_ExecuteHonorsCancellation(t *testing.T) {
	p := BackoffPolicy{MaxAttempts: 5, InitialDelay: 50 * time.Millisecond, Strategy: BackoffConstant}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Execute(ctx, func(ctx context.Context) error {
		return errors.New("should not run after cancellation")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
