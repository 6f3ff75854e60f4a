package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	errs "github.com/cantonex/engine/pkg/errors"
)

func fastPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		CallTimeout:     time.Second,
	}
}

func TestRetryEventualSuccess(t *testing.T) {
	calls := 0
	err := fastPolicy().Do(context.Background(), zap.NewNop(), "op", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errs.Retryable(nil, "transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryPermanentErrorFailsFast(t *testing.T) {
	calls := 0
	err := fastPolicy().Do(context.Background(), zap.NewNop(), "op", func(ctx context.Context) error {
		calls++
		return errs.InsufficientFunds("no funds")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "non-retryable errors are not retried")
	assert.Equal(t, errs.KindInsufficientFunds, errs.KindOf(err))
}

func TestRetryExhaustionWrapsRetryable(t *testing.T) {
	calls := 0
	err := fastPolicy().Do(context.Background(), zap.NewNop(), "op", func(ctx context.Context) error {
		calls++
		return errs.Retryable(nil, "still down")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, errs.IsRetryable(err))
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := fastPolicy().Do(ctx, zap.NewNop(), "op", func(ctx context.Context) error {
		calls++
		cancel()
		return errs.Retryable(nil, "transient")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
