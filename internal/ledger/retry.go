package ledger

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	errs "github.com/cantonex/engine/pkg/errors"
	"github.com/cantonex/engine/pkg/metrics"
)

// RetryPolicy bounds retries of transient ledger failures with
// exponential backoff. Lock-contention style conflicts from the ledger
// are retried up to MaxAttempts; anything else fails immediately.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	CallTimeout     time.Duration
}

// DefaultRetryPolicy matches the backoff the engine config defaults to.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     4,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		CallTimeout:     5 * time.Second,
	}
}

// Do invokes fn, retrying while it returns a retryable ledger error.
// Each attempt runs under the policy's call timeout. When attempts are
// exhausted the last error is surfaced wrapped as RETRYABLE_LEDGER_ERROR
// so the caller can decide to retry the whole operation.
func (p RetryPolicy) Do(ctx context.Context, log *zap.Logger, op string, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialInterval
	bo.MaxInterval = p.MaxInterval

	attempt := 0
	call := func() error {
		attempt++
		callCtx := ctx
		if p.CallTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, p.CallTimeout)
			defer cancel()
		}
		err := fn(callCtx)
		if err == nil {
			return nil
		}
		if !errs.IsRetryable(err) && callCtx.Err() == nil {
			return backoff.Permanent(err)
		}
		if attempt >= attempts {
			return backoff.Permanent(errs.Retryable(err, "ledger call "+op+" exhausted retries"))
		}
		metrics.LedgerRetries.WithLabelValues(op).Inc()
		log.Warn("retrying ledger call",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Error(err))
		return err
	}

	return backoff.Retry(call, backoff.WithContext(bo, ctx))
}
