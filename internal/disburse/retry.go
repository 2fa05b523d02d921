package disburse

import (
	"context"
	"time"

	"go.uber.org/zap"

	"rampflow/internal/config"
	"rampflow/internal/provider"
	"rampflow/internal/ramp"
)

type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier int
}

func PolicyFrom(cfg config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       cfg.MaxAttempts,
		InitialBackoff:    cfg.InitialBackoff,
		MaxBackoff:        cfg.MaxBackoff,
		BackoffMultiplier: cfg.BackoffMultiplier,
	}
}

// SubmitWithRetry retries Transient failures with exponential backoff. The
// order keeps its idempotency key across attempts; any other kind stops
// immediately.
func (s *Submitter) SubmitWithRetry(ctx context.Context, p provider.Provider, order ramp.DisbursementOrder, policy RetryPolicy) (string, error) {
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	backoff := policy.InitialBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	var lastErr error
	for i := 1; i <= attempts; i++ {
		id, err := s.Submit(ctx, p, order)
		if err == nil {
			if i > 1 {
				s.Metrics.IncRetry("success")
			}
			return id, nil
		}
		lastErr = err
		if !ramp.IsKind(err, ramp.KindTransient) || i == attempts {
			if i > 1 {
				s.Metrics.IncRetry("failed")
			}
			return "", err
		}

		s.Metrics.IncRetry("retry")
		sleep := backoff
		if policy.MaxBackoff > 0 && sleep > policy.MaxBackoff {
			sleep = policy.MaxBackoff
		}
		s.Logger.Info("retrying disbursement",
			zap.Int("attempt", i),
			zap.Duration("backoff", sleep),
			zap.String("transfer_ref", order.TransferReference),
			zap.Error(err))

		timer := time.NewTimer(sleep)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return "", ramp.WithTransfer(ramp.E(ramp.KindTransient, "disburse", "retry interrupted", ctx.Err()), order.TransferReference)
		}

		if policy.BackoffMultiplier > 1 {
			backoff *= time.Duration(policy.BackoffMultiplier)
		}
	}
	return "", lastErr
}
