package service

import (
	"context"
	"errors"
	"time"

	"mlmledger/internal/repository"

	"github.com/cenkalti/backoff/v5"
	"gorm.io/gorm"
)

// retryPolicy bounds the retries of transient storage and lock failures.
type retryPolicy struct {
	maxTries uint
	initial  time.Duration
}

func newRetryPolicy(maxTries int, initial time.Duration) retryPolicy {
	if maxTries < 1 {
		maxTries = 1
	}
	if initial <= 0 {
		initial = 50 * time.Millisecond
	}
	return retryPolicy{maxTries: uint(maxTries), initial: initial}
}

// permanent reports errors that retrying cannot fix.
func permanent(err error) bool {
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, gorm.ErrRecordNotFound),
		errors.Is(err, errReplay),
		errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrConfigurationInvalid),
		errors.Is(err, ErrTreeIntegrity),
		errors.Is(err, ErrPayoutKeyMismatch),
		errors.Is(err, ErrInvalidKeyType),
		errors.Is(err, ErrWithdrawalDecided),
		errors.Is(err, ErrInvalidEntry),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrAlreadyReversed),
		errors.Is(err, ErrBatchNotFound),
		errors.Is(err, repository.ErrAccountNotFound),
		errors.Is(err, repository.ErrConsultantNotFound),
		errors.Is(err, repository.ErrConfigNotFound),
		errors.Is(err, repository.ErrInvalidTransition):
		return true
	}
	return false
}

func retry[T any](ctx context.Context, p retryPolicy, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.initial
	b.MaxInterval = 2 * time.Second
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && permanent(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(p.maxTries))
}
