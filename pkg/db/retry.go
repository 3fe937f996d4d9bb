package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/smallbiznis/carebill/internal/config"
)

// RetryConfig bounds how often a contended unit of work is replayed.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      5,
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     500 * time.Millisecond,
	}
}

func NewRetryConfig(cfg config.Config) RetryConfig {
	return RetryConfig{
		MaxRetries:      cfg.Ledger.MaxRetries,
		InitialInterval: cfg.Ledger.InitialInterval,
		MaxInterval:     cfg.Ledger.MaxInterval,
	}
}

// Retry replays fn while it fails with a retryable database error or an
// error accepted by isConflict. Any other error stops the loop and is
// returned as is. When retries run out the last error is returned.
func Retry(ctx context.Context, cfg RetryConfig, isConflict func(error) bool, onRetry func(error, time.Duration), fn func(context.Context) error) error {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = DefaultRetryConfig().InitialInterval
	}
	if cfg.MaxInterval < cfg.InitialInterval {
		cfg.MaxInterval = cfg.InitialInterval
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxInterval = cfg.MaxInterval

	op := func() (struct{}, error) {
		err := fn(ctx)
		if err == nil {
			return struct{}{}, nil
		}
		if IsRetryable(err) || (isConflict != nil && isConflict(err)) {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(cfg.MaxRetries) + 1),
	}
	if onRetry != nil {
		opts = append(opts, backoff.WithNotify(onRetry))
	}

	_, err := backoff.Retry(ctx, op, opts...)
	return err
}

// RetryOrConflict is Retry for optimistic units of work: conflict marks a
// lost compare-and-set, and exhausted contention of any kind surfaces as an
// error wrapping conflict.
func RetryOrConflict(ctx context.Context, cfg RetryConfig, conflict error, onRetry func(error, time.Duration), fn func(context.Context) error) error {
	err := Retry(ctx, cfg, func(err error) bool { return errors.Is(err, conflict) }, onRetry, fn)
	if err == nil || errors.Is(err, conflict) {
		return err
	}
	if IsRetryable(err) {
		return fmt.Errorf("%w: %v", conflict, err)
	}
	return err
}
