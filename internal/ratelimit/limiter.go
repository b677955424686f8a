// Package ratelimit throttles calls to the Hub and Store and retries the
// ones rejected for rate or transient connectivity reasons.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"hub-sync-service/internal/config"
	"hub-sync-service/internal/logger"
	"hub-sync-service/internal/syncerr"
)

const (
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 30 * time.Second
)

// Limiter pairs a permit bucket with a per-call retry budget. The budget is
// independent of the failure ledger: once it is spent the error surfaces to
// the caller with its kind intact.
type Limiter struct {
	name           string
	bucket         Bucket
	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	sleep          func(ctx context.Context, d time.Duration) error
}

type Option func(*Limiter)

// WithSleep replaces the backoff sleep, used by tests to avoid real waits.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Limiter) { l.sleep = fn }
}

func New(name string, cfg config.RateLimitConfig, bucket Bucket, opts ...Option) *Limiter {
	l := &Limiter{
		name:           name,
		bucket:         bucket,
		maxRetries:     cfg.MaxRetries,
		initialBackoff: cfg.GetInitialBackoff(),
		maxBackoff:     cfg.GetMaxBackoff(),
		sleep:          sleep,
	}
	if l.bucket == nil {
		l.bucket = NewLocalBucket(cfg.RequestsPerSecond, cfg.Burst)
	}
	if l.maxRetries < 0 {
		l.maxRetries = 0
	}
	if l.initialBackoff <= 0 {
		l.initialBackoff = defaultInitialBackoff
	}
	if l.maxBackoff < l.initialBackoff {
		l.maxBackoff = defaultMaxBackoff
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// FromConfig picks the Redis bucket when the quota is shared and a client
// is available, and a local bucket otherwise.
func FromConfig(name string, cfg config.RateLimitConfig, rdb *redis.Client) *Limiter {
	var bucket Bucket
	if cfg.Shared && rdb != nil {
		bucket = NewRedisBucket(rdb, name, cfg.RequestsPerSecond, cfg.Burst)
	}
	return New(name, cfg, bucket)
}

// Acquire waits for one permit.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.bucket.Wait(ctx); err != nil {
		return syncerr.Connectivity(l.name+": acquire permit", err)
	}
	return nil
}

// Do runs fn under a permit. Rate limit and connectivity failures are
// retried with a doubling backoff, or the server's Retry-After hint when
// that is longer, up to the configured number of retries.
func (l *Limiter) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	backoff := l.initialBackoff
	for attempt := 0; ; attempt++ {
		if err := l.Acquire(ctx); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil || !syncerr.IsRetryable(err) {
			return err
		}
		if attempt >= l.maxRetries {
			return fmt.Errorf("%s: gave up after %d attempts: %w", op, attempt+1, err)
		}

		wait := backoff
		if hint := syncerr.RetryAfterOf(err); hint > wait {
			wait = hint
		}
		logger.Log.Debug("Retrying call",
			zap.String("limiter", l.name),
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		if serr := l.sleep(ctx, wait); serr != nil {
			return syncerr.Connectivity(op, fmt.Errorf("%w (last error: %v)", serr, err))
		}

		backoff *= 2
		if backoff > l.maxBackoff {
			backoff = l.maxBackoff
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
