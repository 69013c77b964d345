package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Keep renews a held lease every interval until stop is called or ctx ends.
// The returned context is cancelled with cause ErrLeaseLost as soon as a
// renewal fails, so work running under it aborts.
func (c *Coordinator) Keep(ctx context.Context, key, leaseID string, interval time.Duration) (context.Context, func()) {
	if interval <= 0 {
		interval = time.Second
	}
	leaseCtx, cancel := context.WithCancelCause(ctx)
	t := time.NewTicker(interval)
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		for {
			select {
			case <-leaseCtx.Done():
				return
			case <-t.C:
				if _, err := c.Renew(leaseCtx, key, leaseID); err != nil {
					if leaseCtx.Err() != nil {
						return
					}
					c.log.Warn("lease renewal failed", zap.String("lease_key", key), zap.Error(err))
					if !errors.Is(err, ErrLeaseLost) {
						err = fmt.Errorf("%w: %w", ErrLeaseLost, err)
					}
					cancel(err)
					return
				}
			}
		}
	}()

	return leaseCtx, func() {
		t.Stop()
		cancel(context.Canceled)
		<-stopped
	}
}

// WithLease runs fn while holding the lease on key, renewing it at a third
// of d. It returns ErrLeaseHeld without running fn when another holder owns
// the key. If the lease is lost while fn runs, fn's context is cancelled and
// the returned error wraps ErrLeaseLost.
func (c *Coordinator) WithLease(ctx context.Context, key string, d time.Duration, fn func(ctx context.Context) error) error {
	leaseID, ok, err := c.Acquire(ctx, key, "", d)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrLeaseHeld, key)
	}

	leaseCtx, stop := c.Keep(ctx, key, leaseID, d/3)
	runErr := fn(leaseCtx)
	lost := context.Cause(leaseCtx)
	stop()

	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := c.Release(releaseCtx, key, leaseID); err != nil {
		c.log.Warn("lease release failed", zap.String("lease_key", key), zap.Error(err))
	}

	if errors.Is(lost, ErrLeaseLost) {
		if runErr == nil {
			return lost
		}
		return fmt.Errorf("%w (%w)", runErr, lost)
	}
	return runErr
}
