// Package retry runs data-source and storage calls under a per-attempt
// timeout, retrying transient failures with a delay between attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/lakeconnector/pkg/job"
	"github.com/3leaps/lakeconnector/pkg/provider"
)

const (
	DefaultRetries = 3
	DefaultDelay   = 30 * time.Second
)

// Policy configures Do. Zero Delay uses DefaultDelay and zero or negative
// Retries makes a single attempt; Timeout zero means the attempt is bounded
// only by the caller's context.
type Policy struct {
	Timeout time.Duration
	Retries int
	Delay   time.Duration

	// Backoff overrides the delay before attempt n (1-based). Nil waits Delay.
	Backoff func(attempt int) time.Duration

	// Retryable classifies errors. Nil uses IsTransient.
	Retryable func(error) bool

	Logger *zap.Logger
}

// Do calls fn until it succeeds, fails with a non-retryable error, or the
// retry budget is spent. Attempt timeouts count as retryable. An exhausted
// budget is reported as a fatal job error wrapping the last failure.
func Do[T any](ctx context.Context, op string, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if p.Retries < 0 {
		p.Retries = 0
	}
	if p.Delay <= 0 {
		p.Delay = DefaultDelay
	}
	if p.Retryable == nil {
		p.Retryable = IsTransient
	}
	log := p.Logger
	if log == nil {
		log = zap.NewNop()
	}

	for attempt := 0; ; attempt++ {
		v, err := runAttempt(ctx, p.Timeout, fn)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return zero, job.Cancelled(op, context.Cause(ctx))
		}
		if !p.Retryable(err) {
			return zero, err
		}
		if attempt >= p.Retries {
			log.Error("retry budget exhausted", zap.String("op", op), zap.Int("attempts", attempt+1), zap.Error(err))
			return zero, job.Fatal(op, fmt.Errorf("after %d attempts: %w", attempt+1, err))
		}

		delay := p.Delay
		if p.Backoff != nil {
			delay = p.Backoff(attempt + 1)
		}
		log.Warn("retrying after transient failure",
			zap.String("op", op), zap.Int("attempt", attempt+1), zap.Duration("delay", delay), zap.Error(err))

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return zero, job.Cancelled(op, context.Cause(ctx))
		case <-t.C:
		}
	}
}

// WithDefaults fills an unset budget: zero Retries becomes DefaultRetries and
// zero Delay becomes delay. Negative Retries stays, disabling retries.
func (p Policy) WithDefaults(delay time.Duration) Policy {
	if p.Retries == 0 {
		p.Retries = DefaultRetries
	}
	if p.Delay == 0 {
		p.Delay = delay
	}
	return p
}

// Run is Do for functions without a result.
func Run(ctx context.Context, op string, p Policy, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, op, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(actx)
}

// IsTransient reports whether err looks like an I/O or timeout failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var jerr *job.Error
	if errors.As(err, &jerr) {
		return jerr.Kind == job.KindRetryable
	}
	if errors.Is(err, context.DeadlineExceeded) || provider.IsTransient(err) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Exponential returns a backoff doubling from initial up to max.
func Exponential(initial, maxDelay time.Duration) func(attempt int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			return initial
		}
		d := float64(initial) * math.Pow(2, float64(attempt-1))
		if d > float64(maxDelay) {
			return maxDelay
		}
		return time.Duration(d)
	}
}
