package pipeline

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/dgallion1/docsum/internal/extract"
	"github.com/dgallion1/docsum/internal/faults"
)

const (
	DefaultMaxAttempts = 3
	DefaultBackoffBase = time.Second
	DefaultBackoffMax  = 30 * time.Second
	DefaultCallTimeout = 2 * time.Minute
)

// RetryPolicy bounds the attempts of one stage.
type RetryPolicy struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = DefaultBackoffBase
	}
	if p.BackoffMax <= 0 {
		p.BackoffMax = DefaultBackoffMax
	}
	return p
}

// Backoff returns a duration for attempt n (0-indexed) with jitter.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt > 30 {
		attempt = 30
	}
	base := p.BackoffBase << uint(attempt)
	if base > p.BackoffMax || base <= 0 {
		base = p.BackoffMax
	}
	jitter := time.Duration(rand.Int64N(int64(base)/2 + 1))
	return base + jitter
}

// IsRetryable checks if an error is worth another attempt: capability
// failures are, including rate limiting and server errors from the assist.
func IsRetryable(err error) bool {
	var retryErr *extract.RetryableError
	return errors.As(err, &retryErr) || faults.IsRetryable(err)
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// invoke runs one capability call under timeout. Failures, timeouts
// included, come back as *faults.CapabilityError; faults.ErrNotAvailable is
// passed through so the caller can switch strategy.
func invoke[T any](ctx context.Context, timeout time.Duration, m *Metrics, capability, op string, call func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	v, err := call(callCtx)
	m.observeCall(capability, op, time.Since(start), err)

	switch {
	case err == nil:
		return v, nil
	case errors.Is(err, faults.ErrNotAvailable):
		return v, err
	case ctx.Err() != nil:
		// The run itself was cancelled, not the call.
		return v, ctx.Err()
	case callCtx.Err() != nil && !errors.Is(err, context.DeadlineExceeded):
		err = errors.Wrap(context.DeadlineExceeded, err.Error())
	}
	return v, faults.Capability(capability, op, err)
}
