package coordinator

import (
	"context"
	"math/rand"
	"time"

	"github.com/strata-systems/strata-core-sub002/pkg/kv"
	"github.com/strata-systems/strata-core-sub002/pkg/txn"
)

// RetryOptions configures WithRetry's backoff. Zero values fall back to
// the defaults below.
type RetryOptions struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

const (
	defaultMaxAttempts = 5
	defaultBaseDelay   = 10 * time.Millisecond
	defaultMaxDelay    = 1 * time.Second
)

func (o RetryOptions) maxAttempts() int {
	if o.MaxAttempts > 0 {
		return o.MaxAttempts
	}
	return defaultMaxAttempts
}

func (o RetryOptions) baseDelay() time.Duration {
	if o.BaseDelay > 0 {
		return o.BaseDelay
	}
	return defaultBaseDelay
}

func (o RetryOptions) maxDelay() time.Duration {
	if o.MaxDelay > 0 {
		return o.MaxDelay
	}
	return defaultMaxDelay
}

// WithRetry runs fn within a fresh transaction on runID, committing on
// success and retrying with exponential backoff and jitter when the
// commit fails with a kv.ConflictError — never on other error kinds, so
// a caller's genuine mistake (invalid input, a constraint violation)
// surfaces immediately instead of being retried. Retrying is left to the
// caller to opt into explicitly; a bare commit never retries on its own.
func WithRetry(ctx context.Context, c *Coordinator, runID string, fn func(*txn.Txn) error, opts RetryOptions) (uint64, error) {
	var lastErr error
	for attempt := 0; attempt < opts.maxAttempts(); attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt, opts.baseDelay(), opts.maxDelay())
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(delay):
			}
		}

		t := c.Begin(runID)
		if err := fn(t); err != nil {
			lastErr = err
			break
		}
		commitVersion, err := c.Commit(t)
		if err == nil {
			return commitVersion, nil
		}
		lastErr = err
		if _, isConflict := err.(kv.ConflictError); !isConflict {
			break
		}
	}
	return 0, lastErr
}

// backoffDelay computes an exponential delay capped at max, with full
// jitter (uniform in [0, computed]) to avoid retry storms across
// competing transactions.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	d := base << uint(attempt-1)
	if d > max || d <= 0 {
		d = max
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}
