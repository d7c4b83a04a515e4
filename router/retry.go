package router

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/circuitbreaker/cb/cberr"
)

// RetryPolicy bounds per-candidate retries: up to MaxAttempts with
// exponential backoff min(InitialDelay*Multiplier^n, MaxDelay) plus jitter
// drawn uniformly from [0, JitterFactor*delay). Only transient errors are
// retried; everything else advances to the next candidate (or surfaces).
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	JitterFactor float64
}

// DefaultRetryPolicy mirrors the documented defaults: three attempts,
// 250ms initial delay doubling to a 5s cap, 20% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2,
		MaxDelay:     5 * time.Second,
		JitterFactor: 0.2,
	}
}

// delay computes the backoff before retry attempt n (0-based).
func (p RetryPolicy) delay(n int) time.Duration {
	base := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(n))
	if capped := float64(p.MaxDelay); base > capped {
		base = capped
	}
	if p.JitterFactor > 0 {
		base += rand.Float64() * p.JitterFactor * base
	}
	return time.Duration(base)
}

// sleep waits for d or until ctx is cancelled, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return cberr.Wrap(cberr.KindCancelled, "Cancelled", "router: cancelled during backoff", ctx.Err())
	case <-t.C:
		return nil
	}
}

// transient reports whether err should be retried on the same candidate:
// network/transport failures, timeouts, and provider errors marked
// retryable (429s and 5xx map to retryable in the adapters). Context
// cancellation and non-429 4xx are never transient.
func transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || cberr.Is(err, cberr.KindCancelled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if e, ok := cberr.As(err); ok {
		return e.Retryable()
	}
	// Unclassified errors are treated as transport-level and retried.
	return true
}
