package store

import (
	"context"
	"math/rand"
	"time"

	"github.com/holoforge/scenecast/internal/errs"
)

// retryConfig implements the backoff schedule from spec §4.2: base 100ms,
// cap 5s, jitter ±20%, max 5 attempts. No off-the-shelf backoff package
// appears anywhere in the retrieved corpus (cenkalti/backoff is only an
// indirect transitive dependency of one example, never imported directly),
// so this is a small hand-rolled helper rather than a wired dependency —
// see DESIGN.md.
const (
	retryBase       = 100 * time.Millisecond
	retryCap        = 5 * time.Second
	retryMaxAttempt = 5
	retryJitterFrac = 0.2
)

// withRetry runs op until it succeeds, returns a non-Transient error, or
// retryMaxAttempt attempts are exhausted.
func withRetry(ctx context.Context, op func() error) error {
	var err error
	delay := retryBase
	for attempt := 1; attempt <= retryMaxAttempt; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		if !errs.Is(err, errs.Transient) {
			return err
		}
		if attempt == retryMaxAttempt {
			break
		}

		jitter := 1 + (rand.Float64()*2-1)*retryJitterFrac
		wait := time.Duration(float64(delay) * jitter)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}

		delay *= 2
		if delay > retryCap {
			delay = retryCap
		}
	}
	return err
}
