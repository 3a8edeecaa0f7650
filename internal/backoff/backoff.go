// Package backoff carries the retry policy applied to flaky I/O such as
// firmware downloads and serial identification.
package backoff

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
)

// Policy bounds retries of one operation: total attempt count plus the
// base delay and jitter of the exponential backoff between attempts.
type Policy struct {
	Attempts int
	Base     time.Duration
	Jitter   time.Duration
}

// Default returns the policy used when none is configured: three attempts
// spaced one to two seconds apart.
func Default() Policy {
	return Policy{Attempts: 3, Base: time.Second, Jitter: 500 * time.Millisecond}
}

// Retry runs fn until it succeeds, the policy's attempts are exhausted, or
// fn returns an error not wrapped with retry.RetryableError.
func (p Policy) Retry(ctx context.Context, fn retry.RetryFunc) error {
	b := retry.NewExponential(p.Base)
	if p.Jitter > 0 {
		b = retry.WithJitter(p.Jitter, b)
	}
	b = retry.WithMaxRetries(uint64(max(p.Attempts-1, 0)), b)
	return retry.Do(ctx, b, fn)
}
