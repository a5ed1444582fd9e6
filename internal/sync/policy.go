package sync

import (
	"context"
	"time"
)

// Policy is the shared pacing/backoff schedule. One policy serves both
// inter-batch pacing and error backoff: both exist to stay under WhatsApp's
// throttling, and a single schedule keeps behavior predictable.
type Policy struct {
	BaseDelay   time.Duration
	MaxAttempts int
}

// DefaultPolicy returns the production schedule: 3s base, 3 attempts
// (3s, 6s, 12s).
func DefaultPolicy() Policy {
	return Policy{BaseDelay: 3 * time.Second, MaxAttempts: 3}
}

// Delay returns the backoff delay before the given retry attempt:
// base * 2^(attempt-1). Attempt numbers start at 1; Delay(1) is also the
// inter-batch pacing delay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.BaseDelay << (attempt - 1)
}

// sleepCtx sleeps for d or until ctx is cancelled, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
