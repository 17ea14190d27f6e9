package cachering

import (
	"context"
	"math/rand/v2"
	"time"
)

// backoff produces exponentially growing delays with full jitter.
type backoff struct {
	base    time.Duration
	max     time.Duration
	attempt int
}

func newBackoff(base, limit time.Duration) *backoff {
	if limit < base {
		limit = base
	}
	return &backoff{base: base, max: limit}
}

// next returns a random delay in [base/2, ceiling], where the ceiling doubles
// with every call up to max.
func (b *backoff) next() time.Duration {
	var ceiling = b.base << min(b.attempt, 30)
	if ceiling <= 0 || ceiling > b.max {
		ceiling = b.max
	}
	b.attempt++

	var floor = b.base / 2
	if ceiling <= floor {
		return ceiling
	}
	return floor + rand.N(ceiling-floor)
}

// sleep waits for the next delay or until ctx is done.
func (b *backoff) sleep(ctx context.Context) error {
	var timer = time.NewTimer(b.next())
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
