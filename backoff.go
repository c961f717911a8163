package orderpay

import (
	"context"
	"time"
)

// backoff doubles a delay from base up to max
type backoff struct {
	base    time.Duration
	max     time.Duration
	attempt int
}

func newBackoff(base, max time.Duration) *backoff {
	if max < base {
		max = base
	}
	return &backoff{base: base, max: max}
}

// Next returns the delay for the current attempt and advances
func (b *backoff) Next() time.Duration {
	delay := b.base
	for i := 0; i < b.attempt && delay < b.max; i++ {
		delay *= 2
	}
	if delay > b.max {
		delay = b.max
	}
	b.attempt++
	return delay
}

// Reset starts over from the base delay
func (b *backoff) Reset() {
	b.attempt = 0
}

// sleepContext waits for d or until ctx is done
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
