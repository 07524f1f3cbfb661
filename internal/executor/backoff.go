package executor

import (
	"context"
	"time"
)

// Backoff is an exponential delay schedule with a ceiling.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// WithDefaults fills unset fields with 500ms, 10s and 2.
func (b Backoff) WithDefaults() Backoff {
	if b.Initial <= 0 {
		b.Initial = 500 * time.Millisecond
	}
	if b.Max <= 0 {
		b.Max = 10 * time.Second
	}
	if b.Multiplier < 1 {
		b.Multiplier = 2
	}
	return b
}

// Next grows delay by the multiplier, capped at Max.
func (b Backoff) Next(delay time.Duration) time.Duration {
	delay = time.Duration(float64(delay) * b.Multiplier)
	if delay > b.Max {
		delay = b.Max
	}
	return delay
}

// Sleep waits for d or until ctx ends.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
