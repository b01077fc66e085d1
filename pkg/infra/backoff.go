package infra

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

// jitterRatio spreads each delay by up to +/-20% so reconnecting replicas don't stampede
const jitterRatio = 0.2

// Backoff is a jittered exponential delay used by the broker reconnect loops
type Backoff struct {
	mu         sync.Mutex
	minDelay   time.Duration
	maxDelay   time.Duration
	multiplier float64
	current    time.Duration
	attempts   int
}

func NewBackoff(minDelay, maxDelay time.Duration, mult float64) *Backoff {
	return &Backoff{
		minDelay:   minDelay,
		maxDelay:   maxDelay,
		multiplier: mult,
		current:    minDelay,
	}
}

// Next returns the delay for this attempt and grows the base for the following one
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.attempts++

	jitter := time.Duration((rand.Float64()*2 - 1) * jitterRatio * float64(b.current))
	wait := max(b.current+jitter, b.minDelay)

	b.current = min(time.Duration(float64(b.current)*b.multiplier), b.maxDelay)
	return wait
}

func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.minDelay
	b.attempts = 0
}

func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// Sleep waits for d or until ctx is done, whichever comes first
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
