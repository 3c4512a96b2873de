package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// RateLimiter blocks between requests to the portal. Wait returns the
// context error when the context ends first.
type RateLimiter interface {
	Wait(ctx context.Context) error
}

// Delay waits a fixed politeness delay, plus an optional random jitter, on
// every call. The wait is also where a run notices it was cancelled.
type Delay struct {
	mu     sync.Mutex
	delay  time.Duration
	jitter time.Duration
	rnd    *rand.Rand
}

func NewDelay(delay, jitter time.Duration) *Delay {
	return &Delay{
		delay:  delay,
		jitter: jitter,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (d *Delay) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	wait := d.next()
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (d *Delay) SetDelay(delay, jitter time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.delay = delay
	d.jitter = jitter
}

func (d *Delay) next() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.jitter <= 0 {
		return d.delay
	}
	return d.delay + time.Duration(d.rnd.Int63n(int64(d.jitter)))
}

// Backoff grows the wait after consecutive failures and goes back to the
// base delay after a success.
type Backoff struct {
	*Delay
	base       time.Duration
	max        time.Duration
	factor     float64
	errorCount int
	maxErrors  int
}

func NewBackoff(base, max time.Duration) *Backoff {
	return &Backoff{
		Delay:     NewDelay(base, 0),
		base:      base,
		max:       max,
		factor:    2,
		maxErrors: 2,
	}
}

func (b *Backoff) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.errorCount = 0
	b.delay = b.base
}

func (b *Backoff) RecordError() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.errorCount++
	if b.errorCount < b.maxErrors {
		return
	}

	next := time.Duration(float64(b.delay) * b.factor)
	if next > b.max {
		next = b.max
	}
	b.delay = next
	b.errorCount = 0
}

func (b *Backoff) Current() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.delay
}
