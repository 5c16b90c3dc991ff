// Package ratelimit provides the token bucket backing per-peer upload
// budgets. The unchoke scheduler resizes each unchoked peer's bucket at
// every rotation; senders consume from it per chunk.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// Bucket is a token bucket counted in bytes per second.
type Bucket struct {
	mu         sync.Mutex
	rate       float64 // bytes per second
	burst      float64 // max accumulated bytes
	available  float64
	lastRefill time.Time
}

// NewBucket creates a bucket refilling at rate bytes/second with the
// given burst ceiling. The bucket starts full.
func NewBucket(rate float64, burst int) *Bucket {
	return &Bucket{
		rate:       rate,
		burst:      float64(burst),
		available:  float64(burst),
		lastRefill: time.Now(),
	}
}

// refillLocked credits the bytes earned since the last refill, capped
// at the burst ceiling.
func (b *Bucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	b.lastRefill = now
	b.available = math.Min(b.burst, b.available+b.rate*elapsed.Seconds())
}

// SetRate changes the refill rate and burst ceiling. Used when the
// unchoke rotation reallocates bandwidth across peers.
func (b *Bucket) SetRate(rate float64, burst int) {
	b.mu.Lock()
	b.refillLocked(time.Now())
	b.rate = rate
	b.burst = float64(burst)
	if b.available > b.burst {
		b.available = b.burst
	}
	b.mu.Unlock()
}

// Rate returns the current refill rate in bytes per second.
func (b *Bucket) Rate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rate
}

// Allow consumes n bytes if available and reports whether it did.
func (b *Bucket) Allow(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	if b.available < float64(n) {
		return false
	}
	b.available -= float64(n)
	return true
}

// Wait blocks until n bytes are available or ctx is done.
func (b *Bucket) Wait(ctx context.Context, n int) error {
	for {
		if b.Allow(n) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}
