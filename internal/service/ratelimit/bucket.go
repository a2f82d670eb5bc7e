// Package ratelimit provides the process-wide token bucket that throttles all
// outbound chat-platform mutations to a known budget.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/communityforge/synthesis-core/internal/domain"
	"github.com/communityforge/synthesis-core/internal/observability"
)

// Bucket is a mutex-guarded token bucket. Refill is computed lazily on each
// call: min(capacity, available + elapsedSec * refillRate). There is exactly
// one instance per process, shared by reference.
type Bucket struct {
	mu         sync.Mutex
	capacity   float64
	refillRate float64
	available  float64
	lastRefill time.Time

	// now is a clock hook for tests.
	now func() time.Time
}

// New constructs a full bucket. Capacity is the burst size; refillRate is the
// steady-state tokens per second.
func New(capacity, refillRate float64) *Bucket {
	if capacity <= 0 {
		capacity = 1
	}
	if refillRate <= 0 {
		refillRate = 1
	}
	b := &Bucket{
		capacity:   capacity,
		refillRate: refillRate,
		available:  capacity,
		now:        time.Now,
	}
	b.lastRefill = b.now()
	return b
}

// refillLocked advances the bucket to now. Caller holds mu.
func (b *Bucket) refillLocked() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.available = min(b.capacity, b.available+elapsed*b.refillRate)
	b.lastRefill = now
}

// Acquire is a non-blocking probe. When no token is available it reports the
// time until one would be.
func (b *Bucket) Acquire() (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()

	if b.available >= 1 {
		b.available--
		observability.TokenBucketAvailable.Set(b.available)
		return true, 0
	}
	shortage := 1 - b.available
	wait := time.Duration(shortage / b.refillRate * float64(time.Second))
	observability.TokenBucketAvailable.Set(b.available)
	return false, wait
}

// AcquireWait blocks until a token is granted or ctx is cancelled. Waiters
// sleep the computed shortage and re-probe, which keeps wakeups roughly in
// arrival order.
func (b *Bucket) AcquireWait(ctx context.Context) error {
	for {
		granted, wait := b.Acquire()
		if granted {
			return nil
		}
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("op=bucket.AcquireWait: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

// Status returns a snapshot after refilling to now.
func (b *Bucket) Status() domain.BucketStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return domain.BucketStatus{
		Capacity:   b.capacity,
		Available:  b.available,
		RefillRate: b.refillRate,
	}
}
