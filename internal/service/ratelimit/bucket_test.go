package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucketStartsFull(t *testing.T) {
	t.Parallel()
	b := New(5, 1)

	for i := 0; i < 5; i++ {
		granted, wait := b.Acquire()
		assert.True(t, granted, "token %d", i)
		assert.Zero(t, wait)
	}
	granted, wait := b.Acquire()
	assert.False(t, granted)
	assert.Greater(t, wait, time.Duration(0))
}

func TestBucketRefillsAtRate(t *testing.T) {
	t.Parallel()
	b := New(10, 2)

	clock := time.Now()
	b.now = func() time.Time { return clock }
	b.lastRefill = clock
	b.available = 0

	// 2 tokens/s for 1.5 s yields 3 tokens.
	clock = clock.Add(1500 * time.Millisecond)
	st := b.Status()
	assert.InDelta(t, 3.0, st.Available, 0.01)
}

func TestBucketNeverExceedsCapacity(t *testing.T) {
	t.Parallel()
	b := New(3, 100)

	clock := time.Now()
	b.now = func() time.Time { return clock }
	b.lastRefill = clock

	clock = clock.Add(time.Hour)
	st := b.Status()
	assert.Equal(t, 3.0, st.Available)
	assert.Equal(t, 3.0, st.Capacity)
}

func TestBucketWaitHintMatchesShortage(t *testing.T) {
	t.Parallel()
	b := New(1, 2) // 2 tokens/s, so a 1-token shortage is 500 ms away

	granted, _ := b.Acquire()
	require.True(t, granted)

	granted, wait := b.Acquire()
	require.False(t, granted)
	assert.InDelta(t, 500, float64(wait.Milliseconds()), 60)
}

func TestAcquireWaitBlocksUntilRefill(t *testing.T) {
	t.Parallel()
	b := New(1, 50)

	granted, _ := b.Acquire()
	require.True(t, granted)

	start := time.Now()
	err := b.AcquireWait(context.Background())
	require.NoError(t, err)
	// One token at 50/s arrives in ~20 ms.
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestAcquireWaitHonorsCancellation(t *testing.T) {
	t.Parallel()
	b := New(1, 0.001) // next token is ~1000 s away

	granted, _ := b.Acquire()
	require.True(t, granted)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := b.AcquireWait(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBucketSaturation(t *testing.T) {
	t.Parallel()

	// Scaled-down version of the production profile: with capacity 5 and
	// 50 tokens/s, 20 concurrent acquirers all finish within the refill
	// budget and no token is double-spent.
	b := New(5, 50)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- b.AcquireWait(ctx)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	// 20 grants need 15 refilled tokens at 50/s, roughly 300 ms.
	assert.Less(t, time.Since(start), 3*time.Second)

	st := b.Status()
	assert.GreaterOrEqual(t, st.Available, 0.0, "the bucket must never go negative")
}

func TestNewClampsNonPositiveInputs(t *testing.T) {
	t.Parallel()
	b := New(0, -3)
	st := b.Status()
	assert.Equal(t, 1.0, st.Capacity)
	assert.Equal(t, 1.0, st.RefillRate)
}
