package engine

import (
	"sync"
	"time"
)

// rollingWindow counts events over the trailing hour in one-minute buckets.
// The engine is the only writer of its queue drain, so an in-memory ring is
// sufficient; the counts reset with the process like every other gauge.
type rollingWindow struct {
	mu      sync.Mutex
	buckets [60]int64
	stamps  [60]int64 // unix minute owning each slot
	now     func() time.Time
}

func newRollingWindow() *rollingWindow {
	return &rollingWindow{now: time.Now}
}

// Incr counts one event in the current minute bucket.
func (w *rollingWindow) Incr() {
	w.mu.Lock()
	defer w.mu.Unlock()
	minute := w.now().Unix() / 60
	slot := minute % 60
	if w.stamps[slot] != minute {
		w.stamps[slot] = minute
		w.buckets[slot] = 0
	}
	w.buckets[slot]++
}

// Sum returns the total over the trailing hour.
func (w *rollingWindow) Sum() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	minute := w.now().Unix() / 60
	var total int64
	for slot, stamp := range w.stamps {
		if minute-stamp < 60 {
			total += w.buckets[slot]
		}
	}
	return total
}
