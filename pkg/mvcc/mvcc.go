// Package mvcc implements the store's multi-version concurrency
// model: a monotonic epoch clock stamps every commit, and readers pin
// the epoch they observed when they began so the reclaimer never
// frees an object a live reader might still dereference.
package mvcc

import (
	"math"
	"sync"
	"sync/atomic"
)

// Clock is a monotonically increasing epoch counter. Epoch 0 is never
// issued as a commit epoch so it can serve as the "not yet committed"
// sentinel throughout the object table.
type Clock struct {
	epoch atomic.Uint64
}

// NewClock creates a clock starting at the given epoch (0 for a fresh
// store, or the checkpoint/WAL-derived high-water mark on recovery).
func NewClock(initial uint64) *Clock {
	c := &Clock{}
	c.epoch.Store(initial)
	return c
}

// Advance atomically increments the clock and returns the new epoch.
func (c *Clock) Advance() uint64 {
	return c.epoch.Add(1)
}

// Current returns the clock's current epoch without advancing it.
func (c *Clock) Current() uint64 {
	return c.epoch.Load()
}

// Done is returned by BeginRead; callers must invoke it exactly once
// when the read is finished to unpin the epoch.
type Done func()

// Context tracks the epoch clock together with the set of epochs
// currently pinned by in-flight readers, so the reclaimer can compute
// a safe horizon: nothing retired at or after MinActiveEpoch may be
// freed.
type Context struct {
	clock *Clock

	mu     sync.Mutex
	active map[uint64]int
}

// NewContext creates an MVCC context backed by a fresh clock at the
// given initial epoch.
func NewContext(initial uint64) *Context {
	return &Context{
		clock:  NewClock(initial),
		active: make(map[uint64]int),
	}
}

// AdvanceEpoch advances the underlying clock and returns the new
// epoch, typically called once per committed transaction.
func (c *Context) AdvanceEpoch() uint64 {
	return c.clock.Advance()
}

// CurrentEpoch returns the clock's current epoch.
func (c *Context) CurrentEpoch() uint64 {
	return c.clock.Current()
}

// BeginRead pins the clock's current epoch for the duration of a read
// and returns it along with a Done callback the caller must invoke
// when finished.
func (c *Context) BeginRead() (uint64, Done) {
	epoch := c.clock.Current()
	c.mu.Lock()
	c.active[epoch]++
	c.mu.Unlock()

	var once sync.Once
	return epoch, func() {
		once.Do(func() {
			c.mu.Lock()
			c.active[epoch]--
			if c.active[epoch] <= 0 {
				delete(c.active, epoch)
			}
			c.mu.Unlock()
		})
	}
}

// MinActiveEpoch returns the lowest epoch pinned by any in-flight
// reader, or CurrentEpoch()+1 when there are none (meaning every
// retired object, however recent, is safe to reclaim).
func (c *Context) MinActiveEpoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.active) == 0 {
		return c.clock.Current() + 1
	}
	min := uint64(math.MaxUint64)
	for epoch := range c.active {
		if epoch < min {
			min = epoch
		}
	}
	return min
}

// ActiveReaderCount returns the number of readers currently pinned
// across all epochs, for diagnostics.
func (c *Context) ActiveReaderCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, n := range c.active {
		total += n
	}
	return total
}
