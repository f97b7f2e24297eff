package service

import (
	"sync"
	"time"
)

// Clock returns the server time used for updatedAt and watermarks.
type Clock func() time.Time

// SystemClock is UTC wall time truncated to the storage precision.
func SystemClock() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }

// commitClock stamps writes and tracks the stamps whose write has not
// finished. A watermark is always held below the oldest unfinished stamp,
// and every stamp is later than every watermark already handed out.
type commitClock struct {
	now Clock

	mu      sync.Mutex
	seq     uint64
	pending map[uint64]time.Time
	floor   time.Time
}

func newCommitClock(now Clock) *commitClock {
	if now == nil {
		now = SystemClock
	}
	return &commitClock{now: now, pending: map[uint64]time.Time{}}
}

// stamp returns a time after both after and every issued watermark. release
// must be called once the write has committed or failed.
func (c *commitClock) stamp(after time.Time) (t time.Time, release func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t = c.now()
	if !t.After(after) {
		t = after.Add(time.Microsecond)
	}
	if !t.After(c.floor) {
		t = c.floor.Add(time.Microsecond)
	}
	c.seq++
	id := c.seq
	c.pending[id] = t

	var once sync.Once
	return t, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.pending, id)
			c.mu.Unlock()
		})
	}
}

// watermark returns the current time held just below every unfinished stamp.
func (c *commitClock) watermark() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now()
	for _, s := range c.pending {
		if below := s.Add(-time.Microsecond); below.Before(t) {
			t = below
		}
	}
	if t.After(c.floor) {
		c.floor = t
	}
	return t
}
