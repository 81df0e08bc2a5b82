package frame

import (
	"sync"
	"time"
)

// Clock hands out frame timestamps. Wall time can step backwards (NTP); the
// clock floors each reading at the previous one so frame ts values are
// monotonically non-decreasing within a session.
type Clock struct {
	mu   sync.Mutex
	last float64
}

// NewClock returns a Clock with no previous reading; its first Now is the
// current wall time.
func NewClock() *Clock {
	return &Clock{}
}

// Now returns seconds since the Unix epoch, never less than a previous
// return value from the same Clock.
func (c *Clock) Now() float64 {
	t := float64(time.Now().UnixNano()) / 1e9

	c.mu.Lock()
	defer c.mu.Unlock()
	if t < c.last {
		t = c.last
	}
	c.last = t
	return t
}
