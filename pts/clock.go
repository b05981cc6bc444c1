package pts

import "time"

// Clock measures milliseconds elapsed since node start from a monotonic
// source. The zero reading is the moment the clock was created.
type Clock struct {
	start time.Time
	now   func() time.Time
}

func NewClock() *Clock {
	return newClockAt(time.Now)
}

func newClockAt(now func() time.Time) *Clock {
	return &Clock{start: now(), now: now}
}

// NaturalMillis returns the natural clock reading in milliseconds.
func (c *Clock) NaturalMillis() uint64 {
	return uint64(c.now().Sub(c.start).Milliseconds())
}
