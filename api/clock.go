// File: api/clock.go
// Author: momentics <momentics@gmail.com>
//
// Monotonic millisecond counter consumed by the software timer emulation.

package api

import "time"

// Clock is a monotonic millisecond counter. Implementations must never go
// backwards; absolute wall time is irrelevant. The poll-set backend derives
// timer deadlines from it, which makes the emulation testable with an
// injected fake.
type Clock interface {
	Now() uint32
}

// SystemClock counts milliseconds since its creation using the runtime's
// monotonic clock.
type SystemClock struct {
	start time.Time
}

// NewSystemClock returns a Clock anchored at the current instant.
func NewSystemClock() *SystemClock {
	return &SystemClock{start: time.Now()}
}

// Now reports elapsed milliseconds. The counter wraps after roughly 49 days,
// matching the width timer deadlines are stored in.
func (c *SystemClock) Now() uint32 {
	return uint32(time.Since(c.start) / time.Millisecond)
}
