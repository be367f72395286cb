package clock

import (
	"sync"
	"time"
)

// Clock provides both wall time (display/audit only) and a monotonic
// reading that never jumps. All scheduling, staleness, TTL and dwell
// logic in the core uses Mono; Wall never feeds a comparison.
type Clock interface {
	Wall() time.Time
	Mono() time.Duration
}

type realClock struct {
	start time.Time
}

// New returns a clock backed by the runtime's monotonic reading,
// anchored at the moment of construction.
func New() Clock {
	return &realClock{start: time.Now()}
}

func (c *realClock) Wall() time.Time {
	return time.Now()
}

func (c *realClock) Mono() time.Duration {
	// time.Since uses the monotonic reading embedded in start.
	return time.Since(c.start)
}

// Fake is a manually-advanced clock for tests.
type Fake struct {
	mu   sync.Mutex
	wall time.Time
	mono time.Duration
}

// NewFake returns a fake clock starting at the given wall time with a
// zero monotonic reading.
func NewFake(wall time.Time) *Fake {
	return &Fake{wall: wall}
}

func (f *Fake) Wall() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wall
}

func (f *Fake) Mono() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mono
}

// Advance moves both readings forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wall = f.wall.Add(d)
	f.mono += d
}
