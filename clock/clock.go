package clock

import (
	"sync"
	"time"
)

// Clock is the time source used by every poll and retry loop, so that tests
// can run them deterministically.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

type system struct{}

// System returns the wall clock. Values returned by Now carry a monotonic
// reading, so Sub between two of them is immune to wall clock jumps.
func System() Clock {
	return system{}
}

func (system) Now() time.Time {
	return time.Now()
}

func (system) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

func (system) Sleep(d time.Duration) {
	time.Sleep(d)
}

// Fake is a manually driven clock. Sleep and After advance the fake time
// instantly instead of blocking.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// Fake implements Clock
var _ Clock = (*Fake)(nil)

func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *Fake) Sleep(d time.Duration) {
	f.Advance(d)
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.Advance(d)
	ch := make(chan time.Time, 1)
	ch <- f.Now()
	return ch
}
