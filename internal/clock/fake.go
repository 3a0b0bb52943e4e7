package clock

import (
	"context"
	"sync"
	"time"
)

// Fake is a manually-advanced Clock for deterministic tests. Sleep blocks
// until Advance moves the clock far enough forward or ctx is cancelled.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []fakeWaiter
	seq     []float64 // queued Float64 results, cycling if exhausted
	seqI    int
}

type fakeWaiter struct {
	deadline time.Time
	done     chan struct{}
}

// NewFake returns a Fake clock starting at the given time.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	f.mu.Lock()
	done := make(chan struct{})
	f.waiters = append(f.waiters, fakeWaiter{deadline: f.now.Add(d), done: done})
	f.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Fake) Float64() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.seq) == 0 {
		return 0
	}
	v := f.seq[f.seqI%len(f.seq)]
	f.seqI++
	return v
}

// SetFloat64Sequence queues deterministic Float64 return values, cycling
// once exhausted.
func (f *Fake) SetFloat64Sequence(vs ...float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq = vs
	f.seqI = 0
}

// Advance moves the clock forward by d, waking any Sleep calls whose
// deadline has passed.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	var remaining []fakeWaiter
	var wake []fakeWaiter
	for _, w := range f.waiters {
		if !w.deadline.After(f.now) {
			wake = append(wake, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	f.waiters = remaining
	f.mu.Unlock()

	for _, w := range wake {
		close(w.done)
	}
}
