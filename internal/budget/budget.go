// Package budget implements the RetryManager's shared, time-windowed retry
// budget: a token bucket refilled every window with a fixed allowance,
// shared across all retry keys, with a safety-capped overage for critical
// priority work.
package budget

import (
	"sync"
	"time"

	"github.com/revi-labs/revi-sdk-go/internal/clock"
	"github.com/revi-labs/revi-sdk-go/internal/model"
	"github.com/revi-labs/revi-sdk-go/internal/ring"
)

// Config tunes the budget.
type Config struct {
	// Window is the refill period (default 60s).
	Window time.Duration
	// Tokens is the number of retries allowed per Window (default 100).
	Tokens int
	// CriticalOveragePct allows priority-critical retries to exceed the
	// budget by this fraction (default 0.10).
	CriticalOveragePct float64
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Window:             60 * time.Second,
		Tokens:             100,
		CriticalOveragePct: 0.10,
	}
}

// Budget tracks retry consumption in a sliding window. It is safe for
// concurrent use, mirroring the single-threaded-cooperative model: all
// methods are fast and non-blocking, called between suspension points.
type Budget struct {
	clock clock.Clock
	cfg   Config

	mu     sync.Mutex
	events *ring.Buffer[int64] // unix-nano consumption timestamps, sorted
}

// New constructs a Budget.
func New(c clock.Clock, cfg Config) *Budget {
	return &Budget{
		clock:  c,
		cfg:    cfg,
		events: ring.New[int64](32),
	}
}

// windowCount returns the number of tokens consumed within the trailing
// window as of now, evicting expired entries.
func (b *Budget) windowCount(now time.Time) int {
	boundary := now.Add(-b.cfg.Window).UnixNano()
	idx := b.events.Search(boundary + 1)
	b.events.RemoveBefore(idx)
	return b.events.Len()
}

// TryConsume attempts to spend one retry token for priority p. It returns
// true if the retry may proceed. Priority critical may exceed the nominal
// budget by CriticalOveragePct, rounded down, but never unboundedly.
func (b *Budget) TryConsume(p model.Priority) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	used := b.windowCount(now)

	limit := b.cfg.Tokens
	if p == model.PriorityCritical {
		limit += int(float64(b.cfg.Tokens) * b.cfg.CriticalOveragePct)
	}
	if used >= limit {
		return false
	}

	nowNano := now.UnixNano()
	b.events.Insert(b.events.Search(nowNano), nowNano)
	return true
}

// Used returns the number of tokens consumed in the current window.
func (b *Budget) Used() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.windowCount(b.clock.Now())
}

// Remaining returns the nominal tokens left before critical overage,
// never negative.
func (b *Budget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	used := b.windowCount(b.clock.Now())
	if r := b.cfg.Tokens - used; r > 0 {
		return r
	}
	return 0
}
