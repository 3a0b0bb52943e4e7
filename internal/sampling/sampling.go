// Package sampling implements the SamplingController (C3): an O(1),
// side-effect-free (beyond counters) accept/drop decision applied to
// each candidate event before it reaches the durable queue.
package sampling

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/revi-labs/revi-sdk-go/internal/clock"
	"github.com/revi-labs/revi-sdk-go/internal/model"
)

// ActivityLevel is the current observed user-activity tier.
type ActivityLevel int

const (
	ActivityIdle ActivityLevel = iota
	ActivityLow
	ActivityMedium
	ActivityHigh
)

// Floor is the minimum effective sample rate guaranteed per kind,
// regardless of activity/impact/error-frequency modifiers.
var Floor = map[model.Kind]float64{
	model.KindError:   0.25,
	model.KindSession: 0.01,
	model.KindNetwork: 0.0,
}

// Config holds the base sample rates per kind, configured at init time.
type Config struct {
	BaseRate map[model.Kind]float64
}

// DefaultConfig returns base rate 1.0 for every kind; callers typically
// override via config.Config.SampleRate/SessionSampleRate.
func DefaultConfig() Config {
	return Config{BaseRate: map[model.Kind]float64{
		model.KindError:   1.0,
		model.KindSession: 1.0,
		model.KindNetwork: 1.0,
	}}
}

// Counters tracks decisions for diagnostics, read via Snapshot.
type Counters struct {
	Accepted atomic.Int64
	Dropped  atomic.Int64
}

// CounterSnapshot is a point-in-time read of Counters.
type CounterSnapshot struct {
	Accepted int64
	Dropped  int64
}

// Controller makes the accept/drop decision. It is safe for concurrent
// use: decision logic touches only its own rate generator and atomic
// counters, never shared mutable state beyond those counters.
type Controller struct {
	cfg   Config
	clock clock.Clock

	mu              sync.RWMutex
	activity        ActivityLevel
	performanceImpact float64 // [0,1]
	errorFrequency    float64 // events/min, rolling

	countersByKind map[model.Kind]*Counters
}

// New constructs a Controller with the given base-rate config.
func New(c clock.Clock, cfg Config) *Controller {
	if cfg.BaseRate == nil {
		cfg = DefaultConfig()
	}
	return &Controller{
		cfg:   cfg,
		clock: c,
		countersByKind: map[model.Kind]*Counters{
			model.KindError:   {},
			model.KindSession: {},
			model.KindNetwork: {},
		},
	}
}

// SetActivity updates the current activity level, typically driven by a
// periodic UI-idle/visibility probe.
func (c *Controller) SetActivity(level ActivityLevel) {
	c.mu.Lock()
	c.activity = level
	c.mu.Unlock()
}

// SetPerformanceImpact updates the observed self-measurement impact,
// clamped to [0,1].
func (c *Controller) SetPerformanceImpact(impact float64) {
	if impact < 0 {
		impact = 0
	}
	if impact > 1 {
		impact = 1
	}
	c.mu.Lock()
	c.performanceImpact = impact
	c.mu.Unlock()
}

// SetErrorFrequency updates the rolling error-events-per-minute figure.
func (c *Controller) SetErrorFrequency(perMinute float64) {
	if perMinute < 0 {
		perMinute = 0
	}
	c.mu.Lock()
	c.errorFrequency = perMinute
	c.mu.Unlock()
}

// activityFactor is f(activity): increasing in activity, since a more
// active session can absorb a higher sampling rate without overload.
func activityFactor(level ActivityLevel) float64 {
	switch level {
	case ActivityIdle:
		return 0.5
	case ActivityLow:
		return 0.75
	case ActivityMedium:
		return 1.0
	default: // ActivityHigh
		return 1.25
	}
}

// impactFactor is g(impact): decreasing as self-measured performance
// impact rises, so the SDK backs off when it is itself the bottleneck.
func impactFactor(impact float64) float64 {
	return 1.0 - 0.8*impact
}

// errorFrequencyFactor is h(error_frequency): logarithmic growth so a
// burst of errors doesn't linearly blow out the effective rate.
func errorFrequencyFactor(perMinute float64) float64 {
	if perMinute <= 0 {
		return 1.0
	}
	return 1.0 + math.Log1p(perMinute)/10
}

// EffectiveRate computes the clamped, floored effective sample rate for
// kind given the controller's current activity/impact/error-frequency
// state. It performs no I/O and touches no shared mutable state beyond
// its own read lock.
func (c *Controller) EffectiveRate(kind model.Kind) float64 {
	c.mu.RLock()
	activity, impact, errFreq := c.activity, c.performanceImpact, c.errorFrequency
	c.mu.RUnlock()

	base := c.cfg.BaseRate[kind]
	rate := base * activityFactor(activity) * impactFactor(impact) * errorFrequencyFactor(errFreq)

	if floor, ok := Floor[kind]; ok && rate < floor {
		rate = floor
	}
	if rate > 1 {
		rate = 1
	}
	if rate < 0 {
		rate = 0
	}
	return rate
}

// Decide returns accept=true with probability EffectiveRate(kind), using
// the controller's injected random source, and updates the per-kind
// counters. O(1), the only side effect being the counter increment.
func (c *Controller) Decide(kind model.Kind) bool {
	rate := c.EffectiveRate(kind)
	accept := c.clock.Float64() < rate

	counters := c.countersByKind[kind]
	if counters == nil {
		// Kind is a closed three-value enum; New() pre-populates all of
		// them. An unrecognized kind here means accept/drop is simply
		// not tracked, which is fine for a decision that must stay O(1).
		return accept
	}
	if accept {
		counters.Accepted.Add(1)
	} else {
		counters.Dropped.Add(1)
	}
	return accept
}

// Snapshot returns the current accept/drop counts for kind.
func (c *Controller) Snapshot(kind model.Kind) CounterSnapshot {
	counters := c.countersByKind[kind]
	if counters == nil {
		return CounterSnapshot{}
	}
	return CounterSnapshot{
		Accepted: counters.Accepted.Load(),
		Dropped:  counters.Dropped.Load(),
	}
}
