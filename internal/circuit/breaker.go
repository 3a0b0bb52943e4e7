package circuit

import (
	"sync"
	"time"

	"github.com/revi-labs/revi-sdk-go/internal/clock"
	cerrors "github.com/revi-labs/revi-sdk-go/internal/errors"
)

// Config tunes a single breaker.
type Config struct {
	// Window is the rolling window size over which failure_rate is
	// computed (default 60s).
	Window time.Duration
	// MinRequests is the minimum sample count before failure_rate can
	// trip the breaker (default 10).
	MinRequests int
	// MaxFailureRate trips the breaker when reached or exceeded (default
	// 0.5).
	MaxFailureRate float64
	// RecoveryTime is how long to stay open before probing (default
	// 30s), doubling on repeated half-open failures up to RecoveryTimeCap.
	RecoveryTime    time.Duration
	RecoveryTimeCap time.Duration
	// SuccessThreshold is both the half-open probe budget and the number
	// of successes required to close (default 3).
	SuccessThreshold int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Window:           60 * time.Second,
		MinRequests:      10,
		MaxFailureRate:   0.5,
		RecoveryTime:     30 * time.Second,
		RecoveryTimeCap:  5 * time.Minute,
		SuccessThreshold: 3,
	}
}

type observation struct {
	ts      int64
	weight  float64 // failure weight; 0 for a success
	latency time.Duration
}

// Metrics is a point-in-time snapshot of a breaker's rolling window state.
type Metrics struct {
	Requests     int
	Failures     float64 // weighted
	Successes    int
	FailureRate  float64
	AvgLatencyMs float64
	State        State
	OpenedAtMs   int64
	NextRetryMs  int64
}

// Breaker is a single per-feature circuit breaker.
type Breaker struct {
	clock clock.Clock
	cfg   Config

	state *fastState

	mu              sync.Mutex
	window          []observation // chronological, pruned lazily
	openedAt        time.Time
	nextRetryAt     time.Time
	recoveryCurrent time.Duration
	halfOpenInFlt   int
	halfOpenSucc    int
}

// New constructs a Breaker in the closed state.
func New(c clock.Clock, cfg Config) *Breaker {
	if cfg.Window <= 0 {
		cfg = DefaultConfig()
	}
	return &Breaker{
		clock:           c,
		cfg:             cfg,
		state:           newFastState(),
		recoveryCurrent: cfg.RecoveryTime,
	}
}

// State returns the current breaker state, evaluating the open→half-open
// transition if next_retry_at has elapsed.
func (b *Breaker) State() State {
	if b.state.Load() == StateOpen {
		b.mu.Lock()
		ready := !b.clock.Now().Before(b.nextRetryAt)
		b.mu.Unlock()
		if ready {
			b.state.TryTransition(StateOpen, StateHalfOpen)
		}
	}
	return b.state.Load()
}

// Execute runs op if the breaker admits the call, recording the outcome.
// If the breaker is open (or half-open probe budget is exhausted), it
// calls fallback if provided, else returns a CircuitOpen error.
func (b *Breaker) Execute(op func() error, fallback func() error) error {
	switch b.State() {
	case StateOpen:
		return b.reject(fallback)
	case StateHalfOpen:
		if !b.admitHalfOpenProbe() {
			return b.reject(fallback)
		}
	}

	start := b.clock.Now()
	err := op()
	b.Record(err, b.clock.Now().Sub(start))
	return err
}

func (b *Breaker) reject(fallback func() error) error {
	if fallback != nil {
		return fallback()
	}
	return cerrors.New(cerrors.KindCircuitOpen, "circuit.execute", "circuit open")
}

func (b *Breaker) admitHalfOpenProbe() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.halfOpenInFlt >= b.cfg.SuccessThreshold {
		return false
	}
	b.halfOpenInFlt++
	return true
}

// Record records an outcome directly, for callers that measure timing
// themselves (e.g. DeliveryPipeline folding in passive HealthMonitor
// signals).
func (b *Breaker) Record(err error, latency time.Duration) {
	weight, ok := classifyWeight(err)
	if !ok {
		return
	}
	b.recordOutcome(err != nil, weight, latency)
}

// RecordWeighted folds a pre-weighted outcome directly into the rolling
// window, bypassing error classification. Used by CircuitManager's global
// breaker, whose input is a priority-scaled disjunction of every feature
// breaker's outcome rather than a single classified error.
func (b *Breaker) RecordWeighted(weight float64, latency time.Duration) {
	b.recordOutcome(weight > 0, weight, latency)
}

// classifyWeight maps an outcome to its failure_rate contribution. ok is
// false for synthetic outcomes (CircuitOpen, Cancelled) that must not be
// recorded at all.
func classifyWeight(err error) (weight float64, ok bool) {
	if err == nil {
		return 0, true
	}
	kind := cerrors.Classify(err)
	switch kind {
	case cerrors.KindCircuitOpen, cerrors.KindCancelled:
		return 0, false
	case cerrors.KindUnknown:
		return 1, true // unclassified errors count as a full failure
	default:
		return kind.FailureWeight(), true
	}
}

func (b *Breaker) recordOutcome(failed bool, weight float64, latency time.Duration) {
	now := b.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	b.window = append(b.window, observation{ts: now.UnixNano(), weight: weight, latency: latency})
	b.pruneLocked(now)

	switch b.state.Load() {
	case StateHalfOpen:
		if !failed {
			b.halfOpenSucc++
			if b.halfOpenSucc >= b.cfg.SuccessThreshold {
				b.closeLocked()
			}
		} else {
			b.openLocked(now, true)
		}
	case StateClosed:
		if n := len(b.window); n >= b.cfg.MinRequests {
			if rate := b.failureRateLocked(); rate >= b.cfg.MaxFailureRate {
				b.openLocked(now, false)
			}
		}
	}
}

func (b *Breaker) pruneLocked(now time.Time) {
	boundary := now.Add(-b.cfg.Window).UnixNano()
	i := 0
	for i < len(b.window) && b.window[i].ts < boundary {
		i++
	}
	if i > 0 {
		b.window = append([]observation(nil), b.window[i:]...)
	}
}

func (b *Breaker) failureRateLocked() float64 {
	if len(b.window) == 0 {
		return 0
	}
	var failures float64
	for _, o := range b.window {
		failures += o.weight
	}
	return failures / float64(len(b.window))
}

func (b *Breaker) openLocked(now time.Time, fromHalfOpen bool) {
	if fromHalfOpen {
		b.recoveryCurrent *= 2
		if b.recoveryCurrent > b.cfg.RecoveryTimeCap {
			b.recoveryCurrent = b.cfg.RecoveryTimeCap
		}
	} else {
		b.recoveryCurrent = b.cfg.RecoveryTime
	}
	b.openedAt = now
	b.nextRetryAt = now.Add(b.recoveryCurrent)
	b.halfOpenInFlt = 0
	b.halfOpenSucc = 0
	b.state.Store(StateOpen)
}

func (b *Breaker) closeLocked() {
	b.window = nil
	b.halfOpenInFlt = 0
	b.halfOpenSucc = 0
	b.recoveryCurrent = b.cfg.RecoveryTime
	b.state.Store(StateClosed)
}

// Metrics returns a snapshot for diagnostics and CircuitManager
// aggregation.
func (b *Breaker) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	m := Metrics{State: b.state.Load()}
	if !b.openedAt.IsZero() {
		m.OpenedAtMs = b.openedAt.UnixMilli()
	}
	if !b.nextRetryAt.IsZero() {
		m.NextRetryMs = b.nextRetryAt.UnixMilli()
	}

	var latencySum time.Duration
	for _, o := range b.window {
		m.Requests++
		latencySum += o.latency
		if o.weight > 0 {
			m.Failures += o.weight
		} else {
			m.Successes++
		}
	}
	if m.Requests > 0 {
		m.FailureRate = m.Failures / float64(m.Requests)
		m.AvgLatencyMs = float64(latencySum.Milliseconds()) / float64(m.Requests)
	}
	return m
}
