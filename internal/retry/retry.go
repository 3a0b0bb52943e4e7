// Package retry implements the RetryManager (C5): an attempt loop with
// jittered exponential backoff, in-flight request de-duplication, a
// global Retry-After suspension flag, and a shared retry budget.
package retry

import (
	"context"
	stderrors "errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/revi-labs/revi-sdk-go/internal/budget"
	"github.com/revi-labs/revi-sdk-go/internal/clock"
	cerrors "github.com/revi-labs/revi-sdk-go/internal/errors"
	"github.com/revi-labs/revi-sdk-go/internal/model"
)

// Config tunes the attempt loop.
type Config struct {
	MaxAttempts       int
	BaseDelayMs       int
	MaxDelayMs        int
	JitterRatio       float64
	TimeoutMultiplier float64
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       5,
		BaseDelayMs:       500,
		MaxDelayMs:        30_000,
		JitterRatio:       0.3,
		TimeoutMultiplier: 1.25,
	}
}

// Options parameterizes one Execute call.
type Options struct {
	Priority     model.Priority
	TimeoutMs    int
	PayloadBytes int
	DedupKey     string
}

// pending tracks an in-flight deduplicated call; waiters block on done.
type pending struct {
	done   chan struct{}
	result any
	err    error
}

// Manager runs Execute calls against a shared budget, rate-limit flag,
// and per-key RetryStats.
type Manager struct {
	clock  clock.Clock
	cfg    Config
	budget *budget.Budget

	mu          sync.Mutex
	statsByKey  map[string]*model.RetryStats
	inFlight    map[string]*pending
	rateLimited atomic.Int64
}

// New constructs a Manager.
func New(c clock.Clock, cfg Config, b *budget.Budget) *Manager {
	return &Manager{
		clock:      c,
		cfg:        cfg,
		budget:     b,
		statsByKey: make(map[string]*model.RetryStats),
		inFlight:   make(map[string]*pending),
	}
}

func (m *Manager) statsFor(key string) *model.RetryStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.statsByKey[key]
	if !ok {
		s = &model.RetryStats{}
		m.statsByKey[key] = s
	}
	return s
}

// Stats returns a copy of the current RetryStats for key.
func (m *Manager) Stats(key string) model.RetryStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.statsByKey[key]; ok {
		return *s
	}
	return model.RetryStats{}
}

// Execute runs op through the attempt loop, deduplicating concurrent
// calls sharing the same non-empty DedupKey. T is the operation's result
// type.
func Execute[T any](ctx context.Context, m *Manager, key string, opts Options, op func(ctx context.Context) (T, error)) (T, error) {
	if opts.DedupKey == "" {
		return attemptLoop(ctx, m, key, opts, op)
	}

	m.mu.Lock()
	if p, ok := m.inFlight[opts.DedupKey]; ok {
		m.mu.Unlock()
		<-p.done
		if p.err != nil {
			var zero T
			return zero, p.err
		}
		return p.result.(T), nil
	}
	p := &pending{done: make(chan struct{})}
	m.inFlight[opts.DedupKey] = p
	m.mu.Unlock()

	result, err := attemptLoop(ctx, m, key, opts, op)

	m.mu.Lock()
	delete(m.inFlight, opts.DedupKey)
	m.mu.Unlock()

	p.result, p.err = result, err
	close(p.done)
	return result, err
}

// attemptLoop runs the bounded retry loop: timeout scales by
// timeout_multiplier^attempt, retryable failures consume one budget
// token per retry (not the first attempt), and a surfaced Retry-After
// hint suspends all keys until it expires.
func attemptLoop[T any](ctx context.Context, m *Manager, key string, opts Options, op func(ctx context.Context) (T, error)) (T, error) {
	stats := m.statsFor(key)
	var zero T
	var lastErr error

	maxAttempts := m.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if until := m.rateLimited.Load(); until > 0 {
			now := m.clock.Now().UnixMilli()
			if now < until {
				if err := m.clock.Sleep(ctx, time.Duration(until-now)*time.Millisecond); err != nil {
					return zero, err
				}
			}
		}

		timeoutMs := float64(opts.TimeoutMs) * math.Pow(m.cfg.TimeoutMultiplier, float64(attempt-1))
		attemptCtx := ctx
		var cancel context.CancelFunc
		if timeoutMs > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
		}

		result, err := op(attemptCtx)
		if cancel != nil {
			cancel()
		}

		m.mu.Lock()
		stats.TotalAttempts++
		m.mu.Unlock()

		if err == nil {
			m.mu.Lock()
			if attempt > 1 {
				stats.SuccessfulRetries++
			}
			stats.LastSuccessMs = m.clock.Now().UnixMilli()
			m.mu.Unlock()
			return result, nil
		}

		lastErr = err
		kind := cerrors.Classify(err)

		if retryAfterMs := retryAfterOf(err); retryAfterMs > 0 {
			m.rateLimited.Store(m.clock.Now().UnixMilli() + retryAfterMs)
		}

		attemptsRemain := attempt < maxAttempts
		if !kind.Retryable() || !attemptsRemain {
			m.mu.Lock()
			stats.FailedRetries++
			stats.LastFailureMs = m.clock.Now().UnixMilli()
			m.mu.Unlock()
			return zero, err
		}

		if m.budget != nil && !m.budget.TryConsume(opts.Priority) {
			m.mu.Lock()
			stats.FailedRetries++
			stats.LastFailureMs = m.clock.Now().UnixMilli()
			m.mu.Unlock()
			return zero, err
		}

		delayMs := math.Min(float64(m.cfg.MaxDelayMs), float64(m.cfg.BaseDelayMs)*math.Pow(2, float64(attempt-1)))
		actual := clock.FullJitter(m.clock, time.Duration(delayMs)*time.Millisecond, m.cfg.JitterRatio)

		m.mu.Lock()
		stats.RecordDelay(float64(actual.Milliseconds()))
		m.mu.Unlock()

		if err := m.clock.Sleep(ctx, actual); err != nil {
			return zero, err
		}
	}

	return zero, lastErr
}

// retryAfterOf extracts a Retry-After hint (ms) from err, if it carries
// one per cerrors.Error.RetryAfter.
func retryAfterOf(err error) int64 {
	var e *cerrors.Error
	if stderrors.As(err, &e) && e.Kind == cerrors.KindRateLimited {
		return e.RetryAfter
	}
	return 0
}
