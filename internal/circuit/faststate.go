// Package circuit implements the per-feature CircuitBreaker and the
// CircuitManager that composes per-feature breakers with a global breaker
// and the emergency/progressive degradation hysteresis tiers.
package circuit

import (
	"sync/atomic"
)

// State is a breaker's position in the closed → open → half-open →
// closed cycle.
type State uint64

const (
	// StateClosed admits all requests, recording outcomes in the rolling
	// window.
	StateClosed State = 0
	// StateOpen rejects every request immediately with CircuitOpen,
	// until next_retry_at elapses.
	StateOpen State = 1
	// StateHalfOpen admits a limited number of probes to decide whether
	// to close or re-open.
	StateHalfOpen State = 2
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// fastState is a lock-free state machine with cache-line padding, used so
// CircuitBreaker.Execute can check admission without taking a lock on the
// hot path; the rolling window and timing fields are still guarded by a
// mutex since they mutate together.
type fastState struct { // betteralign:ignore
	_ [64]byte      // cache line padding (before value) //nolint:unused
	v atomic.Uint64 // state value
	_ [56]byte      // pad to complete cache line (64 - 8 = 56) //nolint:unused
}

func newFastState() *fastState {
	s := &fastState{}
	s.v.Store(uint64(StateClosed))
	return s
}

func (s *fastState) Load() State {
	return State(s.v.Load())
}

func (s *fastState) Store(state State) {
	s.v.Store(uint64(state))
}

func (s *fastState) TryTransition(from, to State) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}
