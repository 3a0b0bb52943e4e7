// Package abortctl implements the cooperative abort token that
// propagates from SyncCoordinator down through DeliveryPipeline and
// RetryManager, per the concurrency model's cancellation rules: no
// component holds a blocking lock across a suspension point, and the
// retry loop honours cancellation between attempts.
//
// The shape follows the W3C AbortController/AbortSignal pattern: a
// Signal is handed to callees, while only the owning Controller may
// fire it.
package abortctl

import (
	"context"
	"sync"
	"time"

	"github.com/revi-labs/revi-sdk-go/internal/clock"
)

// Signal is the read side of an abort token. It is safe for concurrent
// use by any number of goroutines.
type Signal struct {
	mu       sync.RWMutex
	handlers []func(reason any)
	reason   any
	aborted  bool
}

func newSignal() *Signal {
	return &Signal{}
}

// Aborted reports whether the signal has fired.
func (s *Signal) Aborted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.aborted
}

// Reason returns the abort reason, or nil if not aborted.
func (s *Signal) Reason() any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reason
}

// OnAbort registers a callback invoked when the signal fires. If already
// aborted, the callback runs immediately with the current reason.
func (s *Signal) OnAbort(handler func(reason any)) {
	if handler == nil {
		return
	}
	s.mu.Lock()
	if s.aborted {
		reason := s.reason
		s.mu.Unlock()
		handler(reason)
		return
	}
	s.handlers = append(s.handlers, handler)
	s.mu.Unlock()
}

// ThrowIfAborted returns a non-nil error if the signal has fired, for
// cheap checks between batches in SyncCoordinator's drain loop.
func (s *Signal) ThrowIfAborted() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.aborted {
		return &AbortError{Reason: s.reason}
	}
	return nil
}

// Context returns a context.Context that is cancelled when the signal
// fires, so it can be threaded through RetryManager.Execute and the
// ingest client's per-attempt deadline.
func (s *Signal) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	s.OnAbort(func(any) { cancel() })
	return ctx, cancel
}

func (s *Signal) fire(reason any) {
	s.mu.Lock()
	if s.aborted {
		s.mu.Unlock()
		return
	}
	s.aborted = true
	s.reason = reason
	handlers := make([]func(reason any), len(s.handlers))
	copy(handlers, s.handlers)
	s.mu.Unlock()

	for _, h := range handlers {
		h(reason)
	}
}

// Controller owns a Signal and is the only party allowed to fire it;
// SyncCoordinator holds the Controller, everything downstream only ever
// sees the Signal.
type Controller struct {
	signal *Signal
}

// New creates a Controller with a fresh, unfired Signal.
func New() *Controller {
	return &Controller{signal: newSignal()}
}

// Signal returns the controller's associated Signal.
func (c *Controller) Signal() *Signal { return c.signal }

// Abort fires the signal with reason, a no-op if already fired.
func (c *Controller) Abort(reason any) {
	if reason == nil {
		reason = &AbortError{Reason: "aborted"}
	}
	c.signal.fire(reason)
}

// AbortError is returned by ThrowIfAborted and wraps the abort reason.
type AbortError struct {
	Reason any
}

func (e *AbortError) Error() string {
	switch r := e.Reason.(type) {
	case nil:
		return "abort: operation was aborted"
	case string:
		return "abort: " + r
	case error:
		return "abort: " + r.Error()
	default:
		return "abort: operation was aborted"
	}
}

func (e *AbortError) Is(target error) bool {
	_, ok := target.(*AbortError)
	return ok
}

func (e *AbortError) Unwrap() error {
	if err, ok := e.Reason.(error); ok {
		return err
	}
	return nil
}

// WithTimeout creates a Controller that fires automatically after d,
// measured via the injected clock so tests can drive it deterministically
// (e.g. SyncCoordinator's max-total-sync-time bound, default 5 min).
func WithTimeout(ctx context.Context, c clock.Clock, d time.Duration) *Controller {
	ctrl := New()
	go func() {
		if err := c.Sleep(ctx, d); err != nil {
			return
		}
		ctrl.Abort(&AbortError{Reason: "timeout"})
	}()
	return ctrl
}
