package abortctl

import (
	"context"
	"testing"
	"time"

	"github.com/revi-labs/revi-sdk-go/internal/clock"
)

func TestController_AbortFiresSignal(t *testing.T) {
	ctrl := New()
	sig := ctrl.Signal()
	if sig.Aborted() {
		t.Fatal("expected signal not yet aborted")
	}
	ctrl.Abort("stop")
	if !sig.Aborted() {
		t.Fatal("expected signal aborted")
	}
	if sig.Reason() != "stop" {
		t.Fatalf("expected reason 'stop', got %v", sig.Reason())
	}
}

func TestController_AbortIsIdempotent(t *testing.T) {
	ctrl := New()
	ctrl.Abort("first")
	ctrl.Abort("second")
	if ctrl.Signal().Reason() != "first" {
		t.Fatalf("expected first abort reason to stick, got %v", ctrl.Signal().Reason())
	}
}

func TestSignal_OnAbortCalledImmediatelyIfAlreadyFired(t *testing.T) {
	ctrl := New()
	ctrl.Abort("r")
	called := false
	ctrl.Signal().OnAbort(func(reason any) { called = true })
	if !called {
		t.Fatal("expected OnAbort to fire immediately for an already-aborted signal")
	}
}

func TestSignal_ThrowIfAborted(t *testing.T) {
	ctrl := New()
	if err := ctrl.Signal().ThrowIfAborted(); err != nil {
		t.Fatalf("expected nil before abort, got %v", err)
	}
	ctrl.Abort("r")
	if err := ctrl.Signal().ThrowIfAborted(); err == nil {
		t.Fatal("expected an error after abort")
	}
}

func TestSignal_ContextCancelledOnAbort(t *testing.T) {
	ctrl := New()
	ctx, cancel := ctrl.Signal().Context(context.Background())
	defer cancel()
	ctrl.Abort("r")
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("expected context cancellation on abort")
	}
}

func TestWithTimeout_FiresAfterDuration(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	ctrl := WithTimeout(context.Background(), fc, time.Minute)

	if ctrl.Signal().Aborted() {
		t.Fatal("expected not yet aborted before the deadline")
	}
	fc.Advance(2 * time.Minute)

	deadline := time.Now().Add(time.Second)
	for !ctrl.Signal().Aborted() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !ctrl.Signal().Aborted() {
		t.Fatal("expected aborted after clock advanced past the timeout")
	}
}
