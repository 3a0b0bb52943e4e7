package circuit

import (
	"errors"
	"testing"
	"time"

	"github.com/revi-labs/revi-sdk-go/internal/clock"
	cerrors "github.com/revi-labs/revi-sdk-go/internal/errors"
)

func TestBreaker_OpensAtFailureRate(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	b := New(fc, Config{Window: time.Minute, MinRequests: 10, MaxFailureRate: 0.5, RecoveryTime: 30 * time.Second, RecoveryTimeCap: 5 * time.Minute, SuccessThreshold: 3})

	serverErr := cerrors.New(cerrors.KindServer, "test", "500")
	for i := 0; i < 10; i++ {
		_ = b.Execute(func() error { return serverErr }, nil)
	}

	if b.State() != StateOpen {
		t.Fatalf("expected breaker to be open after 10/10 failures, got %s", b.State())
	}

	err := b.Execute(func() error {
		t.Fatal("op must not run while circuit is open")
		return nil
	}, nil)
	if cerrors.Classify(err) != cerrors.KindCircuitOpen {
		t.Fatalf("expected CircuitOpen, got %v", err)
	}
}

func TestBreaker_HalfOpenClosesAfterSuccesses(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	b := New(fc, Config{Window: time.Minute, MinRequests: 2, MaxFailureRate: 0.5, RecoveryTime: 30 * time.Second, RecoveryTimeCap: 5 * time.Minute, SuccessThreshold: 3})

	serverErr := cerrors.New(cerrors.KindServer, "test", "500")
	_ = b.Execute(func() error { return serverErr }, nil)
	_ = b.Execute(func() error { return serverErr }, nil)

	if b.State() != StateOpen {
		t.Fatalf("expected open, got %s", b.State())
	}

	fc.Advance(31 * time.Second)

	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open after recovery time, got %s", b.State())
	}

	for i := 0; i < 3; i++ {
		if err := b.Execute(func() error { return nil }, nil); err != nil {
			t.Fatalf("unexpected error on probe %d: %v", i, err)
		}
	}

	if b.State() != StateClosed {
		t.Fatalf("expected closed after success_threshold probes, got %s", b.State())
	}
}

func TestBreaker_HalfOpenFailureReopensWithBackoff(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	b := New(fc, Config{Window: time.Minute, MinRequests: 1, MaxFailureRate: 0.5, RecoveryTime: 30 * time.Second, RecoveryTimeCap: 5 * time.Minute, SuccessThreshold: 1})

	boom := cerrors.New(cerrors.KindServer, "test", "500")
	_ = b.Execute(func() error { return boom }, nil)
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %s", b.State())
	}

	fc.Advance(31 * time.Second)
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open, got %s", b.State())
	}

	_ = b.Execute(func() error { return boom }, nil)
	if b.State() != StateOpen {
		t.Fatalf("expected re-opened after half-open failure, got %s", b.State())
	}

	b.mu.Lock()
	recovery := b.recoveryCurrent
	b.mu.Unlock()
	if recovery != 60*time.Second {
		t.Fatalf("expected doubled recovery time of 60s, got %v", recovery)
	}
}

func TestBreaker_RateLimitedAndClientErrorsDoNotWeighFailure(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	b := New(fc, Config{Window: time.Minute, MinRequests: 4, MaxFailureRate: 0.5, RecoveryTime: 30 * time.Second, RecoveryTimeCap: 5 * time.Minute, SuccessThreshold: 3})

	rateLimited := cerrors.New(cerrors.KindRateLimited, "test", "429")
	clientErr := cerrors.New(cerrors.KindClient, "test", "404")
	for i := 0; i < 4; i++ {
		_ = b.Execute(func() error { return rateLimited }, nil)
	}
	for i := 0; i < 4; i++ {
		_ = b.Execute(func() error { return clientErr }, nil)
	}

	if b.State() != StateClosed {
		t.Fatalf("expected breaker to remain closed: RateLimited/Client errors must not weigh toward failure_rate, got %s", b.State())
	}

	m := b.Metrics()
	if m.FailureRate != 0 {
		t.Fatalf("expected failure_rate 0 for RateLimited/Client-only outcomes, got %v", m.FailureRate)
	}
}

func TestBreaker_FallbackCalledWhenOpen(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	b := New(fc, Config{Window: time.Minute, MinRequests: 1, MaxFailureRate: 0.1, RecoveryTime: time.Minute, RecoveryTimeCap: time.Minute, SuccessThreshold: 1})

	_ = b.Execute(func() error { return errors.New("boom") }, nil)
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %s", b.State())
	}

	called := false
	err := b.Execute(func() error { return nil }, func() error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("expected fallback to be invoked")
	}
}
