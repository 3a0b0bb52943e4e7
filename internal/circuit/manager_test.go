package circuit

import (
	"testing"
	"time"

	"github.com/revi-labs/revi-sdk-go/internal/clock"
	cerrors "github.com/revi-labs/revi-sdk-go/internal/errors"
	"github.com/revi-labs/revi-sdk-go/internal/model"
)

func openBreaker(t *testing.T, b *Breaker, minRequests int) {
	t.Helper()
	boom := cerrors.New(cerrors.KindServer, "test", "500")
	for i := 0; i < minRequests; i++ {
		_ = b.Execute(func() error { return boom }, nil)
	}
	if b.State() != StateOpen {
		t.Fatalf("expected breaker to open, got %s", b.State())
	}
}

func TestManager_EmergencyTierAtFortyPercent(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	cfg := Config{Window: time.Minute, MinRequests: 1, MaxFailureRate: 0.1, RecoveryTime: time.Hour, RecoveryTimeCap: time.Hour, SuccessThreshold: 3}
	m := NewManager(fc, cfg)

	features := []string{"a", "b", "c", "d", "e"}
	for _, f := range features {
		m.Breaker(Feature{Name: f, Priority: model.PriorityCritical})
	}

	openBreaker(t, m.Breaker(Feature{Name: "a", Priority: model.PriorityCritical}), 1)
	openBreaker(t, m.Breaker(Feature{Name: "b", Priority: model.PriorityCritical}), 1)

	if tier := m.Tier(); tier != TierEmergency {
		t.Fatalf("expected emergency tier at 2/5=40%%, got %s", tier)
	}
}

func TestManager_ProgressiveTierAtTwentyPercent(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	cfg := Config{Window: time.Minute, MinRequests: 1, MaxFailureRate: 0.1, RecoveryTime: time.Hour, RecoveryTimeCap: time.Hour, SuccessThreshold: 3}
	m := NewManager(fc, cfg)

	for _, f := range []string{"a", "b", "c", "d", "e"} {
		m.Breaker(Feature{Name: f, Priority: model.PriorityCritical})
	}

	openBreaker(t, m.Breaker(Feature{Name: "a", Priority: model.PriorityCritical}), 1)

	if tier := m.Tier(); tier != TierProgressive {
		t.Fatalf("expected progressive tier at 1/5=20%%, got %s", tier)
	}
}

func TestManager_EmergencyExitRequiresSixtySecondHold(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	cfg := Config{Window: time.Minute, MinRequests: 1, MaxFailureRate: 0.1, RecoveryTime: time.Hour, RecoveryTimeCap: time.Hour, SuccessThreshold: 3}
	m := NewManager(fc, cfg)

	for _, f := range []string{"a", "b"} {
		m.Breaker(Feature{Name: f, Priority: model.PriorityCritical})
	}
	ba := m.Breaker(Feature{Name: "a", Priority: model.PriorityCritical})
	openBreaker(t, ba, 1)

	if tier := m.Tier(); tier != TierEmergency {
		t.Fatalf("expected emergency at 1/2=50%%, got %s", tier)
	}

	// force-close "a" to simulate recovery, dropping to 0%
	ba.mu.Lock()
	ba.closeLocked()
	ba.mu.Unlock()

	if tier := m.Tier(); tier != TierEmergency {
		t.Fatalf("expected to remain in emergency immediately after dropping below 20%%, got %s", tier)
	}

	fc.Advance(61 * time.Second)

	if tier := m.Tier(); tier != TierNormal {
		t.Fatalf("expected normal tier after 60s hold, got %s", tier)
	}
}

func TestManager_GlobalBreakerTripsAcrossFeatures(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	cfg := Config{Window: time.Minute, MinRequests: 4, MaxFailureRate: 0.5, RecoveryTime: time.Hour, RecoveryTimeCap: time.Hour, SuccessThreshold: 3}
	m := NewManager(fc, cfg)

	boom := cerrors.New(cerrors.KindServer, "test", "500")
	features := []Feature{
		{Name: "a", Priority: model.PriorityCritical},
		{Name: "b", Priority: model.PriorityCritical},
		{Name: "c", Priority: model.PriorityCritical},
		{Name: "d", Priority: model.PriorityCritical},
	}

	// Each feature only fails once (below its own MinRequests, so no
	// individual feature breaker opens), but every failure is critical
	// priority (weight 1.0), so the global breaker's shared window
	// crosses MaxFailureRate on its own.
	for _, f := range features {
		err := m.Execute(f, func() error { return boom }, nil)
		if cerrors.Classify(err) != cerrors.KindServer {
			t.Fatalf("expected op's own error to surface, got %v", err)
		}
	}

	for _, f := range features {
		if b := m.Breaker(f); b.State() != StateClosed {
			t.Fatalf("feature %s: expected individual breaker to remain closed, got %s", f.Name, b.State())
		}
	}

	if m.Global().State() != StateOpen {
		t.Fatalf("expected global breaker open after 4/4 critical failures across features, got %s", m.Global().State())
	}

	called := false
	err := m.Execute(features[0], func() error {
		t.Fatal("op must not run once the global breaker is open")
		return nil
	}, func() error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error from fallback: %v", err)
	}
	if !called {
		t.Fatal("expected fallback to be invoked once the global breaker rejects")
	}
}

func TestManager_GlobalBreakerWeightsLowPriorityLess(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	cfg := Config{Window: time.Minute, MinRequests: 4, MaxFailureRate: 0.5, RecoveryTime: time.Hour, RecoveryTimeCap: time.Hour, SuccessThreshold: 3}
	m := NewManager(fc, cfg)

	boom := cerrors.New(cerrors.KindServer, "test", "500")
	for i := 0; i < 4; i++ {
		f := Feature{Name: "low", Priority: model.PriorityLow}
		_ = m.Execute(f, func() error { return boom }, nil)
	}

	// Low priority weighs 0.25 per failure: failure_rate = 0.25, below
	// the 0.5 threshold, so the global breaker must stay closed even
	// though every call failed.
	if m.Global().State() != StateClosed {
		t.Fatalf("expected global breaker closed for low-priority-only failures, got %s", m.Global().State())
	}
}

func TestManager_RateLimitedDoesNotTripGlobalBreaker(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	cfg := Config{Window: time.Minute, MinRequests: 4, MaxFailureRate: 0.1, RecoveryTime: time.Hour, RecoveryTimeCap: time.Hour, SuccessThreshold: 3}
	m := NewManager(fc, cfg)

	rateLimited := cerrors.New(cerrors.KindRateLimited, "test", "429")
	for i := 0; i < 4; i++ {
		f := Feature{Name: "r", Priority: model.PriorityCritical}
		_ = m.Execute(f, func() error { return rateLimited }, nil)
	}

	if m.Global().State() != StateClosed {
		t.Fatalf("expected global breaker closed: RateLimited must not weigh toward failure_rate, got %s", m.Global().State())
	}
}
