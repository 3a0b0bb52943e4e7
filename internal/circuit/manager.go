package circuit

import (
	"sync"
	"time"

	"github.com/revi-labs/revi-sdk-go/internal/clock"
	"github.com/revi-labs/revi-sdk-go/internal/model"
)

// DegradationTier describes the manager's current posture, derived from
// the fraction of critical-priority features with open breakers.
type DegradationTier int

const (
	// TierNormal: no degradation in effect.
	TierNormal DegradationTier = iota
	// TierProgressive: 20-40% of critical features open; pause
	// low-priority streams.
	TierProgressive
	// TierEmergency: >=40% of critical features open; reduce sampling
	// to minimums, raise batch intervals, stop nonessential features.
	TierEmergency
)

func (t DegradationTier) String() string {
	switch t {
	case TierProgressive:
		return "progressive"
	case TierEmergency:
		return "emergency"
	default:
		return "normal"
	}
}

// Feature registers a named circuit with the priority it should be
// weighted by in the manager's aggregate view.
type Feature struct {
	Name     string
	Priority model.Priority
}

// Manager composes per-feature breakers, a global breaker fed by every
// feature's outcome, and the hysteretic degradation state machine
// described by the emergency/progressive tiers.
type Manager struct {
	clock clock.Clock
	cfg   Config

	mu       sync.Mutex
	breakers map[string]*Breaker
	priority map[string]model.Priority
	global   *Breaker

	tier            DegradationTier
	belowEmergSince time.Time // when the critical-open fraction last dropped below 20%
	haveBelowEmerg  bool
}

// NewManager constructs an empty Manager; breakers are created lazily on
// first Feature registration, per the StoredItem lifecycle notes.
func NewManager(c clock.Clock, cfg Config) *Manager {
	return &Manager{
		clock:    c,
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
		priority: make(map[string]model.Priority),
	}
}

// Breaker returns (creating if necessary) the breaker for a feature.
func (m *Manager) Breaker(f Feature) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.breakerLocked(f)
}

func (m *Manager) breakerLocked(f Feature) *Breaker {
	b, ok := m.breakers[f.Name]
	if !ok {
		b = New(m.clock, m.cfg)
		m.breakers[f.Name] = b
		m.priority[f.Name] = f.Priority
	}
	return b
}

// Global returns the manager's global breaker: a single Breaker whose
// rolling window is fed by every feature's outcome, each weighted by
// priorityWeight(feature.Priority). It trips independently of, and in
// addition to, any individual feature breaker, per the disjunction-of-
// feature-outcomes composition.
func (m *Manager) Global() *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.globalLocked()
}

func (m *Manager) globalLocked() *Breaker {
	if m.global == nil {
		m.global = New(m.clock, m.cfg)
	}
	return m.global
}

// priorityWeight scales a feature outcome's contribution to the global
// breaker: a critical feature's failures count in full, lower-priority
// features count for proportionally less, so a storm of low-priority
// failures alone is unlikely to trip global delivery.
func priorityWeight(p model.Priority) float64 {
	switch p {
	case model.PriorityCritical:
		return 1.0
	case model.PriorityHigh:
		return 0.75
	case model.PriorityMedium:
		return 0.5
	default:
		return 0.25
	}
}

// Execute runs op through f's per-feature breaker, folding the outcome
// into the global breaker afterward weighted by f.Priority. The global
// breaker is also consulted for admission: if it is open, the call is
// rejected (or falls back) without touching the feature breaker at all,
// since the global breaker represents aggregate delivery health across
// every feature.
func (m *Manager) Execute(f Feature, op func() error, fallback func() error) error {
	m.mu.Lock()
	global := m.globalLocked()
	feature := m.breakerLocked(f)
	m.mu.Unlock()

	if global.State() == StateOpen {
		return global.reject(fallback)
	}

	start := m.clock.Now()
	executed := false
	err := feature.Execute(func() error {
		executed = true
		return op()
	}, fallback)

	if executed {
		if weight, ok := classifyWeight(err); ok {
			global.RecordWeighted(weight*priorityWeight(f.Priority), m.clock.Now().Sub(start))
		}
	}
	return err
}

// Tier returns the current degradation tier, refreshing it from the
// latest breaker states first.
func (m *Manager) Tier() DegradationTier {
	m.refresh()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tier
}

// refresh recomputes the critical-open fraction and applies the
// hysteresis rule: exiting emergency mode requires staying below 20% for
// 60s.
func (m *Manager) refresh() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var criticalTotal, criticalOpen int
	for name, b := range m.breakers {
		if m.priority[name] != model.PriorityCritical {
			continue
		}
		criticalTotal++
		if b.State() == StateOpen {
			criticalOpen++
		}
	}

	var frac float64
	if criticalTotal > 0 {
		frac = float64(criticalOpen) / float64(criticalTotal)
	}

	now := m.clock.Now()

	switch {
	case frac >= 0.40:
		m.tier = TierEmergency
		m.haveBelowEmerg = false
	case frac >= 0.20:
		if m.tier == TierEmergency {
			// still above the 20% exit threshold; stay in emergency
			m.haveBelowEmerg = false
			return
		}
		m.tier = TierProgressive
		m.haveBelowEmerg = false
	default:
		if m.tier == TierEmergency {
			if !m.haveBelowEmerg {
				m.haveBelowEmerg = true
				m.belowEmergSince = now
				return // stay in emergency until the hold period elapses
			}
			if now.Sub(m.belowEmergSince) < 60*time.Second {
				return
			}
		}
		m.tier = TierNormal
		m.haveBelowEmerg = false
	}
}

// Snapshot returns all feature breakers' metrics, keyed by feature name.
func (m *Manager) Snapshot() map[string]Metrics {
	m.mu.Lock()
	names := make([]string, 0, len(m.breakers))
	breakers := make([]*Breaker, 0, len(m.breakers))
	for name, b := range m.breakers {
		names = append(names, name)
		breakers = append(breakers, b)
	}
	m.mu.Unlock()

	out := make(map[string]Metrics, len(names))
	for i, name := range names {
		out[name] = breakers[i].Metrics()
	}
	return out
}
