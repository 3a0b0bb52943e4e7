// Package health implements the HealthMonitor (C7): periodic active
// probes per endpoint, p50/p95/p99 latency and availability tracking, and
// multi-region primary election with hysteretic failover/failback.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/revi-labs/revi-sdk-go/internal/clock"
	"github.com/revi-labs/revi-sdk-go/internal/quantile"
)

// Status is a monitor's classification of an endpoint's current health.
type Status int

const (
	StatusUnknown Status = iota
	StatusHealthy
	StatusDegraded
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Trend is the direction of the p95 slope over the last three windows.
type Trend int

const (
	TrendStable Trend = iota
	TrendImproving
	TrendDegrading
)

func (t Trend) String() string {
	switch t {
	case TrendImproving:
		return "improving"
	case TrendDegrading:
		return "degrading"
	default:
		return "stable"
	}
}

// Config tunes one endpoint's monitor.
type Config struct {
	CheckInterval          time.Duration // default 30s, min 5s
	Timeout                time.Duration // default 5s
	Window                 time.Duration // default 5m
	DegradationThresholdMs float64       // default 2000
	FailureThreshold       int           // default 3
	RecoveryThreshold      int           // default 2
	MinSamples             int           // default 20, for confidence
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		CheckInterval:          30 * time.Second,
		Timeout:                5 * time.Second,
		Window:                 5 * time.Minute,
		DegradationThresholdMs: 2000,
		FailureThreshold:       3,
		RecoveryThreshold:      2,
		MinSamples:             20,
	}
}

// Prober performs one active health check against an endpoint, returning
// the observed latency and an error on failure.
type Prober func(ctx context.Context, endpoint string) (time.Duration, error)

type sample struct {
	ts      int64
	ok      bool
	latency time.Duration
}

// Metrics is a point-in-time snapshot for one endpoint.
type Metrics struct {
	P50Ms              float64
	P95Ms              float64
	P99Ms              float64
	Availability       float64
	ConsecutiveFail    int
	ConsecutiveSuccess int
	UptimeMs           int64
	DowntimeMs         int64
	Trend              Trend
	Confidence         float64
	Status             Status
}

// endpointState tracks one endpoint's rolling samples and consecutive
// counters.
type endpointState struct {
	mu                 sync.Mutex
	samples            []sample
	consecutiveFail    int
	consecutiveSuccess int
	uptimeMs   int64
	downtimeMs int64
	lastCheck  time.Time
	p95History         []float64 // last 3 window-end p95 values, for trend
	p95At              time.Time // when p95History was last appended to
}

// Endpoint carries the metadata used for multi-region primary election;
// lower Priority is elected primary among healthy candidates.
type Endpoint struct {
	Name     string
	Priority int
}

// FailoverEvent records one election change.
type FailoverEvent struct {
	AtMs  int64
	From  string
	To    string
	Cause string
}

// Monitor watches a fixed set of endpoints and elects a primary.
type Monitor struct {
	clock  clock.Clock
	cfg    Config
	prober Prober

	mu         sync.Mutex
	endpoints  []Endpoint
	states     map[string]*endpointState
	primary    string
	candidates map[string]int // consecutive healthy checks while not primary
	history    []FailoverEvent
}

const maxFailoverHistory = 50

// NewMonitor constructs a Monitor for the given endpoints, ordered by no
// particular priority (Endpoint.Priority decides election).
func NewMonitor(c clock.Clock, cfg Config, prober Prober, endpoints []Endpoint) *Monitor {
	if cfg.CheckInterval <= 0 {
		cfg = DefaultConfig()
	}
	m := &Monitor{
		clock:      c,
		cfg:        cfg,
		prober:     prober,
		endpoints:  endpoints,
		states:     make(map[string]*endpointState),
		candidates: make(map[string]int),
	}
	for _, e := range endpoints {
		m.states[e.Name] = &endpointState{}
	}
	if len(endpoints) > 0 {
		m.primary = electInitial(endpoints)
	}
	return m
}

func electInitial(endpoints []Endpoint) string {
	best := endpoints[0]
	for _, e := range endpoints[1:] {
		if e.Priority < best.Priority {
			best = e
		}
	}
	return best.Name
}

// Check runs one active probe against endpoint and records the outcome.
func (m *Monitor) Check(ctx context.Context, endpoint string) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	start := m.clock.Now()
	latency, err := m.prober(ctx, endpoint)
	if latency == 0 {
		latency = m.clock.Now().Sub(start)
	}
	m.Record(endpoint, err == nil, latency)
}

// Record folds a passive or active observation into endpoint's rolling
// window, then re-evaluates primary election.
func (m *Monitor) Record(endpoint string, ok bool, latency time.Duration) {
	m.mu.Lock()
	st, exists := m.states[endpoint]
	if !exists {
		st = &endpointState{}
		m.states[endpoint] = st
	}
	m.mu.Unlock()

	now := m.clock.Now()

	st.mu.Lock()
	st.samples = append(st.samples, sample{ts: now.UnixNano(), ok: ok, latency: latency})
	st.pruneLocked(now, m.cfg.Window)

	if !st.lastCheck.IsZero() {
		elapsed := now.Sub(st.lastCheck).Milliseconds()
		if ok {
			st.uptimeMs += elapsed
		} else {
			st.downtimeMs += elapsed
		}
	}
	st.lastCheck = now

	if ok {
		st.consecutiveSuccess++
		st.consecutiveFail = 0
	} else {
		st.consecutiveFail++
		st.consecutiveSuccess = 0
	}
	st.mu.Unlock()

	m.electPrimary(now)
}

func (s *endpointState) pruneLocked(now time.Time, window time.Duration) {
	boundary := now.Add(-window).UnixNano()
	i := 0
	for i < len(s.samples) && s.samples[i].ts < boundary {
		i++
	}
	if i > 0 {
		s.samples = append([]sample(nil), s.samples[i:]...)
	}
}

// Metrics computes the current snapshot for endpoint.
func (m *Monitor) Metrics(endpoint string) Metrics {
	m.mu.Lock()
	st := m.states[endpoint]
	m.mu.Unlock()
	if st == nil {
		return Metrics{}
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	n := len(st.samples)
	if n == 0 {
		return Metrics{Status: StatusUnknown}
	}

	est := quantile.NewEstimator(0.5, 0.95, 0.99)
	var successes int
	for _, s := range st.samples {
		est.Update(float64(s.latency.Milliseconds()))
		if s.ok {
			successes++
		}
	}
	successRate := float64(successes) / float64(n)

	met := Metrics{
		P50Ms:              est.Quantile(0),
		P95Ms:              est.Quantile(1),
		P99Ms:              est.Quantile(2),
		Availability:       successRate,
		ConsecutiveFail:    st.consecutiveFail,
		ConsecutiveSuccess: st.consecutiveSuccess,
		UptimeMs:           st.uptimeMs,
		DowntimeMs:         st.downtimeMs,
		Confidence:         min1(float64(n) / float64(max1(m.cfg.MinSamples))),
	}

	switch {
	case n < m.cfg.MinSamples/4:
		met.Status = StatusUnknown
	case successRate < 0.7 || st.consecutiveFail >= m.cfg.FailureThreshold:
		met.Status = StatusUnhealthy
	case successRate < 0.95 || met.P95Ms > m.cfg.DegradationThresholdMs:
		// Degraded covers both disjuncts independently: a success rate in
		// [0.7, 0.95) is degraded regardless of latency, and a p95 above
		// threshold is degraded even at a high success rate.
		met.Status = StatusDegraded
	default:
		met.Status = StatusHealthy
	}

	met.Trend = trendOf(append(st.p95History, met.P95Ms))
	if now := m.clock.Now(); len(st.p95History) == 0 || now.Sub(st.p95At) >= m.cfg.Window {
		st.p95History = append(st.p95History, met.P95Ms)
		if len(st.p95History) > 3 {
			st.p95History = st.p95History[len(st.p95History)-3:]
		}
		st.p95At = now
	}
	return met
}

func trendOf(history []float64) Trend {
	if len(history) < 3 {
		return TrendStable
	}
	h := history[len(history)-3:]
	slope := h[2] - h[0]
	switch {
	case slope < -1:
		return TrendImproving
	case slope > 1:
		return TrendDegrading
	default:
		return TrendStable
	}
}

func min1(v float64) float64 {
	if v > 1 {
		return 1
	}
	return v
}

func max1(v int) int {
	if v < 1 {
		return 1
	}
	return v
}

// Primary returns the currently elected primary endpoint name.
func (m *Monitor) Primary() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.primary
}

// History returns a copy of the bounded failover history.
func (m *Monitor) History() []FailoverEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]FailoverEvent(nil), m.history...)
}

// electPrimary applies the multi-region failover/failback rule: a
// candidate must be healthy for recovery_threshold consecutive checks to
// become primary (among healthy endpoints, lowest Priority wins); the
// current primary must be unhealthy for failure_threshold consecutive
// checks before being replaced.
func (m *Monitor) electPrimary(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.endpoints) == 0 {
		return
	}

	type cand struct {
		name     string
		priority int
		healthy  bool
	}
	var cands []cand
	for _, e := range m.endpoints {
		met := m.metricsLocked(e.Name)
		healthy := met.Status == StatusHealthy
		cands = append(cands, cand{e.Name, e.Priority, healthy})
		if healthy && e.Name != m.primary {
			m.candidates[e.Name]++
		} else if !healthy {
			m.candidates[e.Name] = 0
		}
	}

	primaryMet := m.metricsLocked(m.primary)
	primaryUnhealthy := primaryMet.Status == StatusUnhealthy &&
		m.states[m.primary] != nil && m.states[m.primary].consecutiveFail >= m.cfg.FailureThreshold

	if !primaryUnhealthy {
		return
	}

	sort.Slice(cands, func(i, j int) bool { return cands[i].priority < cands[j].priority })
	for _, c := range cands {
		if c.name == m.primary || !c.healthy {
			continue
		}
		if m.candidates[c.name] >= m.cfg.RecoveryThreshold {
			old := m.primary
			m.primary = c.name
			m.candidates[c.name] = 0
			m.history = append(m.history, FailoverEvent{AtMs: now.UnixMilli(), From: old, To: c.name, Cause: "unhealthy"})
			if len(m.history) > maxFailoverHistory {
				m.history = m.history[len(m.history)-maxFailoverHistory:]
			}
			return
		}
	}
}

// metricsLocked computes Metrics for endpoint without re-taking m.mu
// (caller already holds it); it still takes the per-endpoint lock.
func (m *Monitor) metricsLocked(endpoint string) Metrics {
	st := m.states[endpoint]
	if st == nil {
		return Metrics{Status: StatusUnknown}
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	n := len(st.samples)
	if n == 0 {
		return Metrics{Status: StatusUnknown}
	}
	var successes int
	var p95est = quantile.NewEstimator(0.95)
	for _, s := range st.samples {
		p95est.Update(float64(s.latency.Milliseconds()))
		if s.ok {
			successes++
		}
	}
	successRate := float64(successes) / float64(n)
	p95 := p95est.Quantile(0)

	met := Metrics{Availability: successRate, P95Ms: p95, ConsecutiveFail: st.consecutiveFail}
	switch {
	case n < m.cfg.MinSamples/4:
		met.Status = StatusUnknown
	case successRate < 0.7 || st.consecutiveFail >= m.cfg.FailureThreshold:
		met.Status = StatusUnhealthy
	case successRate < 0.95 || p95 > m.cfg.DegradationThresholdMs:
		met.Status = StatusDegraded
	default:
		met.Status = StatusHealthy
	}
	return met
}
