// Package pipeline implements the DeliveryPipeline (C8): the drain loop
// that moves items from the durable queue through the batch assembler,
// circuit breaker, and retry manager to the ingest service, with an
// adaptive timer and a capped dead-letter area for items that exceed the
// per-item attempt budget.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/revi-labs/revi-sdk-go/internal/batch"
	"github.com/revi-labs/revi-sdk-go/internal/circuit"
	"github.com/revi-labs/revi-sdk-go/internal/clock"
	"github.com/revi-labs/revi-sdk-go/internal/health"
	"github.com/revi-labs/revi-sdk-go/internal/ingest"
	"github.com/revi-labs/revi-sdk-go/internal/model"
	"github.com/revi-labs/revi-sdk-go/internal/retry"
	"github.com/revi-labs/revi-sdk-go/internal/store"
)

// Config tunes the drain loop's timer and resource caps.
type Config struct {
	BaseInterval           time.Duration // default 2s
	MaxInterval            time.Duration // default 30s
	HighWatermark          int           // default 25
	MaxLatency             time.Duration // default 10s
	MaxItemAttempts        int           // default 10
	DeadLetterCapBytes     int           // default 1 MiB
	InFlightCapPerEndpoint int           // default 6
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		BaseInterval:           2 * time.Second,
		MaxInterval:            30 * time.Second,
		HighWatermark:          25,
		MaxLatency:             10 * time.Second,
		MaxItemAttempts:        10,
		DeadLetterCapBytes:     1024 * 1024,
		InFlightCapPerEndpoint: 6,
	}
}

// DeadLetterEntry is one evicted item, retained for diagnostics.
type DeadLetterEntry struct {
	Item   *model.StoredItem
	Reason string
	AtMs   int64
}

// DiagnosticEvent is emitted when an item is dead-lettered, surfaced to
// the Supervisor's own self-diagnostic stream.
type DiagnosticEvent struct {
	AtMs    int64
	Kind    model.Kind
	Message string
}

// Pipeline drains DurableStore through BatchAssembler, CircuitBreaker,
// and RetryManager to one of a set of regional ingest endpoints.
type Pipeline struct {
	clock     clock.Clock
	cfg       Config
	batchCfg  batch.Config
	store     *store.Store
	circuits  *circuit.Manager
	retries   *retry.Manager
	health    *health.Monitor
	clients   map[string]*ingest.Client
	sessionID string

	onDiagnostic func(DiagnosticEvent)

	mu              sync.Mutex
	interval        time.Duration
	deadLetter      []DeadLetterEntry
	deadLetterBytes int
	wake            chan struct{}
}

// New constructs a Pipeline. clients maps a health.Endpoint.Name to the
// ingest.Client for that region.
func New(c clock.Clock, cfg Config, batchCfg batch.Config, s *store.Store, circuits *circuit.Manager, retries *retry.Manager, h *health.Monitor, clients map[string]*ingest.Client, sessionID string) *Pipeline {
	if cfg.BaseInterval <= 0 {
		cfg = DefaultConfig()
	}
	return &Pipeline{
		clock:     c,
		cfg:       cfg,
		batchCfg:  batchCfg,
		store:     s,
		circuits:  circuits,
		retries:   retries,
		health:    h,
		clients:   clients,
		sessionID: sessionID,
		interval:  cfg.BaseInterval,
		wake:      make(chan struct{}, 1),
	}
}

// OnDiagnostic registers a callback invoked whenever an item is
// dead-lettered.
func (p *Pipeline) OnDiagnostic(fn func(DiagnosticEvent)) {
	p.mu.Lock()
	p.onDiagnostic = fn
	p.mu.Unlock()
}

// Wake interrupts the drain loop's current sleep, for producers that
// just crossed the high_watermark/max_latency queue thresholds.
func (p *Pipeline) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// ShouldWake reports whether the current queue state has crossed a
// threshold that warrants an immediate drain, per the high_watermark and
// max_latency triggers.
func (p *Pipeline) ShouldWake() bool {
	count, _ := p.store.Size()
	if count >= p.cfg.HighWatermark {
		return true
	}
	if oldest := p.store.OldestMs(); oldest > 0 {
		age := time.Duration(p.clock.Now().UnixMilli()-oldest) * time.Millisecond
		if age >= p.cfg.MaxLatency {
			return true
		}
	}
	return false
}

// Run drives the adaptive timer loop until ctx is done.
func (p *Pipeline) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		didWork := p.Tick(ctx)

		p.mu.Lock()
		if didWork {
			p.interval = p.cfg.BaseInterval
		} else {
			p.interval *= 2
			if p.interval > p.cfg.MaxInterval {
				p.interval = p.cfg.MaxInterval
			}
		}
		interval := p.interval
		p.mu.Unlock()

		sleepDone := make(chan struct{})
		go func() {
			_ = p.clock.Sleep(ctx, interval)
			close(sleepDone)
		}()

		select {
		case <-ctx.Done():
			return
		case <-sleepDone:
		case <-p.wake:
		}
	}
}

// Tick performs one drain pass over every kind, returning true if any
// items were found (used to reset the adaptive interval).
func (p *Pipeline) Tick(ctx context.Context) bool {
	endpoint := p.health.Primary()
	client := p.clients[endpoint]
	if client == nil {
		return false
	}

	didWork := false
	for _, kind := range []model.Kind{model.KindError, model.KindSession, model.KindNetwork} {
		limit := p.cfg.InFlightCapPerEndpoint * p.batchCfg.MaxCount
		items := p.store.Peek(store.Filter{Kind: kind, AnyPriority: true}, limit)
		if len(items) == 0 {
			continue
		}
		didWork = true

		batches := batch.Assemble(items, p.batchCfg)
		dispatcher := batch.NewDispatcher(p.cfg.InFlightCapPerEndpoint, func(ctx context.Context, b batch.Batch) error {
			return p.SendBatch(ctx, endpoint, client, kind, b)
		})
		dispatcher.Run(ctx, batches)
	}
	return didWork
}

// SendBatch pushes one assembled batch through the circuit breaker and
// retry manager to client, acking on success or bumping attempt counts
// (dead-lettering past MaxItemAttempts) on failure. Exported so
// SyncCoordinator can issue its own priority-ordered batches through the
// exact same breaker/retry/ack semantics as the drain loop.
func (p *Pipeline) SendBatch(ctx context.Context, endpoint string, client *ingest.Client, kind model.Kind, b batch.Batch) error {
	priority := maxPriority(b.Items)
	key := endpoint + ":" + string(kind)
	feature := circuit.Feature{Name: key, Priority: priority}

	timeoutMs := 10_000
	if b.Oversize {
		timeoutMs = 30_000
	}

	start := p.clock.Now()
	err := p.circuits.Execute(feature, func() error {
		_, execErr := retry.Execute(ctx, p.retries, key, retry.Options{
			Priority:     priority,
			TimeoutMs:    timeoutMs,
			PayloadBytes: b.Bytes,
		}, func(ctx context.Context) (ingest.Response, error) {
			return p.post(ctx, client, kind, b)
		})
		return execErr
	}, nil)
	latency := p.clock.Now().Sub(start)

	p.health.Record(endpoint, err == nil, latency)

	if err == nil {
		ids := idsOf(b.Items)
		_ = p.store.Ack(ctx, ids)
		return nil
	}

	p.handleFailure(b)
	return err
}

func (p *Pipeline) post(ctx context.Context, client *ingest.Client, kind model.Kind, b batch.Batch) (ingest.Response, error) {
	switch kind {
	case model.KindError:
		items := make([]*model.ErrorItem, 0, len(b.Items))
		for _, it := range b.Items {
			items = append(items, it.Error)
		}
		return client.PostErrors(ctx, items)
	case model.KindSession:
		items := make([]*model.SessionEventItem, 0, len(b.Items))
		for _, it := range b.Items {
			items = append(items, it.Session)
		}
		return client.PostSessionEvents(ctx, p.sessionID, items)
	default:
		items := make([]*model.NetworkEventItem, 0, len(b.Items))
		for _, it := range b.Items {
			items = append(items, it.Network)
		}
		return client.PostNetworkEvents(ctx, items)
	}
}

// handleFailure bumps each item's attempt count, dead-lettering any item
// that exceeds MaxItemAttempts; everything else stays queued for the
// next tick.
func (p *Pipeline) handleFailure(b batch.Batch) {
	var toEvict []uint64
	for _, item := range b.Items {
		count, ok := p.store.IncrementAttempt(item.ID)
		if !ok {
			continue
		}
		if count > p.cfg.MaxItemAttempts {
			toEvict = append(toEvict, item.ID)
			p.deadLetter1(item)
		}
	}
	if len(toEvict) > 0 {
		_ = p.store.Ack(context.Background(), toEvict)
	}
}

func (p *Pipeline) deadLetter1(item *model.StoredItem) {
	p.mu.Lock()
	entry := DeadLetterEntry{Item: item, Reason: "max_item_attempts exceeded", AtMs: p.clock.Now().UnixMilli()}
	p.deadLetter = append(p.deadLetter, entry)
	p.deadLetterBytes += item.PayloadBytes
	for p.deadLetterBytes > p.cfg.DeadLetterCapBytes && len(p.deadLetter) > 0 {
		evicted := p.deadLetter[0]
		p.deadLetter = p.deadLetter[1:]
		p.deadLetterBytes -= evicted.Item.PayloadBytes
	}
	cb := p.onDiagnostic
	p.mu.Unlock()

	if cb != nil {
		cb(DiagnosticEvent{AtMs: entry.AtMs, Kind: item.Kind, Message: entry.Reason})
	}
}

// DeadLetter returns a snapshot of the current dead-letter entries.
func (p *Pipeline) DeadLetter() []DeadLetterEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]DeadLetterEntry, len(p.deadLetter))
	copy(out, p.deadLetter)
	return out
}

func idsOf(items []*model.StoredItem) []uint64 {
	ids := make([]uint64, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	return ids
}

func maxPriority(items []*model.StoredItem) model.Priority {
	var p model.Priority
	for i, it := range items {
		if i == 0 || it.Priority > p {
			p = it.Priority
		}
	}
	return p
}
