// Package syncup implements the SyncCoordinator (C9): an on-demand full
// drain of the durable queue, distinct from DeliveryPipeline's steady
// background trickle. It runs as a bounded-duration phase machine
// (preparing -> syncing -> completed|failed), fans batches out across a
// priority-ordered plan with its own concurrency cap, and reports
// incremental progress to a subscriber.
package syncup

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/revi-labs/revi-sdk-go/internal/abortctl"
	"github.com/revi-labs/revi-sdk-go/internal/batch"
	"github.com/revi-labs/revi-sdk-go/internal/circuit"
	"github.com/revi-labs/revi-sdk-go/internal/clock"
	"github.com/revi-labs/revi-sdk-go/internal/config"
	"github.com/revi-labs/revi-sdk-go/internal/drain"
	cerrors "github.com/revi-labs/revi-sdk-go/internal/errors"
	"github.com/revi-labs/revi-sdk-go/internal/health"
	"github.com/revi-labs/revi-sdk-go/internal/ingest"
	"github.com/revi-labs/revi-sdk-go/internal/model"
	"github.com/revi-labs/revi-sdk-go/internal/retry"
	"github.com/revi-labs/revi-sdk-go/internal/store"
)

// Phase is the SyncCoordinator's own state, distinct from Pipeline's
// always-on drain loop.
type Phase int

const (
	PhaseIdle Phase = iota
	PhasePreparing
	PhaseSyncing
	PhaseCompleted
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhasePreparing:
		return "preparing"
	case PhaseSyncing:
		return "syncing"
	case PhaseCompleted:
		return "completed"
	case PhaseFailed:
		return "failed"
	default:
		return "idle"
	}
}

// Trigger records why a run started, for diagnostics.
type Trigger string

const (
	TriggerNetworkOnline Trigger = "network-online"
	TriggerForeground    Trigger = "foreground"
	TriggerWatermark     Trigger = "watermark"
	TriggerFlush         Trigger = "flush"
)

// Progress is reported incrementally to the subscriber as batches
// complete.
type Progress struct {
	Phase                Phase
	Total                int
	Synced               int
	Failed               int
	CurrentBatch         int
	TotalBatches         int
	BytesTransferred     int
	EstimatedRemainingMs int64
}

// Config tunes one sync run's batching and bounds.
type Config struct {
	BaseBatchSize         int // default 25
	MinBatchSize          int // default 5
	MaxBatchSize          int // default 50
	MaxConcurrentBatches  int // default 3
	MaxTotalSyncTime      time.Duration
	// CriticalWatermark is the queue size that triggers an automatic
	// run, default 50: 2x DeliveryPipeline's high_watermark default (25), so an
	// automatic full sync only kicks in once the steady-state drain loop
	// is meaningfully behind.
	CriticalWatermark int
	ConflictPolicy    config.ConflictPolicy
	// PoorNetworkQuality is the NetworkQuality() threshold below which
	// concurrent batches are throttled down to 1 in-flight.
	PoorNetworkQuality float64
}

// DefaultConfig returns the resolved defaults.
func DefaultConfig() Config {
	return Config{
		BaseBatchSize:        25,
		MinBatchSize:         5,
		MaxBatchSize:         50,
		MaxConcurrentBatches: 3,
		MaxTotalSyncTime:     5 * time.Minute,
		CriticalWatermark:    50,
		ConflictPolicy:       config.ConflictTimestampWins,
		PoorNetworkQuality:   0.3,
	}
}

// QualitySource reports a live [0,1] indicator; nil is treated as a
// constant 1.0 (best case).
type QualitySource func() float64

// Coordinator runs bounded full-drain sync passes on demand, reusing
// DeliveryPipeline's breaker/retry/ack semantics for the actual sends.
type Coordinator struct {
	clock    clock.Clock
	cfg      Config
	maxBytes int

	store     *store.Store
	circuits  *circuit.Manager
	retries   *retry.Manager
	health    *health.Monitor
	clients   map[string]*ingest.Client
	sessionID string

	networkQuality QualitySource
	batteryLevel   QualitySource

	mu         sync.Mutex
	onProgress func(Progress)
	running    bool
}

// New constructs a Coordinator. maxBatchBytes bounds a single batch's
// payload size, matching BatchAssembler's own cap.
func New(c clock.Clock, cfg Config, maxBatchBytes int, s *store.Store, circuits *circuit.Manager, retries *retry.Manager, h *health.Monitor, clients map[string]*ingest.Client, sessionID string, networkQuality, batteryLevel QualitySource) *Coordinator {
	if cfg.BaseBatchSize <= 0 {
		cfg = DefaultConfig()
	}
	if maxBatchBytes <= 0 {
		maxBatchBytes = batch.DefaultConfig().MaxBytes
	}
	return &Coordinator{
		clock:          c,
		cfg:            cfg,
		maxBytes:       maxBatchBytes,
		store:          s,
		circuits:       circuits,
		retries:        retries,
		health:         h,
		clients:        clients,
		sessionID:      sessionID,
		networkQuality: networkQuality,
		batteryLevel:   batteryLevel,
	}
}

// OnProgress registers the progress subscription callback, replacing any
// previously registered one.
func (sc *Coordinator) OnProgress(fn func(Progress)) {
	sc.mu.Lock()
	sc.onProgress = fn
	sc.mu.Unlock()
}

// Running reports whether a sync pass is currently in flight; concurrent
// calls to Run while true return ErrAlreadyRunning.
func (sc *Coordinator) Running() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.running
}

// ErrAlreadyRunning is returned by Run when a prior pass has not yet
// completed.
var ErrAlreadyRunning = cerrors.New(cerrors.KindClient, "syncup.run", "a sync is already running")

// ShouldTrigger reports whether the queue has crossed CriticalWatermark,
// for callers deciding whether to start an automatic run.
func (sc *Coordinator) ShouldTrigger() bool {
	count, _ := sc.store.Size()
	return count >= sc.cfg.CriticalWatermark
}

// Run executes one bounded, full-drain sync pass: snapshot, plan,
// dispatch, report, and finish. Only one pass may be in flight at a time.
func (sc *Coordinator) Run(ctx context.Context, reason Trigger) error {
	sc.mu.Lock()
	if sc.running {
		sc.mu.Unlock()
		return ErrAlreadyRunning
	}
	sc.running = true
	sc.mu.Unlock()
	defer func() {
		sc.mu.Lock()
		sc.running = false
		sc.mu.Unlock()
	}()

	ctrl := abortctl.WithTimeout(ctx, sc.clock, sc.cfg.MaxTotalSyncTime)
	runCtx, cancel := ctrl.Signal().Context(ctx)
	defer cancel()

	start := sc.clock.Now()
	sc.report(Progress{Phase: PhasePreparing})

	endpoint := sc.health.Primary()
	client := sc.clients[endpoint]
	if client == nil {
		sc.report(Progress{Phase: PhaseFailed})
		return cerrors.New(cerrors.KindClient, "syncup.run", "no ingest client for primary endpoint")
	}

	batches, total := sc.plan()
	if total == 0 {
		sc.report(Progress{Phase: PhaseCompleted})
		return nil
	}
	totalBatches := len(batches)
	sc.report(Progress{Phase: PhaseSyncing, Total: total, TotalBatches: totalBatches})

	maxConc := sc.cfg.MaxConcurrentBatches
	if sc.poorNetwork() {
		maxConc = 1
	}

	dispatcher := batch.NewDispatcher(maxConc, func(bctx context.Context, b batch.Batch) error {
		if err := ctrl.Signal().ThrowIfAborted(); err != nil {
			return err
		}
		return sc.sendBatch(bctx, endpoint, client, b.Items[0].Kind, b)
	})

	// Results stream in concurrently as batches finish; drain.Collect
	// groups them into small partial-timeout windows so a fast run of many
	// small batches doesn't turn into one progress callback per batch, and
	// a slow run still reports within PartialTimeout of each completion.
	// A background context is used deliberately: RunChan's goroutines keep
	// writing results even past runCtx cancellation, and failing to drain
	// them here would leak those goroutines blocked on an unbuffered send.
	var synced, failedCount, bytesTransferred, curBatch int
	results := dispatcher.RunChan(runCtx, batches)
	drainCfg := drain.Config{MinSize: 4, MaxSize: -1, PartialTimeout: 75 * time.Millisecond}
	for {
		collectErr := drain.Collect(context.Background(), drainCfg, results, func(r batch.Result[batch.Batch]) error {
			curBatch++
			if r.Err == nil {
				synced += len(r.Batch.Items)
				bytesTransferred += r.Batch.Bytes
			} else {
				failedCount += len(r.Batch.Items)
			}
			return nil
		})

		elapsed := sc.clock.Now().Sub(start)
		sc.report(Progress{
			Phase:                PhaseSyncing,
			Total:                total,
			Synced:               synced,
			Failed:               failedCount,
			CurrentBatch:         curBatch,
			TotalBatches:         totalBatches,
			BytesTransferred:     bytesTransferred,
			EstimatedRemainingMs: estimateRemainingMs(elapsed, curBatch, totalBatches),
		})

		if collectErr == io.EOF {
			break
		}
	}

	if err := runCtx.Err(); err != nil {
		sc.report(Progress{Phase: PhaseFailed, Total: total, Synced: synced, Failed: failedCount, TotalBatches: totalBatches, CurrentBatch: curBatch})
		return err
	}
	if failedCount > 0 {
		sc.report(Progress{Phase: PhaseFailed, Total: total, Synced: synced, Failed: failedCount, TotalBatches: totalBatches, CurrentBatch: curBatch})
		return fmt.Errorf("syncup: %d of %d items failed", failedCount, total)
	}

	sc.report(Progress{Phase: PhaseCompleted, Total: total, Synced: synced, Failed: failedCount, TotalBatches: totalBatches, CurrentBatch: curBatch, BytesTransferred: bytesTransferred})
	return nil
}

// plan snapshots the queue grouped by priority (critical to low) and, per
// tier, by kind, then assembles each kind group into its own
// upload-sized batches so plan order and POST bodies both stay
// homogeneous.
func (sc *Coordinator) plan() ([]batch.Batch, int) {
	size := sc.adaptiveBatchSize()
	cfg := batch.Config{MaxCount: size, MaxBytes: sc.maxBytes}

	tiers := []model.Priority{model.PriorityCritical, model.PriorityHigh, model.PriorityMedium, model.PriorityLow}
	kinds := []model.Kind{model.KindError, model.KindSession, model.KindNetwork}

	var batches []batch.Batch
	var total int
	for _, tier := range tiers {
		for _, kind := range kinds {
			items := sc.store.Peek(store.Filter{Kind: kind, Priority: tier}, 0)
			if len(items) == 0 {
				continue
			}
			total += len(items)
			batches = append(batches, batch.Assemble(items, cfg)...)
		}
	}
	return batches, total
}

// adaptiveBatchSize scales BaseBatchSize by the live network-quality and
// battery indicators, bounded to [MinBatchSize, MaxBatchSize].
func (sc *Coordinator) adaptiveBatchSize() int {
	q := clamp01(sc.quality())
	b := clamp01(sc.battery())
	size := int(float64(sc.cfg.BaseBatchSize) * q * b)
	if size < sc.cfg.MinBatchSize {
		size = sc.cfg.MinBatchSize
	}
	if size > sc.cfg.MaxBatchSize {
		size = sc.cfg.MaxBatchSize
	}
	return size
}

func (sc *Coordinator) poorNetwork() bool {
	return sc.quality() < sc.cfg.PoorNetworkQuality
}

func (sc *Coordinator) quality() float64 {
	if sc.networkQuality == nil {
		return 1.0
	}
	return sc.networkQuality()
}

func (sc *Coordinator) battery() float64 {
	if sc.batteryLevel == nil {
		return 1.0
	}
	return sc.batteryLevel()
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// sendBatch mirrors Pipeline.SendBatch's breaker/retry/ack sequence but
// also inspects the decoded Response for a version-conflict and applies
// ConflictPolicy, since that resolution is only meaningful in the context
// of an explicit sync run's accounting (the steady drain loop treats any
// acknowledged response as a plain success).
func (sc *Coordinator) sendBatch(ctx context.Context, endpoint string, client *ingest.Client, kind model.Kind, b batch.Batch) error {
	priority := maxPriority(b.Items)
	key := endpoint + ":sync:" + string(kind)
	feature := circuit.Feature{Name: key, Priority: priority}

	var resp ingest.Response
	err := sc.circuits.Execute(feature, func() error {
		r, execErr := retry.Execute(ctx, sc.retries, key, retry.Options{
			Priority:     priority,
			TimeoutMs:    10_000,
			PayloadBytes: b.Bytes,
		}, func(ctx context.Context) (ingest.Response, error) {
			return sc.post(ctx, client, kind, b)
		})
		resp = r
		return execErr
	}, nil)
	if err != nil {
		return err
	}

	if resp.VersionConflict {
		switch sc.cfg.ConflictPolicy {
		case config.ConflictClientWins:
			// Keep the local copy authoritative: leave the items queued
			// so the next run resends them (no ack).
			return fmt.Errorf("syncup: version conflict, client-wins policy deferred ack")
		case config.ConflictServerWins:
			// Accept the server's copy: ack and drop the local items.
		case config.ConflictTimestampWins:
			fallthrough
		default:
			// Without a per-item server timestamp in the response, the
			// ingest service is assumed to have already applied
			// timestamp-wins server-side when it chose to report
			// version-conflict rather than a plain success; ack here
			// mirrors that resolution.
		}
	}

	return sc.store.Ack(ctx, idsOf(b.Items))
}

func (sc *Coordinator) post(ctx context.Context, client *ingest.Client, kind model.Kind, b batch.Batch) (ingest.Response, error) {
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
		return client.PostSessionEvents(ctx, sc.sessionID, items)
	default:
		items := make([]*model.NetworkEventItem, 0, len(b.Items))
		for _, it := range b.Items {
			items = append(items, it.Network)
		}
		return client.PostNetworkEvents(ctx, items)
	}
}

func (sc *Coordinator) report(p Progress) {
	sc.mu.Lock()
	fn := sc.onProgress
	sc.mu.Unlock()
	if fn != nil {
		fn(p)
	}
}

func estimateRemainingMs(elapsed time.Duration, done, total int) int64 {
	if done <= 0 || total <= 0 || done >= total {
		return 0
	}
	perBatch := elapsed.Milliseconds() / int64(done)
	return perBatch * int64(total-done)
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
