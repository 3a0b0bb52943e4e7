package revi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/revi-labs/revi-sdk-go/internal/batch"
	"github.com/revi-labs/revi-sdk-go/internal/budget"
	"github.com/revi-labs/revi-sdk-go/internal/circuit"
	"github.com/revi-labs/revi-sdk-go/internal/clock"
	"github.com/revi-labs/revi-sdk-go/internal/config"
	"github.com/revi-labs/revi-sdk-go/internal/health"
	"github.com/revi-labs/revi-sdk-go/internal/ingest"
	"github.com/revi-labs/revi-sdk-go/internal/logging"
	"github.com/revi-labs/revi-sdk-go/internal/model"
	"github.com/revi-labs/revi-sdk-go/internal/pipeline"
	"github.com/revi-labs/revi-sdk-go/internal/retry"
	"github.com/revi-labs/revi-sdk-go/internal/sampling"
	"github.com/revi-labs/revi-sdk-go/internal/store"
	"github.com/revi-labs/revi-sdk-go/internal/syncup"
)

const maxBreadcrumbs = 50

// Breadcrumb is a small timestamped trail entry attached to the next
// captured error, for reconstructing the sequence of events leading up
// to it.
type Breadcrumb struct {
	Category    string            `json:"category"`
	Message     string            `json:"message"`
	TimestampMs int64             `json:"timestamp_ms"`
	Data        map[string]string `json:"data,omitempty"`
}

// Client is the SDK's public handle: one durable queue, one background
// delivery pipeline, and one on-demand sync coordinator, shared across
// every capture call made against it.
type Client struct {
	cfg       config.Config
	clock     clock.Clock
	logger    *logging.Logger
	sessionID string

	store    *store.Store
	sampler  *sampling.Controller
	circuits *circuit.Manager
	retries  *retry.Manager
	healthM  *health.Monitor
	clients  map[string]*ingest.Client
	pipeline *pipeline.Pipeline
	sync     *syncup.Coordinator

	mu          sync.Mutex
	user        map[string]string
	tags        map[string]string
	extra       map[string]any
	breadcrumbs []Breadcrumb

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	destroyed bool
}

// New resolves Config from opts and assembles a Client ready to Run.
func New(opts ...config.Option) (*Client, error) {
	cfg, err := config.New(opts...)
	if err != nil {
		return nil, err
	}

	clk := clock.New()
	logger := logging.New(logging.Options{Component: "revi"})

	storeCfg := store.DefaultConfig()
	if cfg.Storage.MaxItems > 0 {
		storeCfg.MaxItems = cfg.Storage.MaxItems
	}
	if cfg.Storage.MaxBytes > 0 {
		storeCfg.MaxBytes = cfg.Storage.MaxBytes
	}
	if cfg.Storage.MaxAgeMs > 0 {
		storeCfg.MaxAge = time.Duration(cfg.Storage.MaxAgeMs) * time.Millisecond
	}

	s, err := store.New(context.Background(), clk, storeCfg, nil)
	if err != nil {
		return nil, err
	}

	sampler := sampling.New(clk, sampling.Config{BaseRate: map[model.Kind]float64{
		model.KindError:   cfg.SampleRate,
		model.KindSession: cfg.SessionSampleRate,
		model.KindNetwork: cfg.SampleRate,
	}})

	circuitCfg := circuit.DefaultConfig()
	if cfg.Circuit.MaxFailureRate > 0 {
		circuitCfg.MaxFailureRate = cfg.Circuit.MaxFailureRate
	}
	if cfg.Circuit.RecoveryTimeMs > 0 {
		circuitCfg.RecoveryTime = time.Duration(cfg.Circuit.RecoveryTimeMs) * time.Millisecond
	}
	if cfg.Circuit.SuccessThreshold > 0 {
		circuitCfg.SuccessThreshold = cfg.Circuit.SuccessThreshold
	}
	if cfg.Circuit.MinRequests > 0 {
		circuitCfg.MinRequests = cfg.Circuit.MinRequests
	}
	if cfg.Circuit.WindowMs > 0 {
		circuitCfg.Window = time.Duration(cfg.Circuit.WindowMs) * time.Millisecond
	}
	circuits := circuit.NewManager(clk, circuitCfg)

	retryCfg := retry.DefaultConfig()
	if cfg.Retry.MaxAttempts > 0 {
		retryCfg.MaxAttempts = cfg.Retry.MaxAttempts
	}
	if cfg.Retry.BaseDelayMs > 0 {
		retryCfg.BaseDelayMs = cfg.Retry.BaseDelayMs
	}
	if cfg.Retry.MaxDelayMs > 0 {
		retryCfg.MaxDelayMs = cfg.Retry.MaxDelayMs
	}
	if cfg.Retry.TimeoutMultiplier > 0 {
		retryCfg.TimeoutMultiplier = cfg.Retry.TimeoutMultiplier
	}
	retryCfg.JitterRatio = cfg.Retry.JitterRatio

	budgetCfg := budget.DefaultConfig()
	if cfg.Retry.RetryBudget > 0 {
		budgetCfg.Tokens = cfg.Retry.RetryBudget
	}
	if cfg.Retry.BudgetWindowMs > 0 {
		budgetCfg.Window = time.Duration(cfg.Retry.BudgetWindowMs) * time.Millisecond
	}
	bud := budget.New(clk, budgetCfg)
	retries := retry.New(clk, retryCfg, bud)

	sessionID := newSessionID()

	clients := make(map[string]*ingest.Client, len(cfg.APIURLs))
	endpoints := make([]health.Endpoint, 0, len(cfg.APIURLs))
	for i, url := range cfg.APIURLs {
		clients[url] = ingest.NewClient(clk, ingest.Options{BaseURL: url, APIKey: cfg.APIKey, Logger: logger})
		endpoints = append(endpoints, health.Endpoint{Name: url, Priority: i})
	}

	healthCfg := health.DefaultConfig()
	if cfg.Health.IntervalMs > 0 {
		healthCfg.CheckInterval = time.Duration(cfg.Health.IntervalMs) * time.Millisecond
	}
	if cfg.Health.TimeoutMs > 0 {
		healthCfg.Timeout = time.Duration(cfg.Health.TimeoutMs) * time.Millisecond
	}
	healthM := health.NewMonitor(clk, healthCfg, proberFor(clients), endpoints)

	p := pipeline.New(clk, pipeline.DefaultConfig(), batch.DefaultConfig(), s, circuits, retries, healthM, clients, sessionID)

	syncCfg := syncup.DefaultConfig()
	syncCfg.ConflictPolicy = cfg.ConflictPolicy
	sc := syncup.New(clk, syncCfg, batch.DefaultConfig().MaxBytes, s, circuits, retries, healthM, clients, sessionID, nil, nil)

	return &Client{
		cfg:       cfg,
		clock:     clk,
		logger:    logger,
		sessionID: sessionID,
		store:     s,
		sampler:   sampler,
		circuits:  circuits,
		retries:   retries,
		healthM:   healthM,
		clients:   clients,
		pipeline:  p,
		sync:      sc,
	}, nil
}

func proberFor(clients map[string]*ingest.Client) health.Prober {
	return func(ctx context.Context, endpoint string) (time.Duration, error) {
		client, ok := clients[endpoint]
		if !ok {
			return 0, fmt.Errorf("revi: no ingest client for endpoint %q", endpoint)
		}
		start := time.Now()
		_, err := client.Probe(ctx)
		return time.Since(start), err
	}
}

func newSessionID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// Run starts the background delivery pipeline and health-check loop.
// Call once; it returns immediately, and the loops stop on Destroy.
func (c *Client) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.pipeline.Run(ctx)
	}()
	go c.runHealthLoop(ctx)
}

func (c *Client) runHealthLoop(ctx context.Context) {
	defer c.wg.Done()
	interval := c.healthCheckInterval()
	for {
		for url := range c.clients {
			c.healthM.Check(ctx, url)
		}
		if err := c.clock.Sleep(ctx, interval); err != nil {
			return
		}
	}
}

func (c *Client) healthCheckInterval() time.Duration {
	if c.cfg.Health.IntervalMs > 0 {
		return time.Duration(c.cfg.Health.IntervalMs) * time.Millisecond
	}
	return health.DefaultConfig().CheckInterval
}

// CaptureError records an exception, subject to sampling and the
// configured BeforeSend hook. Use CaptureErrorWithLevel to attach an
// explicit severity.
func (c *Client) CaptureError(errMessage, stack string) (uint64, error) {
	return c.CaptureErrorWithLevel(errMessage, stack, "")
}

// CaptureErrorWithLevel records an exception with an explicit severity
// level; "critical" or "fatal" upgrades the stored item's priority above
// the error-kind default of high, per the priority rules StoredItem
// documents.
func (c *Client) CaptureErrorWithLevel(errMessage, stack, level string) (uint64, error) {
	item := &model.ErrorItem{
		Message:     errMessage,
		Stack:       stack,
		SessionID:   c.sessionID,
		TimestampMs: c.clock.Now().UnixMilli(),
		Metadata:    c.snapshotMetadata(),
	}
	return c.captureError(item, level)
}

// CaptureMessage records a free-form message (no stack trace) through
// the same sampling, BeforeSend, and queue path as CaptureError. level
// follows the same severity-to-priority rule as CaptureErrorWithLevel.
func (c *Client) CaptureMessage(msg string, level string) (uint64, error) {
	item := &model.ErrorItem{
		Message:     msg,
		SessionID:   c.sessionID,
		TimestampMs: c.clock.Now().UnixMilli(),
		Metadata:    c.snapshotMetadata(),
	}
	return c.captureError(item, level)
}

func (c *Client) captureError(item *model.ErrorItem, level string) (uint64, error) {
	if !c.sampler.Decide(model.KindError) {
		return 0, nil
	}
	if hook := c.cfg.BeforeSend; hook != nil {
		payload := map[string]any{"message": item.Message, "stack": item.Stack, "level": level}
		out, keep := hook("error", payload)
		if !keep {
			return 0, nil
		}
		if v, ok := out["message"].(string); ok {
			item.Message = v
		}
	}

	payload, err := json.Marshal(item)
	if err != nil {
		return 0, err
	}

	id, err := c.store.Put(context.Background(), &model.StoredItem{
		Kind:         model.KindError,
		Priority:     errorPriority(level),
		PayloadBytes: len(payload),
		Error:        item,
	})
	if err != nil {
		return 0, err
	}
	c.wakeIfNeeded()
	return id, nil
}

// errorPriority resolves a captured error/message's queue priority: an
// explicit critical or fatal severity upgrades it above the error-kind
// default of high; any other (or empty) level keeps that default.
func errorPriority(level string) model.Priority {
	switch strings.ToLower(level) {
	case "critical", "fatal":
		return model.PriorityCritical
	default:
		return model.DefaultPriority(model.KindError)
	}
}

// CaptureSessionEvent records a user-interaction event, subject to the
// session sample rate.
func (c *Client) CaptureSessionEvent(eventType string, data []byte) (uint64, error) {
	if !c.sampler.Decide(model.KindSession) {
		return 0, nil
	}
	item := &model.SessionEventItem{
		SessionID:   c.sessionID,
		EventType:   eventType,
		Data:        data,
		TimestampMs: c.clock.Now().UnixMilli(),
	}
	payload, err := json.Marshal(item)
	if err != nil {
		return 0, err
	}
	id, err := c.store.Put(context.Background(), &model.StoredItem{
		Kind:         model.KindSession,
		Priority:     model.DefaultPriority(model.KindSession),
		PayloadBytes: len(payload),
		Session:      item,
	})
	if err != nil {
		return 0, err
	}
	c.wakeIfNeeded()
	return id, nil
}

// CaptureNetworkEvent records one outbound request made by the
// instrumented page.
func (c *Client) CaptureNetworkEvent(method, url string, statusCode int, responseTimeMs int64) (uint64, error) {
	if !c.sampler.Decide(model.KindNetwork) {
		return 0, nil
	}
	item := &model.NetworkEventItem{
		SessionID:      c.sessionID,
		Method:         method,
		URL:            url,
		StatusCode:     statusCode,
		ResponseTimeMs: responseTimeMs,
		TimestampMs:    c.clock.Now().UnixMilli(),
	}
	payload, err := json.Marshal(item)
	if err != nil {
		return 0, err
	}
	id, err := c.store.Put(context.Background(), &model.StoredItem{
		Kind:         model.KindNetwork,
		Priority:     model.DefaultPriority(model.KindNetwork),
		PayloadBytes: len(payload),
		Network:      item,
	})
	if err != nil {
		return 0, err
	}
	c.wakeIfNeeded()
	return id, nil
}

// SetUserContext replaces the user attributes attached to future error
// reports.
func (c *Client) SetUserContext(user map[string]string) {
	c.mu.Lock()
	c.user = cloneStringMap(user)
	c.mu.Unlock()
}

// SetTags replaces the tag set attached to future error reports.
func (c *Client) SetTags(tags map[string]string) {
	c.mu.Lock()
	c.tags = cloneStringMap(tags)
	c.mu.Unlock()
}

// SetExtra replaces the free-form extra context attached to future error
// reports.
func (c *Client) SetExtra(extra map[string]any) {
	c.mu.Lock()
	c.extra = make(map[string]any, len(extra))
	for k, v := range extra {
		c.extra[k] = v
	}
	c.mu.Unlock()
}

// AddBreadcrumb appends one breadcrumb to the bounded trail (oldest
// dropped past maxBreadcrumbs) attached to the next captured error.
func (c *Client) AddBreadcrumb(category, message string, data map[string]string) {
	b := Breadcrumb{Category: category, Message: message, TimestampMs: c.clock.Now().UnixMilli(), Data: data}
	c.mu.Lock()
	c.breadcrumbs = append(c.breadcrumbs, b)
	if len(c.breadcrumbs) > maxBreadcrumbs {
		c.breadcrumbs = c.breadcrumbs[len(c.breadcrumbs)-maxBreadcrumbs:]
	}
	c.mu.Unlock()
}

// snapshotMetadata flattens user/tags/extra/breadcrumbs into the string
// map ErrorItem carries over the wire.
func (c *Client) snapshotMetadata() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()

	meta := make(map[string]string, len(c.user)+len(c.tags)+2)
	for k, v := range c.user {
		meta["user."+k] = v
	}
	for k, v := range c.tags {
		meta["tag."+k] = v
	}
	if len(c.extra) > 0 {
		if b, err := json.Marshal(c.extra); err == nil {
			meta["extra"] = string(b)
		}
	}
	if len(c.breadcrumbs) > 0 {
		if b, err := json.Marshal(c.breadcrumbs); err == nil {
			meta["breadcrumbs"] = string(b)
		}
	}
	return meta
}

// wakeIfNeeded interrupts the pipeline's drain sleep when the queue has
// just crossed a wake threshold.
func (c *Client) wakeIfNeeded() {
	if c.pipeline.ShouldWake() {
		c.pipeline.Wake()
	}
	if c.sync.ShouldTrigger() && !c.sync.Running() {
		go func() { _ = c.sync.Run(context.Background(), syncup.TriggerWatermark) }()
	}
}

// Flush runs a single bounded full-drain sync pass and blocks until it
// finishes, fails, or ctx is done.
func (c *Client) Flush(ctx context.Context) error {
	return c.sync.Run(ctx, syncup.TriggerFlush)
}

// OnSyncProgress subscribes to SyncCoordinator progress reports.
func (c *Client) OnSyncProgress(fn func(syncup.Progress)) {
	c.sync.OnProgress(fn)
}

// OnDiagnostic subscribes to DeliveryPipeline dead-letter diagnostics.
func (c *Client) OnDiagnostic(fn func(pipeline.DiagnosticEvent)) {
	c.pipeline.OnDiagnostic(fn)
}

// Destroy stops the background loops and makes one best-effort,
// short-timeout attempt to flush whatever remains queued; intended for
// the page-unload path, where delivery is fire-and-forget.
func (c *Client) Destroy(ctx context.Context) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil
	}
	c.destroyed = true
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	flushCtx, flushCancel := context.WithTimeout(ctx, 2*time.Second)
	defer flushCancel()
	return c.Flush(flushCtx)
}

func cloneStringMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
