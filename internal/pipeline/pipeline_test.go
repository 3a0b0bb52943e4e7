package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/revi-labs/revi-sdk-go/internal/batch"
	"github.com/revi-labs/revi-sdk-go/internal/budget"
	"github.com/revi-labs/revi-sdk-go/internal/circuit"
	"github.com/revi-labs/revi-sdk-go/internal/clock"
	"github.com/revi-labs/revi-sdk-go/internal/health"
	"github.com/revi-labs/revi-sdk-go/internal/ingest"
	"github.com/revi-labs/revi-sdk-go/internal/model"
	"github.com/revi-labs/revi-sdk-go/internal/retry"
	"github.com/revi-labs/revi-sdk-go/internal/store"
)

// newTestPipeline uses the real clock rather than a Fake: these tests
// drive real httptest servers, and a handful of retry attempts in the
// failure-path tests complete quickly enough at real wall-clock speed
// without needing a goroutine to manually advance a fake one.
func newTestPipeline(t *testing.T, srv *httptest.Server) (*Pipeline, *store.Store, clock.Clock) {
	t.Helper()
	c := clock.New()

	s, err := store.New(context.Background(), c, store.DefaultConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}

	h := health.NewMonitor(c, health.DefaultConfig(), func(ctx context.Context, endpoint string) (time.Duration, error) {
		return time.Millisecond, nil
	}, []health.Endpoint{{Name: srv.URL, Priority: 0}})

	circuits := circuit.NewManager(c, circuit.DefaultConfig())
	b := budget.New(c, budget.DefaultConfig())
	retries := retry.New(c, retry.DefaultConfig(), b)

	client := ingest.NewClient(c, ingest.Options{BaseURL: srv.URL, APIKey: "k", Timeout: 2 * time.Second})
	clients := map[string]*ingest.Client{srv.URL: client}

	cfg := DefaultConfig()
	p := New(c, cfg, batch.DefaultConfig(), s, circuits, retries, h, clients, "sess-1")
	return p, s, c
}

func putError(t *testing.T, s *store.Store, msg string) uint64 {
	t.Helper()
	id, err := s.Put(context.Background(), &model.StoredItem{
		Kind:         model.KindError,
		Priority:     model.PriorityHigh,
		PayloadBytes: 10,
		Error:        &model.ErrorItem{Message: msg},
	})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestPipeline_TickAcksOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ingest.Response{Success: true, ID: "1"})
	}))
	defer srv.Close()

	p, s, _ := newTestPipeline(t, srv)
	putError(t, s, "boom")

	didWork := p.Tick(context.Background())
	if !didWork {
		t.Fatal("expected Tick to report work done")
	}

	count, _ := s.Size()
	if count != 0 {
		t.Fatalf("expected item acked after success, remaining=%d", count)
	}
}

func TestPipeline_TickLeavesItemsQueuedOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, s, _ := newTestPipeline(t, srv)
	id := putError(t, s, "boom")

	p.Tick(context.Background())

	count, _ := s.Size()
	if count != 1 {
		t.Fatalf("expected item still queued after failure, count=%d", count)
	}
	items := s.Peek(store.Filter{Kind: model.KindError, AnyPriority: true}, 0)
	if len(items) != 1 || items[0].ID != id || items[0].AttemptCount == 0 {
		t.Fatalf("expected attempt count bumped, items=%+v", items)
	}
}

func TestPipeline_DeadLettersAfterMaxAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized) // terminal, 1 attempt per tick
	}))
	defer srv.Close()

	p, s, _ := newTestPipeline(t, srv)
	putError(t, s, "boom")

	var diagnostics []DiagnosticEvent
	p.OnDiagnostic(func(e DiagnosticEvent) { diagnostics = append(diagnostics, e) })

	for i := 0; i < p.cfg.MaxItemAttempts+1; i++ {
		p.Tick(context.Background())
	}

	count, _ := s.Size()
	if count != 0 {
		t.Fatalf("expected item evicted to dead-letter, remaining=%d", count)
	}
	if len(p.DeadLetter()) != 1 {
		t.Fatalf("expected 1 dead-letter entry, got %d", len(p.DeadLetter()))
	}
	if len(diagnostics) != 1 {
		t.Fatalf("expected 1 diagnostic event, got %d", len(diagnostics))
	}
}

func TestPipeline_ShouldWakeOnHighWatermark(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ingest.Response{Success: true})
	}))
	defer srv.Close()

	p, s, _ := newTestPipeline(t, srv)
	if p.ShouldWake() {
		t.Fatal("expected no wake trigger on an empty queue")
	}
	for i := 0; i < p.cfg.HighWatermark; i++ {
		putError(t, s, "boom")
	}
	if !p.ShouldWake() {
		t.Fatal("expected wake trigger once high_watermark is reached")
	}
}

func TestPipeline_TickNoopsWhenQueueEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("expected no HTTP call for an empty queue")
	}))
	defer srv.Close()

	p, _, _ := newTestPipeline(t, srv)
	if p.Tick(context.Background()) {
		t.Fatal("expected Tick to report no work for an empty queue")
	}
}
