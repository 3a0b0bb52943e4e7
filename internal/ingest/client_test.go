package ingest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/revi-labs/revi-sdk-go/internal/clock"
	cerrors "github.com/revi-labs/revi-sdk-go/internal/errors"
	"github.com/revi-labs/revi-sdk-go/internal/model"
)

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	return NewClient(clock.New(), Options{BaseURL: srv.URL, APIKey: "k", Timeout: 2 * time.Second})
}

func TestClient_PostErrorsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "k" {
			t.Error("expected X-API-Key header")
		}
		if r.URL.Path != "/api/capture/error" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Response{Success: true, ID: "abc"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	resp, err := c.PostErrors(t.Context(), []*model.ErrorItem{{Message: "boom"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Success || resp.ID != "abc" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestClient_PostClassifiesRateLimitWithRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.PostErrors(t.Context(), []*model.ErrorItem{{Message: "boom"}})
	if err == nil {
		t.Fatal("expected an error")
	}
	var e *cerrors.Error
	if !asError(err, &e) {
		t.Fatalf("expected *cerrors.Error, got %T", err)
	}
	if e.Kind != cerrors.KindRateLimited {
		t.Fatalf("expected KindRateLimited, got %v", e.Kind)
	}
	if e.RetryAfter != 7000 {
		t.Fatalf("expected RetryAfter=7000ms, got %d", e.RetryAfter)
	}
}

func TestClient_PostClassifiesTerminalClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.PostErrors(t.Context(), []*model.ErrorItem{{Message: "boom"}})
	var e *cerrors.Error
	if !asError(err, &e) {
		t.Fatalf("expected *cerrors.Error, got %T", err)
	}
	if e.Kind != cerrors.KindClient {
		t.Fatalf("expected KindClient, got %v", e.Kind)
	}
	if e.Kind.Retryable() {
		t.Fatal("expected terminal status to be non-retryable")
	}
}

func TestClient_PostClassifiesTransientServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.PostErrors(t.Context(), []*model.ErrorItem{{Message: "boom"}})
	var e *cerrors.Error
	if !asError(err, &e) {
		t.Fatalf("expected *cerrors.Error, got %T", err)
	}
	if e.Kind != cerrors.KindServer || !e.Kind.Retryable() {
		t.Fatalf("expected retryable KindServer, got %v", e.Kind)
	}
}

func TestClient_PostDecodesDuplicateAsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Response{Success: false, Error: "duplicate"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	resp, err := c.PostErrors(t.Context(), []*model.ErrorItem{{Message: "boom"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Duplicate {
		t.Fatal("expected Duplicate=true for a duplicate response")
	}
}

func TestClient_Probe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(HealthCheckResult{Status: "healthy", Timestamp: 123})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	result, err := c.Probe(t.Context())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != "healthy" {
		t.Fatalf("unexpected status: %s", result.Status)
	}
}

func asError(err error, target **cerrors.Error) bool {
	e, ok := err.(*cerrors.Error)
	if !ok {
		return false
	}
	*target = e
	return true
}
