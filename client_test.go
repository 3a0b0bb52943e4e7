package revi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/revi-labs/revi-sdk-go/internal/config"
	"github.com/revi-labs/revi-sdk-go/internal/ingest"
	"github.com/revi-labs/revi-sdk-go/internal/model"
	"github.com/revi-labs/revi-sdk-go/internal/store"
)

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := New(config.WithAPIKey("test-key"), config.WithAPIURLs(srv.URL))
	require.NoError(t, err)
	return c
}

func TestNew_RequiresValidConfig(t *testing.T) {
	_, err := New()
	require.Error(t, err)
}

func TestCaptureError_QueuesAndWakesPipeline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ingest.Response{Success: true})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	c.SetUserContext(map[string]string{"id": "u1"})
	c.SetTags(map[string]string{"release": "1.2.3"})
	c.AddBreadcrumb("nav", "clicked checkout", nil)

	id, err := c.CaptureError("boom", "stack trace")
	require.NoError(t, err)
	require.NotZero(t, id)

	count, _ := c.store.Size()
	require.Equal(t, 1, count)
}

func TestCaptureMessage_QueuesAsErrorKindAtDefaultPriority(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ingest.Response{Success: true})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	id, err := c.CaptureMessage("something happened", "warning")
	require.NoError(t, err)
	require.NotZero(t, id)

	items := c.store.Peek(store.Filter{AnyKind: true, AnyPriority: true}, 10)
	require.Len(t, items, 1)
	require.Equal(t, model.KindError, items[0].Kind)
	require.Equal(t, model.PriorityHigh, items[0].Priority)
	require.Equal(t, "something happened", items[0].Error.Message)
}

func TestCaptureErrorWithLevel_CriticalUpgradesPriority(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ingest.Response{Success: true})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)

	_, err := c.CaptureErrorWithLevel("boom", "stack", "critical")
	require.NoError(t, err)

	items := c.store.Peek(store.Filter{AnyKind: true, AnyPriority: true}, 10)
	require.Len(t, items, 1)
	require.Equal(t, model.PriorityCritical, items[0].Priority)
}

func TestCaptureMessage_FatalLevelUpgradesPriority(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ingest.Response{Success: true})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)

	_, err := c.CaptureMessage("unrecoverable", "fatal")
	require.NoError(t, err)

	items := c.store.Peek(store.Filter{AnyKind: true, AnyPriority: true}, 10)
	require.Len(t, items, 1)
	require.Equal(t, model.PriorityCritical, items[0].Priority)
}

func TestCaptureError_DroppedWhenSampleRateZero(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("expected no HTTP call")
	}))
	defer srv.Close()

	c, err := New(config.WithAPIKey("k"), config.WithAPIURLs(srv.URL), config.WithSampleRate(0))
	require.NoError(t, err)

	id, err := c.CaptureError("boom", "")
	require.NoError(t, err)
	require.Zero(t, id)
}

func TestFlush_DrainsQueueSynchronously(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ingest.Response{Success: true})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.CaptureError("boom", "")
	require.NoError(t, err)

	require.NoError(t, c.Flush(context.Background()))

	count, _ := c.store.Size()
	require.Zero(t, count)
}

func TestDestroy_StopsLoopsAndBestEffortFlushes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ingest.Response{Success: true})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	c.Run(context.Background())
	_, err := c.CaptureError("boom", "")
	require.NoError(t, err)

	require.NoError(t, c.Destroy(context.Background()))

	// a second Destroy must be a harmless no-op
	require.NoError(t, c.Destroy(context.Background()))
}

func TestBeforeSend_CanDropOrRewrite(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		_ = json.NewEncoder(w).Encode(ingest.Response{Success: true})
	}))
	defer srv.Close()

	c, err := New(config.WithAPIKey("k"), config.WithAPIURLs(srv.URL), config.WithBeforeSend(
		func(kind string, payload map[string]any) (map[string]any, bool) { return payload, false },
	))
	require.NoError(t, err)

	id, err := c.CaptureError("boom", "")
	require.NoError(t, err)
	require.Zero(t, id)
	require.False(t, called)
}
