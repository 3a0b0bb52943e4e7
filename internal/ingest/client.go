// Package ingest is the HTTP client for the ingest service: one POST per
// batch, classified into the error taxonomy so RetryManager and
// CircuitBreaker can make their own retry/backoff decisions. It performs
// no retries itself.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/revi-labs/revi-sdk-go/internal/clock"
	cerrors "github.com/revi-labs/revi-sdk-go/internal/errors"
	"github.com/revi-labs/revi-sdk-go/internal/logging"
	"github.com/revi-labs/revi-sdk-go/internal/model"
)

// Options configures the Client.
type Options struct {
	BaseURL   string
	APIKey    string
	UserAgent string
	Timeout   time.Duration
	Logger    *logging.Logger
}

const defaultUserAgent = "revi-sdk-go"

// Client posts capture batches to one region's ingest endpoint.
type Client struct {
	http  *http.Client
	opts  Options
	clock clock.Clock
	log   *logging.Logger
}

// NewClient builds a Client for a single region's BaseURL.
func NewClient(c clock.Clock, o Options) *Client {
	if o.UserAgent == "" {
		o.UserAgent = defaultUserAgent
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	log := o.Logger
	if log == nil {
		log = logging.Nop()
	}
	return &Client{
		http:  &http.Client{Timeout: o.Timeout},
		opts:  o,
		clock: c,
		log:   log.Named("ingest"),
	}
}

// Response is the ingest service's generic capture acknowledgment.
type Response struct {
	Success bool     `json:"success"`
	ID      string   `json:"id,omitempty"`
	IDs     []string `json:"ids,omitempty"`
	Error   string   `json:"error,omitempty"`

	// Duplicate and VersionConflict surface SyncCoordinator-relevant
	// response codes; both are populated by decodeResponse from the raw
	// status/body, not from the wire JSON directly.
	Duplicate       bool
	VersionConflict bool
}

// PostErrors sends a batch of ErrorItems to POST /api/capture/error.
func (c *Client) PostErrors(ctx context.Context, items []*model.ErrorItem) (Response, error) {
	body := map[string]any{"errors": items}
	return c.post(ctx, "/api/capture/error", body)
}

// PostSessionEvents sends a batch of SessionEventItems.
func (c *Client) PostSessionEvents(ctx context.Context, sessionID string, items []*model.SessionEventItem) (Response, error) {
	body := map[string]any{"session_id": sessionID, "events": items}
	return c.post(ctx, "/api/capture/session-event", body)
}

// PostNetworkEvents sends a batch of NetworkEventItems.
func (c *Client) PostNetworkEvents(ctx context.Context, items []*model.NetworkEventItem) (Response, error) {
	body := map[string]any{"events": items}
	return c.post(ctx, "/api/capture/network-event", body)
}

// HealthCheckResult is the decoded body of GET /health.
type HealthCheckResult struct {
	Status    string         `json:"status"`
	Timestamp int64          `json:"timestamp"`
	Checks    map[string]any `json:"checks"`
}

// Probe performs the cheap active health-check GET used by HealthMonitor.
func (c *Client) Probe(ctx context.Context) (HealthCheckResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.BaseURL+"/health", nil)
	if err != nil {
		return HealthCheckResult{}, cerrors.Wrap(cerrors.KindClient, "ingest.probe", err)
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)

	start := c.clock.Now()
	resp, err := c.http.Do(req)
	latency := c.clock.Now().Sub(start)
	if err != nil {
		return HealthCheckResult{}, cerrors.Wrap(classifyTransportErr(err), "ingest.probe", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return HealthCheckResult{}, cerrors.New(cerrors.FromHTTPStatus(resp.StatusCode), "ingest.probe",
			fmt.Sprintf("probe returned status %d", resp.StatusCode))
	}

	var out HealthCheckResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return HealthCheckResult{}, cerrors.Wrap(cerrors.KindServer, "ingest.probe", err)
	}
	c.log.Z().Debug().Dur("latency", latency).Str("status", out.Status).Msg("health probe")
	return out, nil
}

// PollEvents calls the long-poll fallback endpoint.
func (c *Client) PollEvents(ctx context.Context, sessionID string, since uint64) ([]json.RawMessage, bool, error) {
	url := fmt.Sprintf("%s/api/session/%s/events/poll?apiKey=%s&since=%d", c.opts.BaseURL, sessionID, c.opts.APIKey, since)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, cerrors.Wrap(cerrors.KindClient, "ingest.poll", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, false, cerrors.Wrap(classifyTransportErr(err), "ingest.poll", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, false, cerrors.New(cerrors.FromHTTPStatus(resp.StatusCode), "ingest.poll",
			fmt.Sprintf("poll returned status %d", resp.StatusCode))
	}

	var out struct {
		Events  []json.RawMessage `json:"events"`
		HasMore bool              `json:"hasMore"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, false, cerrors.Wrap(cerrors.KindServer, "ingest.poll", err)
	}
	return out.Events, out.HasMore, nil
}

func (c *Client) post(ctx context.Context, path string, body any) (Response, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return Response{}, cerrors.Wrap(cerrors.KindClient, "ingest.post", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+path, bytes.NewReader(buf))
	if err != nil {
		return Response{}, cerrors.Wrap(cerrors.KindClient, "ingest.post", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.opts.APIKey)
	req.Header.Set("User-Agent", c.opts.UserAgent)

	start := c.clock.Now()
	resp, err := c.http.Do(req)
	latency := c.clock.Now().Sub(start)
	if err != nil {
		return Response{}, cerrors.Wrap(classifyTransportErr(err), "ingest.post", err)
	}
	defer resp.Body.Close()

	c.log.Z().Debug().Str("path", path).Int("status", resp.StatusCode).Dur("latency", latency).Msg("ingest post")

	return decodeResponse(resp)
}

func decodeResponse(resp *http.Response) (Response, error) {
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
		var out Response
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return Response{}, cerrors.Wrap(cerrors.KindServer, "ingest.decode", err)
		}
		if out.Error == "duplicate" {
			out.Duplicate = true
		}
		if out.Error == "version-conflict" {
			out.VersionConflict = true
		}
		return out, nil

	case http.StatusTooManyRequests:
		retryAfter := parseRetryAfterMs(resp.Header.Get("Retry-After"))
		e := cerrors.New(cerrors.KindRateLimited, "ingest.post", "rate limited")
		e.RetryAfter = retryAfter
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		_ = body
		return Response{}, e

	default:
		return Response{}, cerrors.New(cerrors.FromHTTPStatus(resp.StatusCode), "ingest.post",
			fmt.Sprintf("unexpected status %d", resp.StatusCode))
	}
}

// parseRetryAfterMs parses a Retry-After header (seconds, per RFC 7231;
// HTTP-date is not supported) into milliseconds, defaulting to 0.
func parseRetryAfterMs(v string) int64 {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return int64(secs) * 1000
}

// classifyTransportErr maps a transport-level error (DNS, connection
// refused, context deadline) to the network/timeout kinds per the
// retryable-statuses table.
func classifyTransportErr(err error) cerrors.Kind {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return cerrors.KindTimeout
	}
	if stderrors.Is(err, context.Canceled) {
		return cerrors.KindCancelled
	}
	return cerrors.KindNetwork
}
