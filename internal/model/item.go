// Package model defines the wire-and-storage shapes that flow through the
// delivery pipeline: the three event payload variants, the durable queue
// envelope that wraps them, and the per-key/per-feature statistics types
// that other packages accumulate.
package model

// Kind identifies which of the three event streams an item belongs to.
type Kind string

const (
	KindError   Kind = "error"
	KindSession Kind = "session"
	KindNetwork Kind = "network"
)

// Priority controls queue ordering and eviction. Higher values are kept
// longer and drained first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// String renders the priority for logging.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// DefaultPriority returns the default priority for a freshly captured item
// of the given kind, per the producer defaults (errors=high, session=medium,
// network=low).
func DefaultPriority(kind Kind) Priority {
	switch kind {
	case KindError:
		return PriorityHigh
	case KindSession:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// ErrorItem is a captured exception or message.
type ErrorItem struct {
	Message     string            `json:"message"`
	Stack       string            `json:"stack,omitempty"`
	URL         string            `json:"url,omitempty"`
	UserAgent   string            `json:"user_agent,omitempty"`
	SessionID   string            `json:"session_id"`
	TimestampMs int64             `json:"timestamp_ms"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// SessionEventItem is a captured user-session event (click, navigation,
// input, etc). Data is an opaque, already-serialized JSON blob.
type SessionEventItem struct {
	SessionID   string `json:"session_id"`
	EventType   string `json:"event_type"`
	Data        []byte `json:"data,omitempty"`
	TimestampMs int64  `json:"timestamp_ms"`
}

// NetworkEventItem is a captured outbound request made by the instrumented
// page.
type NetworkEventItem struct {
	SessionID      string `json:"session_id"`
	Method         string `json:"method"`
	URL            string `json:"url"`
	StatusCode     int    `json:"status_code,omitempty"`
	ResponseTimeMs int64  `json:"response_time_ms,omitempty"`
	TimestampMs    int64  `json:"timestamp_ms"`
	RequestData    []byte `json:"request_data,omitempty"`
	ResponseData   []byte `json:"response_data,omitempty"`
}

// StoredItem is the durable queue envelope wrapping exactly one payload
// variant. Id is monotonic per device; equal ids imply equal payloads.
type StoredItem struct {
	ID            uint64
	Kind          Kind
	Priority      Priority
	CreatedMs     int64
	AttemptCount  int
	LastAttemptMs int64 // 0 means never attempted

	// PayloadBytes is the cached serialized size, used for batch
	// accounting; it must equal len of the serialized payload.
	PayloadBytes int

	Error   *ErrorItem
	Session *SessionEventItem
	Network *NetworkEventItem
}

// Oversized reports whether an item must form its own single-item batch,
// per the BatchAssembler's size-aware retry policy.
func (s *StoredItem) Oversized(maxBytes int) bool {
	return s.PayloadBytes > maxBytes
}

// RetryStats accumulates RetryManager outcomes for one logical key
// (typically endpoint+kind).
type RetryStats struct {
	TotalAttempts     int64
	SuccessfulRetries int64
	FailedRetries     int64
	AvgDelayMs        float64
	BudgetUsed        int64
	LastSuccessMs     int64
	LastFailureMs     int64
}

// RecordDelay folds a new observed delay into the running average.
func (s *RetryStats) RecordDelay(delayMs float64) {
	if s.TotalAttempts <= 1 {
		s.AvgDelayMs = delayMs
		return
	}
	n := float64(s.TotalAttempts)
	s.AvgDelayMs += (delayMs - s.AvgDelayMs) / n
}
