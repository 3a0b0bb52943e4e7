// Package errors defines the delivery pipeline's error taxonomy: a small
// fixed set of kinds that every other component classifies outcomes into,
// plus the retryability and circuit-weighting rules attached to each.
package errors

import (
	"errors"
	"fmt"
)

// Kind is the classification of an outcome, per the error handling design.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindNetwork
	KindTimeout
	KindServer
	KindRateLimited
	KindClient
	KindCircuitOpen
	KindCancelled
	KindStorage
	KindConfig
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindServer:
		return "server"
	case KindRateLimited:
		return "rate_limited"
	case KindClient:
		return "client"
	case KindCircuitOpen:
		return "circuit_open"
	case KindCancelled:
		return "cancelled"
	case KindStorage:
		return "storage"
	case KindConfig:
		return "config"
	default:
		return "unknown"
	}
}

// Retryable reports whether an attempt loop should retry an outcome of
// this kind.
func (k Kind) Retryable() bool {
	switch k {
	case KindNetwork, KindTimeout, KindServer, KindRateLimited:
		return true
	default:
		return false
	}
}

// FailureWeight is the weight an outcome of this kind contributes to a
// circuit breaker's rolling failure rate. RateLimited weighs 0, so rate
// limiting never opens a circuit, however long it lasts; Timeout counts at
// half weight; everything else that isn't a failure at all weighs zero.
func (k Kind) FailureWeight() float64 {
	switch k {
	case KindNetwork, KindServer:
		return 1
	case KindTimeout:
		return 0.5
	default:
		return 0
	}
}

// Error is the concrete error type carrying a Kind, an optional cause, and
// context fields useful for the debug log and diagnostic event stream.
type Error struct {
	Kind       Kind
	Op         string // component/operation that produced the error, e.g. "ingest.post"
	Msg        string
	Cause      error
	RetryAfter int64 // ms, set when Kind == KindRateLimited and a hint was present
}

func (e *Error) Error() string {
	if e.Msg == "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Cause)
		}
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches against another *Error by Kind, so callers can write
// errors.Is(err, errors.New(KindCircuitOpen, "", "")) style checks, or more
// idiomatically use Classify.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// New builds an Error for the given kind.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap builds an Error wrapping cause, classified under kind.
func Wrap(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Cause: cause}
}

// Classify extracts the Kind of err, defaulting to KindUnknown for errors
// not produced by this package.
func Classify(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// FromHTTPStatus classifies an HTTP response status per the retryable and
// terminal status sets: 408, 425, 429, 500, 502, 503, 504 retryable;
// 400, 401, 403, 404, 413, 422 terminal client errors; other 4xx/5xx fall
// back to generic server/client classification.
func FromHTTPStatus(status int) Kind {
	switch status {
	case 429:
		return KindRateLimited
	case 408, 425:
		return KindTimeout
	case 500, 502, 503, 504:
		return KindServer
	case 400, 401, 403, 404, 413, 422:
		return KindClient
	}
	switch {
	case status >= 500:
		return KindServer
	case status >= 400:
		return KindClient
	default:
		return KindUnknown
	}
}

// Cancelled is returned (wrapped) when an abort token fires mid-attempt.
var Cancelled = New(KindCancelled, "", "cancelled")
