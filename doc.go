// Package revi is the client SDK's public surface: a single Client that
// owns the durable queue, the steady-state delivery pipeline, and the
// on-demand sync coordinator, and exposes the capture/context/flush API
// consumed by instrumented applications.
//
// Internally, Client is a thin composition root over the internal/
// packages: internal/store for durable queuing, internal/sampling for
// accept/drop decisions, internal/pipeline for the adaptive background
// drain, internal/syncup for bounded full-drain passes, and
// internal/circuit, internal/retry, internal/health for the resilience
// layer in between.
package revi
