package batch

import (
	"context"
	"sync"
)

// Dispatcher runs a fixed processor against a stream of batches with
// bounded concurrency, mirroring the concurrency cap microbatch.Batcher
// applies to its BatchProcessor, but over already-assembled batches rather
// than an accumulating job stream: this is what bounds in-flight requests
// per endpoint (default 6) and max_concurrent_batches during a sync run
// (default 3).
type Dispatcher[B any] struct {
	process func(ctx context.Context, b B) error
	sem     chan struct{}
}

// NewDispatcher builds a Dispatcher with the given concurrency cap. A cap
// of 0 or less means unbounded.
func NewDispatcher[B any](maxConcurrency int, process func(ctx context.Context, b B) error) *Dispatcher[B] {
	if process == nil {
		panic(`batch: nil process`)
	}
	d := &Dispatcher[B]{process: process}
	if maxConcurrency > 0 {
		d.sem = make(chan struct{}, maxConcurrency)
	}
	return d
}

// Result pairs a dispatched batch with its outcome.
type Result[B any] struct {
	Batch B
	Err   error
}

// Run dispatches every batch in batches, invoking process with up to the
// configured concurrency, and returns one Result per batch once all have
// completed. If ctx is cancelled, in-flight batches are given the chance
// to observe it via their own context but outstanding results are still
// collected (cancellation is cooperative, never corrupts accounting).
func (d *Dispatcher[B]) Run(ctx context.Context, batches []B) []Result[B] {
	results := make([]Result[B], len(batches))
	var wg sync.WaitGroup
	wg.Add(len(batches))

	for i, b := range batches {
		i, b := i, b
		if d.sem != nil {
			select {
			case d.sem <- struct{}{}:
			case <-ctx.Done():
				results[i] = Result[B]{Batch: b, Err: ctx.Err()}
				wg.Done()
				continue
			}
		}
		go func() {
			defer wg.Done()
			if d.sem != nil {
				defer func() { <-d.sem }()
			}
			results[i] = Result[B]{Batch: b, Err: d.process(ctx, b)}
		}()
	}

	wg.Wait()
	return results
}

// RunChan is Run's streaming counterpart: it dispatches every batch with
// the same concurrency cap but sends each Result on the returned channel as
// soon as its process call returns, instead of waiting for the whole set.
// The channel is closed once every batch has been processed, regardless of
// ctx cancellation, so a caller that keeps draining it (see internal/drain)
// never leaks the goroutines below.
func (d *Dispatcher[B]) RunChan(ctx context.Context, batches []B) <-chan Result[B] {
	out := make(chan Result[B])
	go func() {
		defer close(out)
		var wg sync.WaitGroup
		wg.Add(len(batches))

		for _, b := range batches {
			b := b
			if d.sem != nil {
				select {
				case d.sem <- struct{}{}:
				case <-ctx.Done():
					out <- Result[B]{Batch: b, Err: ctx.Err()}
					wg.Done()
					continue
				}
			}
			go func() {
				defer wg.Done()
				if d.sem != nil {
					defer func() { <-d.sem }()
				}
				out <- Result[B]{Batch: b, Err: d.process(ctx, b)}
			}()
		}

		wg.Wait()
	}()
	return out
}
