package batch

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestDispatcher_RespectsConcurrencyCap(t *testing.T) {
	var inFlight, maxInFlight int32

	d := NewDispatcher(2, func(ctx context.Context, b int) error {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			cur := atomic.LoadInt32(&maxInFlight)
			if n <= cur || atomic.CompareAndSwapInt32(&maxInFlight, cur, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return nil
	})

	batches := []int{1, 2, 3, 4, 5, 6}
	results := d.Run(context.Background(), batches)

	if len(results) != len(batches) {
		t.Fatalf("expected %d results, got %d", len(batches), len(results))
	}
	if got := atomic.LoadInt32(&maxInFlight); got > 2 {
		t.Fatalf("expected max concurrency 2, observed %d", got)
	}
}

func TestDispatcher_RunChanStreamsAllResultsAndCloses(t *testing.T) {
	d := NewDispatcher(2, func(ctx context.Context, b int) error {
		if b == 3 {
			return context.Canceled
		}
		return nil
	})

	ch := d.RunChan(context.Background(), []int{1, 2, 3, 4, 5})

	seen := make(map[int]error)
	for r := range ch {
		seen[r.Batch] = r.Err
	}

	if len(seen) != 5 {
		t.Fatalf("expected 5 results, got %d", len(seen))
	}
	if seen[3] != context.Canceled {
		t.Fatalf("expected batch 3 to carry context.Canceled, got %v", seen[3])
	}
	for _, b := range []int{1, 2, 4, 5} {
		if seen[b] != nil {
			t.Fatalf("expected batch %d to succeed, got %v", b, seen[b])
		}
	}
}

func TestDispatcher_PropagatesErrors(t *testing.T) {
	boom := context.Canceled
	d := NewDispatcher(1, func(ctx context.Context, b int) error {
		if b == 2 {
			return boom
		}
		return nil
	})

	results := d.Run(context.Background(), []int{1, 2, 3})
	for _, r := range results {
		if r.Batch == 2 && r.Err != boom {
			t.Fatalf("expected batch 2 to fail with %v, got %v", boom, r.Err)
		}
		if r.Batch != 2 && r.Err != nil {
			t.Fatalf("expected batch %d to succeed, got %v", r.Batch, r.Err)
		}
	}
}
