// Package batch turns a queue snapshot into upload-sized batches, and
// dispatches those batches with bounded concurrency.
package batch

import "github.com/revi-labs/revi-sdk-go/internal/model"

// Config bounds a single batch.
type Config struct {
	// MaxCount is the maximum number of items per batch (default 50).
	MaxCount int
	// MaxBytes is the maximum total payload bytes per batch (default
	// 512 KiB).
	MaxBytes int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{MaxCount: 50, MaxBytes: 512 * 1024}
}

// Batch is a group of items destined for one POST, stable under the input
// order of the snapshot it was built from.
type Batch struct {
	Items []*model.StoredItem
	Bytes int
	// Oversize is set when this batch holds exactly one item that alone
	// exceeds MaxBytes; such batches are marked for size-aware retry by
	// the caller (smaller timeout, reduced future batch size for the
	// stream).
	Oversize bool
}

// Assemble bins a peek() snapshot into batches bounded by count and bytes.
// Input order is preserved both across and within batches. An item whose
// PayloadBytes alone exceeds cfg.MaxBytes forms its own oversize batch
// rather than being dropped or split.
func Assemble(items []*model.StoredItem, cfg Config) []Batch {
	if cfg.MaxCount <= 0 {
		cfg.MaxCount = DefaultConfig().MaxCount
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultConfig().MaxBytes
	}

	var batches []Batch
	var cur Batch

	flush := func() {
		if len(cur.Items) > 0 {
			batches = append(batches, cur)
			cur = Batch{}
		}
	}

	for _, item := range items {
		if item.PayloadBytes > cfg.MaxBytes {
			flush()
			batches = append(batches, Batch{Items: []*model.StoredItem{item}, Bytes: item.PayloadBytes, Oversize: true})
			continue
		}

		if len(cur.Items) >= cfg.MaxCount || cur.Bytes+item.PayloadBytes > cfg.MaxBytes {
			flush()
		}

		cur.Items = append(cur.Items, item)
		cur.Bytes += item.PayloadBytes
	}
	flush()

	return batches
}
