// Package store implements the DurableStore (C2): an append-only queue of
// typed items, indexed in memory and write-through persisted to a
// pluggable Backend, with age/size eviction and priority-aware overflow.
package store

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/revi-labs/revi-sdk-go/internal/clock"
	cerrors "github.com/revi-labs/revi-sdk-go/internal/errors"
	"github.com/revi-labs/revi-sdk-go/internal/model"
)

// Backend is the persistent write-through side of the store: a
// best-effort key-value area (browser persistence or equivalent). A store
// constructed with a nil Backend runs in-memory only.
type Backend interface {
	Put(ctx context.Context, item *model.StoredItem) error
	Delete(ctx context.Context, ids []uint64) error
	// LoadAll is called once at startup to rebuild the in-memory index
	// from the persisted source of truth.
	LoadAll(ctx context.Context) ([]*model.StoredItem, error)
}

// Config tunes eviction policy.
type Config struct {
	MaxItems    int           // default 10_000
	MaxBytes    int           // default 8 MiB
	MaxAge      time.Duration // default 24h
	MaxItemSize int           // oversized rejection threshold, default 64 KiB
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxItems:    10_000,
		MaxBytes:    8 * 1024 * 1024,
		MaxAge:      24 * time.Hour,
		MaxItemSize: 64 * 1024,
	}
}

// Filter selects a subset of items during peek.
type Filter struct {
	Kind        model.Kind // matched exactly unless AnyKind is set
	AnyKind     bool
	Priority    model.Priority
	AnyPriority bool
}

// Store is the durable queue. All methods are safe for concurrent use,
// but callers should treat it as the pipeline's single shared mutable
// surface: only DeliveryPipeline and SyncCoordinator should Ack/evict;
// producers should only Put.
type Store struct {
	clock   clock.Clock
	cfg     Config
	backend Backend

	mu      sync.RWMutex
	items   map[uint64]*model.StoredItem
	nextID  atomic.Uint64
	durable atomic.Bool
}

// New constructs a Store, rebuilding its in-memory index from backend (if
// non-nil) synchronously.
func New(ctx context.Context, c clock.Clock, cfg Config, backend Backend) (*Store, error) {
	if cfg.MaxItems <= 0 {
		cfg = DefaultConfig()
	}
	s := &Store{clock: c, cfg: cfg, backend: backend, items: make(map[uint64]*model.StoredItem)}

	if backend != nil {
		loaded, err := backend.LoadAll(ctx)
		if err != nil {
			s.durable.Store(false)
		} else {
			s.durable.Store(true)
			var maxID uint64
			for _, it := range loaded {
				s.items[it.ID] = it
				if it.ID > maxID {
					maxID = it.ID
				}
			}
			s.nextID.Store(maxID)
		}
	}

	return s, nil
}

// Durable reports whether the persistent backend is currently available;
// it is false for a store built with a nil Backend. The Store itself keeps
// its configured caps either way, and client.go does not lower them when
// Durable is false.
func (s *Store) Durable() bool { return s.durable.Load() }

// Put persists item, assigning it a monotonic id, and returns that id. It
// is always safe to call from any producer goroutine.
func (s *Store) Put(ctx context.Context, item *model.StoredItem) (uint64, error) {
	if item.PayloadBytes > s.cfg.MaxItemSize {
		return 0, cerrors.New(cerrors.KindClient, "store.put", "item exceeds max item size")
	}

	id := s.nextID.Add(1)
	item.ID = id
	if item.CreatedMs == 0 {
		item.CreatedMs = s.clock.Now().UnixMilli()
	}

	s.mu.Lock()
	s.items[id] = item
	s.mu.Unlock()

	if s.backend != nil {
		if err := s.backend.Put(ctx, item); err != nil {
			s.durable.Store(false)
		} else {
			s.durable.Store(true)
		}
	}

	return id, nil
}

// Peek reads up to limit items matching filter without consuming them,
// ordered by (priority desc, id asc). limit <= 0 means unbounded.
func (s *Store) Peek(filter Filter, limit int) []*model.StoredItem {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.StoredItem
	for _, it := range s.items {
		if !filter.AnyKind && it.Kind != filter.Kind {
			continue
		}
		if !filter.AnyPriority && it.Priority != filter.Priority {
			continue
		}
		out = append(out, it)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Ack permanently removes ids from the store. Only DeliveryPipeline and
// SyncCoordinator should call this.
func (s *Store) Ack(ctx context.Context, ids []uint64) error {
	s.mu.Lock()
	for _, id := range ids {
		delete(s.items, id)
	}
	s.mu.Unlock()

	if s.backend != nil {
		if err := s.backend.Delete(ctx, ids); err != nil {
			return cerrors.Wrap(cerrors.KindStorage, "store.ack", err)
		}
	}
	return nil
}

// IncrementAttempt bumps an item's attempt count and last-attempt
// timestamp in place, returning the new count. ok is false if the item
// has since been acked or evicted.
func (s *Store) IncrementAttempt(id uint64) (count int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, found := s.items[id]
	if !found {
		return 0, false
	}
	it.AttemptCount++
	it.LastAttemptMs = s.clock.Now().UnixMilli()
	return it.AttemptCount, true
}

// Size returns the current item count and total payload bytes.
func (s *Store) Size() (count, bytes int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, it := range s.items {
		count++
		bytes += it.PayloadBytes
	}
	return
}

// OldestMs returns the created_ms of the oldest item, or 0 if empty.
func (s *Store) OldestMs() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var oldest int64
	var have bool
	for _, it := range s.items {
		if !have || it.CreatedMs < oldest {
			oldest = it.CreatedMs
			have = true
		}
	}
	return oldest
}

// Sweep evicts items older than cfg.MaxAge, then while over cfg.MaxItems
// or cfg.MaxBytes, drops the oldest lowest-priority items first. Returns
// the ids evicted, for dead-letter bookkeeping and diagnostics.
func (s *Store) Sweep(ctx context.Context) ([]uint64, error) {
	now := s.clock.Now().UnixMilli()
	ageBoundary := now - s.cfg.MaxAge.Milliseconds()

	s.mu.Lock()
	var evicted []uint64
	for id, it := range s.items {
		if it.CreatedMs < ageBoundary {
			evicted = append(evicted, id)
			delete(s.items, id)
		}
	}

	for {
		count, bytes := len(s.items), 0
		for _, it := range s.items {
			bytes += it.PayloadBytes
		}
		if count <= s.cfg.MaxItems && bytes <= s.cfg.MaxBytes {
			break
		}

		// find the lowest-priority, oldest remaining item
		var victim *model.StoredItem
		for _, it := range s.items {
			if victim == nil || it.Priority < victim.Priority ||
				(it.Priority == victim.Priority && it.ID < victim.ID) {
				victim = it
			}
		}
		if victim == nil {
			break
		}
		evicted = append(evicted, victim.ID)
		delete(s.items, victim.ID)
	}
	s.mu.Unlock()

	if len(evicted) > 0 && s.backend != nil {
		_ = s.backend.Delete(ctx, evicted)
	}

	return evicted, nil
}
