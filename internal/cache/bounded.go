package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Bounded wraps a Namespace and keeps it at or below a maximum entry count.
//
// All reads, writes and evictions go through a single mutex, so a read racing an
// eviction observes either the whole entry or a miss. Pinned keys are never evicted.
type Bounded struct {
	mu sync.Mutex

	ns     Namespace
	limit  int
	order  Order
	pinned map[string]int
	now    func() time.Time
}

// NewBounded returns a Bounded store over ns holding at most limit entries.
func NewBounded(ns Namespace, limit int, order Order) (*Bounded, error) {
	if ns == nil {
		return nil, errors.New("cache: nil namespace")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("cache: limit must be positive, got %d", limit)
	}
	return &Bounded{
		ns:     ns,
		limit:  limit,
		order:  order,
		pinned: make(map[string]int),
		now:    time.Now,
	}, nil
}

// Name returns the underlying namespace name.
func (b *Bounded) Name() string { return b.ns.Name() }

// Limit returns the maximum entry count.
func (b *Bounded) Limit() int { return b.limit }

// Get returns the entry for key or ErrMiss. With Recency ordering a hit refreshes the entry.
func (b *Bounded) Get(ctx context.Context, key string) (*Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, err := b.ns.Match(ctx, key)
	if err != nil {
		return nil, err
	}
	if b.order == Recency {
		// a failed touch only costs eviction accuracy
		_ = b.ns.Touch(ctx, key, b.now())
	}
	return e, nil
}

// Has reports whether key is stored. It does not count as a use.
func (b *Bounded) Has(ctx context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, err := b.ns.Match(ctx, key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrMiss):
		return false, nil
	default:
		return false, err
	}
}

// Put writes e and then evicts until the store is back within its limit.
// It returns the evicted keys.
func (b *Bounded) Put(ctx context.Context, e *Entry) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e.LastUsed.IsZero() {
		e.LastUsed = b.now()
	}
	if err := b.ns.Put(ctx, e); err != nil {
		return nil, err
	}
	return b.evictLocked(ctx)
}

// Evict trims the store to its limit without writing anything.
func (b *Bounded) Evict(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.evictLocked(ctx)
}

func (b *Bounded) evictLocked(ctx context.Context) ([]string, error) {
	size, err := b.ns.Len(ctx)
	if err != nil {
		return nil, err
	}
	if size <= b.limit {
		return nil, nil
	}

	keys, err := b.ns.Keys(ctx, b.order)
	if err != nil {
		return nil, err
	}
	var evicted []string
	for _, k := range keys {
		if size <= b.limit {
			break
		}
		if b.pinned[k] > 0 {
			continue
		}
		if err := b.ns.Remove(ctx, k); err != nil {
			return evicted, err
		}
		evicted = append(evicted, k)
		size--
	}
	return evicted, nil
}

// Remove deletes key.
func (b *Bounded) Remove(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ns.Remove(ctx, key)
}

// Clear empties the store.
func (b *Bounded) Clear(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ns.Clear(ctx)
}

// Size returns the current entry count.
func (b *Bounded) Size(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ns.Len(ctx)
}

// Oldest returns the earliest fetch time of any stored entry.
func (b *Bounded) Oldest(ctx context.Context) (time.Time, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ns.Oldest(ctx)
}

// Pin protects key from eviction until a matching Unpin. Pins nest.
func (b *Bounded) Pin(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pinned[key]++
}

// Unpin releases one Pin of key.
func (b *Bounded) Unpin(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pinned[key] <= 1 {
		delete(b.pinned, key)
		return
	}
	b.pinned[key]--
}
