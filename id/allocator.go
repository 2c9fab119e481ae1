// Package id allocates durable, never reused identifiers from the metadata store.
package id

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/maxpert/flowmeta/metastore"
)

// Well-known allocator names
const (
	Node       = "node"
	Catalog    = "catalog"
	Fragment   = "fragment"
	Actor      = "actor"
	Job        = "job"
	Sstable    = "sstable"
	Version    = "hummock_version"
	Compaction = "compaction_task"
	User       = "user"
)

// Generator hands out unique ids for one name
type Generator interface {
	Next(ctx context.Context, name string) (uint64, error)
	NextN(ctx context.Context, name string, n uint64) (uint64, error)
}

const maxReserveAttempts = 64

// Range is a block of ids [Start, End)
type Range struct {
	Start uint64
	End   uint64
}

// Allocator reserves id blocks with a CAS on /meta/id/{name}. Blocks are
// cached locally, so a crash leaves holes but never reuses an id.
type Allocator struct {
	store metastore.Store
	step  uint64

	mu     sync.Mutex
	ranges map[string]*Range
}

// NewAllocator creates an allocator that reserves step ids per store write.
func NewAllocator(store metastore.Store, step uint64) *Allocator {
	if step == 0 {
		step = 1
	}
	return &Allocator{store: store, step: step, ranges: make(map[string]*Range)}
}

// Next returns one id for name
func (a *Allocator) Next(ctx context.Context, name string) (uint64, error) {
	return a.NextN(ctx, name, 1)
}

// NextN returns the first of n consecutive ids for name
func (a *Allocator) NextN(ctx context.Context, name string, n uint64) (uint64, error) {
	if n == 0 {
		return 0, fmt.Errorf("id: cannot allocate zero ids")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if r := a.ranges[name]; r != nil && r.End-r.Start >= n {
		start := r.Start
		r.Start += n
		return start, nil
	}

	reserve := a.step
	if n > reserve {
		reserve = n
	}

	r, err := a.reserve(ctx, name, reserve)
	if err != nil {
		return 0, err
	}
	start := r.Start
	r.Start += n
	a.ranges[name] = r
	return start, nil
}

// Reset drops cached blocks. Called when leadership changes hands since
// another leader may have advanced the counters.
func (a *Allocator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ranges = make(map[string]*Range)
}

func (a *Allocator) reserve(ctx context.Context, name string, n uint64) (*Range, error) {
	var out *Range
	err := metastore.RetryOnConflict(ctx, maxReserveAttempts, func(ctx context.Context) error {
		key := metastore.IDKey(name)
		next := uint64(1)
		expected := metastore.NotExists

		kv, err := a.store.Get(ctx, key)
		switch {
		case err == nil:
			if next, err = metastore.DecodeUint64(kv.Value); err != nil {
				return err
			}
			expected = kv.Version
		case errors.Is(err, metastore.ErrNotFound):
		default:
			return err
		}

		if _, err := a.store.Put(ctx, key, metastore.EncodeUint64(next+n), expected); err != nil {
			return err
		}
		out = &Range{Start: next, End: next + n}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("id: reserve %s: %w", name, err)
	}
	return out, nil
}
