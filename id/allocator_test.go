package id

import (
	"context"
	"sync"
	"testing"

	"github.com/maxpert/flowmeta/metastore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocator_Uniqueness(t *testing.T) {
	alloc := NewAllocator(metastore.NewMemoryStore(), 16)
	ctx := context.Background()

	seen := make(map[uint64]bool)
	for i := 0; i < 1000; i++ {
		id, err := alloc.Next(ctx, Node)
		require.NoError(t, err)
		if seen[id] {
			t.Fatalf("duplicate id %d at iteration %d", id, i)
		}
		seen[id] = true
	}
}

func TestAllocator_StartsAtOne(t *testing.T) {
	alloc := NewAllocator(metastore.NewMemoryStore(), 1)
	id, err := alloc.Next(context.Background(), Catalog)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)
}

func TestAllocator_NextN(t *testing.T) {
	alloc := NewAllocator(metastore.NewMemoryStore(), 4)
	ctx := context.Background()

	first, err := alloc.NextN(ctx, Sstable, 10)
	require.NoError(t, err)
	second, err := alloc.Next(ctx, Sstable)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, second, first+10)

	_, err = alloc.NextN(ctx, Sstable, 0)
	require.Error(t, err)
}

func TestAllocator_NeverReusedAcrossInstances(t *testing.T) {
	store := metastore.NewMemoryStore()
	ctx := context.Background()

	// Two leaders in sequence, the first with an unused cached block
	a := NewAllocator(store, 100)
	idA, err := a.Next(ctx, Node)
	require.NoError(t, err)

	b := NewAllocator(store, 100)
	idB, err := b.Next(ctx, Node)
	require.NoError(t, err)
	assert.Greater(t, idB, idA+99)
}

func TestAllocator_ConcurrentAllocators(t *testing.T) {
	store := metastore.NewMemoryStore()
	ctx := context.Background()

	var mu sync.Mutex
	seen := make(map[uint64]bool)
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			alloc := NewAllocator(store, 3)
			for i := 0; i < 50; i++ {
				id, err := alloc.Next(ctx, Actor)
				assert.NoError(t, err)
				mu.Lock()
				assert.False(t, seen[id], "duplicate id %d", id)
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 200)
}

func TestAllocator_Reset(t *testing.T) {
	store := metastore.NewMemoryStore()
	alloc := NewAllocator(store, 10)
	ctx := context.Background()

	first, err := alloc.Next(ctx, Job)
	require.NoError(t, err)
	alloc.Reset()
	next, err := alloc.Next(ctx, Job)
	require.NoError(t, err)
	assert.Equal(t, first+10, next)
}
