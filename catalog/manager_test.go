package catalog

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/maxpert/flowmeta/id"
	"github.com/maxpert/flowmeta/metastore"
	"github.com/maxpert/flowmeta/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestCatalog(t *testing.T) (*Manager, *metastore.MemoryStore, *notify.Hub) {
	t.Helper()
	store := metastore.NewMemoryStore()
	hub := notify.NewHub(64, 64)
	t.Cleanup(hub.Close)
	m := NewManager(store, id.NewAllocator(store, 8), hub)
	require.NoError(t, m.Load(context.Background()))
	return m, store, hub
}

// createSchema returns a database and a schema inside it
func createSchema(t *testing.T, m *Manager) (Object, Object) {
	t.Helper()
	ctx := context.Background()
	db, err := m.Create(ctx, Object{Name: "dev", Kind: KindDatabase})
	require.NoError(t, err)
	schema, err := m.Create(ctx, Object{Name: "public", Kind: KindSchema, ParentID: db.ID})
	require.NoError(t, err)
	return db, schema
}

func TestCreate_VersionIncreases(t *testing.T) {
	m, store, _ := createTestCatalog(t)
	ctx := context.Background()

	db, schema := createSchema(t, m)
	assert.Equal(t, uint64(1), db.Version)
	assert.Equal(t, uint64(2), schema.Version)
	assert.Equal(t, uint64(2), m.Version())

	kv, err := store.Get(ctx, metastore.CatalogVersionKey)
	require.NoError(t, err)
	v, err := metastore.DecodeUint64(kv.Value)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)

	tbl, err := m.Create(ctx, Object{Name: "orders", Kind: KindTable, ParentID: schema.ID})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), tbl.Version)

	require.NoError(t, m.Drop(ctx, tbl.ID))
	assert.Equal(t, uint64(4), m.Version())
}

func TestCreate_Errors(t *testing.T) {
	m, _, _ := createTestCatalog(t)
	ctx := context.Background()
	db, schema := createSchema(t, m)

	tests := []struct {
		name string
		obj  Object
		want error
	}{
		{"missing parent", Object{Name: "t", Kind: KindTable, ParentID: 999}, ErrParentNotFound},
		{"wrong parent kind", Object{Name: "t", Kind: KindTable, ParentID: db.ID}, ErrInvalidObject},
		{"database with parent", Object{Name: "x", Kind: KindDatabase, ParentID: db.ID}, ErrInvalidObject},
		{"empty name", Object{Kind: KindTable, ParentID: schema.ID}, ErrInvalidObject},
		{"unknown kind", Object{Name: "t", Kind: "index", ParentID: schema.ID}, ErrInvalidObject},
		{"materialized table", Object{Name: "t", Kind: KindTable, ParentID: schema.ID, Materialized: true}, ErrInvalidObject},
		{"name clash", Object{Name: "PUBLIC", Kind: KindSchema, ParentID: db.ID}, ErrNameConflict},
		{"missing dependency", Object{Name: "v", Kind: KindView, ParentID: schema.ID, DependsOn: []uint64{999}}, ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Create(ctx, tt.obj)
			require.ErrorIs(t, err, tt.want)
		})
	}

	// Names clash across kinds within a parent
	_, err := m.Create(ctx, Object{Name: "events", Kind: KindSource, ParentID: schema.ID})
	require.NoError(t, err)
	_, err = m.Create(ctx, Object{Name: "events", Kind: KindTable, ParentID: schema.ID})
	var nce *NameConflictError
	require.ErrorAs(t, err, &nce)
	assert.Equal(t, "events", nce.Name)
}

func TestDrop_Dependents(t *testing.T) {
	m, _, _ := createTestCatalog(t)
	ctx := context.Background()
	db, schema := createSchema(t, m)

	orders, err := m.Create(ctx, Object{Name: "orders", Kind: KindTable, ParentID: schema.ID})
	require.NoError(t, err)
	view, err := m.Create(ctx, Object{
		Name:       "big_orders",
		Kind:       KindView,
		ParentID:   schema.ID,
		Definition: "SELECT id FROM orders WHERE amount > 100",
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{orders.ID}, view.DependsOn)

	err = m.Drop(ctx, orders.ID)
	var de *DependentsError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, []uint64{view.ID}, de.Dependents)
	require.ErrorIs(t, err, ErrHasDependents)

	require.ErrorIs(t, m.Drop(ctx, db.ID), ErrHasDependents)
	require.ErrorIs(t, m.Drop(ctx, 12345), ErrNotFound)

	require.NoError(t, m.Drop(ctx, view.ID))
	require.NoError(t, m.Drop(ctx, orders.ID))
	require.NoError(t, m.Drop(ctx, schema.ID))
	require.NoError(t, m.Drop(ctx, db.ID))
	assert.Empty(t, m.Snapshot().Objects)
}

func TestPrepare_InvisibleUntilCommit(t *testing.T) {
	m, store, hub := createTestCatalog(t)
	ctx := context.Background()
	_, schema := createSchema(t, m)

	sub, err := hub.Subscribe(notify.SubscribeOptions{Topics: []notify.Topic{notify.TopicCatalog}})
	require.NoError(t, err)
	defer sub.Close()

	p, err := m.PrepareCreate(ctx, Object{Name: "mv1", Kind: KindView, Materialized: true, ParentID: schema.ID})
	require.NoError(t, err)
	assert.True(t, p.Object().Materialized)

	_, err = m.GetByName(schema.ID, "mv1")
	require.ErrorIs(t, err, ErrNotFound)

	// The name is reserved meanwhile
	_, err = m.PrepareCreate(ctx, Object{Name: "mv1", Kind: KindTable, ParentID: schema.ID})
	require.ErrorIs(t, err, ErrNameConflict)
	// And the schema cannot be dropped out from under it
	_, err = m.PrepareDrop(schema.ID)
	require.ErrorIs(t, err, ErrHasDependents)

	staged, err := m.StageCommit(p)
	require.NoError(t, err)
	_, err = metastore.Commit(ctx, store, staged)
	require.NoError(t, err)

	mv, err := m.GetByName(schema.ID, "MV1")
	require.NoError(t, err)
	assert.Equal(t, p.Object().ID, mv.ID)
	assert.Equal(t, m.Version(), mv.Version)

	ev := <-sub.C()
	assert.Equal(t, notify.OpAdd, ev.Op)
	var got Object
	require.NoError(t, ev.Decode(&got))
	assert.Equal(t, "mv1", got.Name)
}

func TestPrepare_AbortReleasesReservation(t *testing.T) {
	m, store, _ := createTestCatalog(t)
	ctx := context.Background()
	_, schema := createSchema(t, m)
	before := m.Version()

	p, err := m.PrepareCreate(ctx, Object{Name: "t", Kind: KindTable, ParentID: schema.ID})
	require.NoError(t, err)

	// A failed store commit applies nothing
	store.SetUnavailable(true)
	staged, err := m.StageCommit(p)
	require.NoError(t, err)
	_, err = metastore.Commit(ctx, store, staged)
	require.ErrorIs(t, err, metastore.ErrUnavailable)
	store.SetUnavailable(false)

	_, err = m.GetByName(schema.ID, "t")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, before, m.Version())
	assert.Equal(t, 1, m.PendingCount())

	m.Abort(p)
	m.Abort(p)
	assert.Equal(t, 0, m.PendingCount())

	_, err = m.Create(ctx, Object{Name: "t", Kind: KindTable, ParentID: schema.ID})
	require.NoError(t, err)
}

func TestPrepareDrop_InFlight(t *testing.T) {
	m, _, _ := createTestCatalog(t)
	ctx := context.Background()
	_, schema := createSchema(t, m)

	tbl, err := m.Create(ctx, Object{Name: "t", Kind: KindTable, ParentID: schema.ID})
	require.NoError(t, err)

	p, err := m.PrepareDrop(tbl.ID)
	require.NoError(t, err)
	assert.True(t, p.IsDrop())

	_, err = m.PrepareDrop(tbl.ID)
	require.ErrorIs(t, err, ErrDropInProgress)

	// Nothing may start depending on an object being dropped
	_, err = m.Create(ctx, Object{Name: "v", Kind: KindView, ParentID: schema.ID, DependsOn: []uint64{tbl.ID}})
	require.ErrorIs(t, err, ErrNotFound)

	m.Abort(p)
	_, err = m.Create(ctx, Object{Name: "v", Kind: KindView, ParentID: schema.ID, DependsOn: []uint64{tbl.ID}})
	require.NoError(t, err)
}

func TestConcurrentCreateDropSameName(t *testing.T) {
	m, _, _ := createTestCatalog(t)
	ctx := context.Background()
	_, schema := createSchema(t, m)

	var wg sync.WaitGroup
	var created, conflicts int
	var mu sync.Mutex
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Create(ctx, Object{Name: "a", Kind: KindTable, ParentID: schema.ID})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, ErrNameConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, 7, conflicts)
	assert.Len(t, m.List(schema.ID), 1)
}

func TestLoad_RoundTrip(t *testing.T) {
	m, store, _ := createTestCatalog(t)
	ctx := context.Background()
	_, schema := createSchema(t, m)
	_, err := m.Create(ctx, Object{Name: "orders", Kind: KindTable, ParentID: schema.ID, Owner: 1})
	require.NoError(t, err)

	reloaded := NewManager(store, id.NewAllocator(store, 8), nil)
	require.NoError(t, reloaded.Load(ctx))
	assert.Equal(t, m.Snapshot(), reloaded.Snapshot())

	// The reloaded manager keeps bumping the same version
	_, err = reloaded.Create(ctx, Object{Name: "items", Kind: KindTable, ParentID: schema.ID})
	require.NoError(t, err)
	assert.Equal(t, m.Version()+1, reloaded.Version())
}

func TestDependenciesOf(t *testing.T) {
	tests := []struct {
		sql  string
		want []string
	}{
		{"SELECT * FROM orders", []string{"orders"}},
		{"SELECT o.id FROM Orders o JOIN customers c ON o.cid = c.id", []string{"customers", "orders"}},
		{"WITH recent AS (SELECT * FROM orders) SELECT * FROM recent", []string{"orders"}},
		{"SELECT 1", []string{}},
		{"WITH a AS (SELECT * FROM orders), b AS (SELECT * FROM a JOIN items i ON i.oid = a.id) SELECT * FROM b", []string{"items", "orders"}},
		{"SELECT * FROM (SELECT id FROM payments p) AS sub", []string{"payments"}},
	}
	for _, tt := range tests {
		t.Run(tt.sql, func(t *testing.T) {
			got, err := DependenciesOf(tt.sql)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := DependenciesOf("SELEC nonsense")
	require.ErrorIs(t, err, ErrInvalidObject)
}
