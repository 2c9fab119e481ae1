package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/maxpert/flowmeta/encoding"
	"github.com/maxpert/flowmeta/id"
	"github.com/maxpert/flowmeta/metastore"
	"github.com/maxpert/flowmeta/notify"
	"github.com/maxpert/flowmeta/telemetry"
	"github.com/rs/zerolog/log"
)

type nameKey struct {
	parent uint64
	name   string
}

type entry struct {
	obj Object
	rev int64
}

type pendingOp uint8

const (
	opCreate pendingOp = iota
	opDrop
)

// Pending is a validated catalog change that is not visible yet. It holds
// its name reservation, or its in-flight drop mark, until committed or
// aborted.
type Pending struct {
	op     pendingOp
	obj    Object
	rev    int64
	closed bool
}

// Object returns the object being created or dropped
func (p *Pending) Object() Object { return p.obj }

// IsDrop reports whether p drops an object
func (p *Pending) IsDrop() bool { return p.op == opDrop }

// Manager owns the catalog. Every mutation bumps the catalog version with a
// compare-and-swap, so mutations are serialized through the store as well as
// through commitMu.
type Manager struct {
	store  metastore.Store
	ids    id.Generator
	events notify.Publisher

	// commitMu is held from StageCommit until the staged bundle commits or
	// aborts; version and versionRev only change under it.
	commitMu sync.Mutex

	mu         sync.RWMutex
	objects    map[uint64]*entry
	names      map[nameKey]uint64
	reserved   map[nameKey]*Pending
	dropping   map[uint64]*Pending
	version    uint64
	versionRev int64
}

// NewManager creates an empty catalog manager. Call Load before use.
func NewManager(store metastore.Store, ids id.Generator, events notify.Publisher) *Manager {
	return &Manager{
		store:    store,
		ids:      ids,
		events:   events,
		objects:  make(map[uint64]*entry),
		names:    make(map[nameKey]uint64),
		reserved: make(map[nameKey]*Pending),
		dropping: make(map[uint64]*Pending),
	}
}

// Load reads the catalog from the store, dropping pending reservations
func (m *Manager) Load(ctx context.Context) error {
	kvs, err := m.store.List(ctx, metastore.CatalogPrefix)
	if err != nil {
		return fmt.Errorf("catalog: load: %w", err)
	}

	objects := make(map[uint64]*entry, len(kvs))
	names := make(map[nameKey]uint64, len(kvs))
	for _, kv := range kvs {
		var obj Object
		if err := encoding.Unmarshal(kv.Value, &obj); err != nil {
			return fmt.Errorf("catalog: decode %s: %w", kv.Key, err)
		}
		objects[obj.ID] = &entry{obj: obj, rev: kv.Version}
		names[nameKey{obj.ParentID, strings.ToLower(obj.Name)}] = obj.ID
	}

	var version uint64
	var versionRev int64
	kv, err := m.store.Get(ctx, metastore.CatalogVersionKey)
	switch {
	case errors.Is(err, metastore.ErrNotFound):
	case err != nil:
		return fmt.Errorf("catalog: load version: %w", err)
	default:
		if version, err = metastore.DecodeUint64(kv.Value); err != nil {
			return err
		}
		versionRev = kv.Version
	}

	m.mu.Lock()
	m.objects = objects
	m.names = names
	m.reserved = make(map[nameKey]*Pending)
	m.dropping = make(map[uint64]*Pending)
	m.version = version
	m.versionRev = versionRev
	m.mu.Unlock()

	m.updateMetrics()
	log.Info().Int("objects", len(objects)).Uint64("version", version).Msg("Loaded catalog")
	return nil
}

// Version returns the current catalog version
func (m *Manager) Version() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// Get returns a committed object
func (m *Manager) Get(objID uint64) (Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.objects[objID]
	if !ok {
		return Object{}, ErrNotFound
	}
	return e.obj, nil
}

// GetByName looks an object up within its parent. Names are case insensitive.
func (m *Manager) GetByName(parentID uint64, name string) (Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	objID, ok := m.names[nameKey{parentID, strings.ToLower(name)}]
	if !ok {
		return Object{}, ErrNotFound
	}
	return m.objects[objID].obj, nil
}

// List returns the children of parentID ordered by id
func (m *Manager) List(parentID uint64) []Object {
	m.mu.RLock()
	out := make([]Object, 0)
	for _, e := range m.objects {
		if e.obj.ParentID == parentID {
			out = append(out, e.obj)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Snapshot returns every committed object with the catalog version
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	snap := Snapshot{Version: m.version, Objects: make([]Object, 0, len(m.objects))}
	for _, e := range m.objects {
		snap.Objects = append(snap.Objects, e.obj)
	}
	m.mu.RUnlock()
	sort.Slice(snap.Objects, func(i, j int) bool { return snap.Objects[i].ID < snap.Objects[j].ID })
	return snap
}

// NotifySnapshot adapts Snapshot to the notification hub
func (m *Manager) NotifySnapshot() (interface{}, error) {
	return m.Snapshot(), nil
}

// Create validates and commits obj directly. Streaming objects normally go
// through PrepareCreate so they become visible with their actors.
func (m *Manager) Create(ctx context.Context, obj Object) (Object, error) {
	p, err := m.PrepareCreate(ctx, obj)
	if err != nil {
		return Object{}, err
	}
	if err := m.commitDirect(ctx, p); err != nil {
		return Object{}, err
	}
	return m.Get(p.obj.ID)
}

// Drop validates and removes an object directly
func (m *Manager) Drop(ctx context.Context, objID uint64) error {
	p, err := m.PrepareDrop(objID)
	if err != nil {
		return err
	}
	return m.commitDirect(ctx, p)
}

func (m *Manager) commitDirect(ctx context.Context, p *Pending) error {
	defer m.Abort(p)
	staged, err := m.StageCommit(p)
	if err != nil {
		return err
	}
	_, err = metastore.Commit(ctx, m.store, staged)
	return err
}

// PrepareCreate checks obj against the catalog, allocates its id and
// reserves its name. Nothing is visible until the staged commit succeeds.
func (m *Manager) PrepareCreate(ctx context.Context, obj Object) (*Pending, error) {
	obj.Name = strings.TrimSpace(obj.Name)
	if obj.Name == "" || !obj.Kind.Valid() {
		return nil, fmt.Errorf("%w: name %q kind %q", ErrInvalidObject, obj.Name, obj.Kind)
	}
	if obj.Kind != KindView && obj.Materialized {
		return nil, fmt.Errorf("%w: only views can be materialized", ErrInvalidObject)
	}

	if obj.Kind == KindView && len(obj.DependsOn) == 0 && obj.Definition != "" {
		deps, err := m.ResolveDependencies(obj.ParentID, obj.Definition)
		if err != nil {
			return nil, err
		}
		obj.DependsOn = deps
	}

	if err := m.validateCreate(&obj); err != nil {
		return nil, err
	}

	objID, err := m.ids.Next(ctx, id.Catalog)
	if err != nil {
		return nil, err
	}
	obj.ID = objID

	m.mu.Lock()
	defer m.mu.Unlock()

	// State may have moved while the id was allocated
	if err := m.validateCreateLocked(&obj); err != nil {
		return nil, err
	}
	p := &Pending{op: opCreate, obj: obj}
	m.reserved[nameKey{obj.ParentID, strings.ToLower(obj.Name)}] = p
	return p, nil
}

func (m *Manager) validateCreate(obj *Object) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.validateCreateLocked(obj)
}

func (m *Manager) validateCreateLocked(obj *Object) error {
	if want, ok := obj.Kind.parentKind(); ok {
		parent, found := m.objects[obj.ParentID]
		if !found || m.dropping[obj.ParentID] != nil {
			return fmt.Errorf("%w: %d", ErrParentNotFound, obj.ParentID)
		}
		if parent.obj.Kind != want {
			return fmt.Errorf("%w: %s %q needs a %s parent, got %s", ErrInvalidObject, obj.Kind, obj.Name, want, parent.obj.Kind)
		}
	} else if obj.ParentID != 0 {
		return fmt.Errorf("%w: databases have no parent", ErrInvalidObject)
	}

	key := nameKey{obj.ParentID, strings.ToLower(obj.Name)}
	if existing, ok := m.names[key]; ok {
		return &NameConflictError{ParentID: obj.ParentID, Name: obj.Name, Existing: existing}
	}
	if _, ok := m.reserved[key]; ok {
		return &NameConflictError{ParentID: obj.ParentID, Name: obj.Name}
	}

	for _, dep := range obj.DependsOn {
		if _, ok := m.objects[dep]; !ok || m.dropping[dep] != nil {
			return fmt.Errorf("%w: dependency %d", ErrNotFound, dep)
		}
	}
	return nil
}

// ResolveDependencies maps the relations read by a view definition to
// objects in the same schema
func (m *Manager) ResolveDependencies(schemaID uint64, definition string) ([]uint64, error) {
	names, err := DependenciesOf(definition)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]uint64, 0, len(names))
	for _, name := range names {
		objID, ok := m.names[nameKey{schemaID, name}]
		if !ok {
			return nil, fmt.Errorf("%w: relation %q", ErrNotFound, name)
		}
		out = append(out, objID)
	}
	return out, nil
}

// PrepareDrop checks that objID exists and nothing depends on it, then
// marks the drop in flight so no new dependents can appear.
func (m *Manager) PrepareDrop(objID uint64) (*Pending, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.objects[objID]
	if !ok {
		return nil, ErrNotFound
	}
	if m.dropping[objID] != nil {
		return nil, ErrDropInProgress
	}
	if deps := m.dependentsLocked(objID); len(deps) > 0 {
		return nil, &DependentsError{ID: objID, Dependents: deps}
	}

	p := &Pending{op: opDrop, obj: e.obj, rev: e.rev}
	m.dropping[objID] = p
	return p, nil
}

func (m *Manager) dependentsLocked(objID uint64) []uint64 {
	var out []uint64
	for _, e := range m.objects {
		if e.obj.ParentID == objID || e.obj.dependsOn(objID) {
			out = append(out, e.obj.ID)
		}
	}
	for _, p := range m.reserved {
		if p.obj.ParentID == objID || p.obj.dependsOn(objID) {
			out = append(out, p.obj.ID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Dependents returns the ids of committed and pending objects that depend on objID
func (m *Manager) Dependents(objID uint64) []uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dependentsLocked(objID)
}

// StageCommit returns the store ops that make p visible. The catalog is
// locked for writes until the bundle commits or aborts, so exactly one of
// metastore.Commit or metastore.Abort must run it.
func (m *Manager) StageCommit(p *Pending) (*metastore.Staged, error) {
	m.commitMu.Lock()

	m.mu.RLock()
	next := m.version + 1
	versionRev := m.versionRev
	m.mu.RUnlock()

	versionExpected := versionRev
	if versionRev == 0 {
		versionExpected = metastore.NotExists
	}

	obj := p.obj
	ops := []metastore.Op{metastore.Put(metastore.CatalogVersionKey, metastore.EncodeUint64(next), versionExpected)}
	switch p.op {
	case opCreate:
		obj.Version = next
		data, err := encoding.Marshal(&obj)
		if err != nil {
			m.commitMu.Unlock()
			return nil, fmt.Errorf("catalog: encode object %d: %w", obj.ID, err)
		}
		ops = append(ops, metastore.Put(metastore.CatalogKey(string(obj.Kind), obj.ID), data, metastore.NotExists))
	case opDrop:
		ops = append(ops, metastore.Delete(metastore.CatalogKey(string(obj.Kind), obj.ID), p.rev))
	}

	return &metastore.Staged{
		Ops: ops,
		OnCommit: func(rev int64) {
			defer m.commitMu.Unlock()
			m.apply(p, obj, next, rev)
		},
		OnAbort: func() {
			m.commitMu.Unlock()
		},
	}, nil
}

func (m *Manager) apply(p *Pending, obj Object, version uint64, rev int64) {
	key := nameKey{obj.ParentID, strings.ToLower(obj.Name)}

	m.mu.Lock()
	m.version = version
	m.versionRev = rev
	switch p.op {
	case opCreate:
		m.objects[obj.ID] = &entry{obj: obj, rev: rev}
		m.names[key] = obj.ID
		delete(m.reserved, key)
	case opDrop:
		delete(m.objects, obj.ID)
		delete(m.names, key)
		delete(m.dropping, obj.ID)
	}
	p.closed = true
	m.mu.Unlock()

	op := notify.OpAdd
	if p.op == opDrop {
		op = notify.OpDelete
	}
	log.Info().
		Str("op", string(op)).
		Str("kind", string(obj.Kind)).
		Str("name", obj.Name).
		Uint64("id", obj.ID).
		Uint64("version", version).
		Msg("Catalog mutation committed")

	if m.events != nil {
		if _, err := m.events.Publish(notify.TopicCatalog, op, string(obj.Kind), strconv.FormatUint(obj.ID, 10), obj); err != nil {
			log.Warn().Err(err).Uint64("id", obj.ID).Msg("Failed to publish catalog event")
		}
	}
	m.updateMetrics()
}

// Abort releases p's reservation. It is a no-op once p committed.
func (m *Manager) Abort(p *Pending) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	switch p.op {
	case opCreate:
		key := nameKey{p.obj.ParentID, strings.ToLower(p.obj.Name)}
		if m.reserved[key] == p {
			delete(m.reserved, key)
		}
	case opDrop:
		if m.dropping[p.obj.ID] == p {
			delete(m.dropping, p.obj.ID)
		}
	}
}

// PendingCount returns the number of creates and drops in flight
func (m *Manager) PendingCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.reserved) + len(m.dropping)
}

func (m *Manager) updateMetrics() {
	counts := make(map[Kind]int)
	m.mu.RLock()
	for _, e := range m.objects {
		counts[e.obj.Kind]++
	}
	version := m.version
	m.mu.RUnlock()

	for _, k := range Kinds {
		telemetry.CatalogObjects.With(string(k)).Set(float64(counts[k]))
	}
	telemetry.CatalogVersion.Set(float64(version))
}
