package hummock

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	cuckoo "github.com/linvon/cuckoo-filter"
	"github.com/maxpert/flowmeta/encoding"
	"github.com/maxpert/flowmeta/id"
	"github.com/maxpert/flowmeta/metastore"
	"github.com/maxpert/flowmeta/notify"
	"github.com/maxpert/flowmeta/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	filterBucketSize      = 4
	filterFingerprintBits = 32
)

// Config controls version layout and compaction
type Config struct {
	MaxLevels           int
	L0CompactionTrigger int
	BaseLevelBytes      uint64
	LevelMultiplier     float64
	MaxTasksPerWorker   int
	MaxTaskAttempts     int
	TaskTimeout         time.Duration
	MaxFilesPerTask     int
	// ProtectedFilterSlots sizes the pinned-file filter
	ProtectedFilterSlots uint
}

// DefaultConfig returns the settings used when none are given
func DefaultConfig() Config {
	return Config{
		MaxLevels:            7,
		L0CompactionTrigger:  4,
		BaseLevelBytes:       256 << 20,
		LevelMultiplier:      10,
		MaxTasksPerWorker:    2,
		MaxTaskAttempts:      3,
		TaskTimeout:          10 * time.Minute,
		MaxFilesPerTask:      32,
		ProtectedFilterSlots: 1 << 16,
	}
}

// Pin keeps a version readable for one reader
type Pin struct {
	Token     string    `msgpack:"token" json:"token"`
	NodeID    uint64    `msgpack:"node_id" json:"node_id"`
	VersionID uint64    `msgpack:"version_id" json:"version_id"`
	Epoch     uint64    `msgpack:"epoch" json:"epoch"`
	CreatedAt time.Time `msgpack:"created_at" json:"created_at"`
}

type versionEntry struct {
	v   *Version
	rev int64
}

type pinEntry struct {
	pin Pin
	rev int64
}

// Manager owns storage versions, pins and compaction tasks
type Manager struct {
	store  metastore.Store
	ids    id.Generator
	events notify.Publisher
	config Config
	now    func() time.Time

	// commitMu is held from staging a version until it commits or aborts,
	// so versions are produced one at a time
	commitMu sync.Mutex
	// pinMu orders pins against GC
	pinMu sync.Mutex

	mu         sync.RWMutex
	current    *Version
	currentRev int64
	indexes    []*levelIndex
	versions   map[uint64]*versionEntry
	pins       map[string]*pinEntry

	// protected holds every file of a pinned version. Files the filter had
	// no room for go to unfiltered instead.
	protected  *cuckoo.Filter
	unfiltered map[uint64]bool
	pinRefs    map[uint64]int
	fileRefs   map[uint64]int

	tasks      map[uint64]*CompactionTask
	busy       map[uint64]uint64
	quarantine map[uint64][]uint64
}

// NewManager creates a manager with an empty version. Call Load before use.
func NewManager(store metastore.Store, ids id.Generator, events notify.Publisher, config Config) *Manager {
	if config.MaxLevels < 2 {
		config.MaxLevels = 2
	}
	if config.ProtectedFilterSlots == 0 {
		config.ProtectedFilterSlots = DefaultConfig().ProtectedFilterSlots
	}
	m := &Manager{
		store:  store,
		ids:    ids,
		events: events,
		config: config,
		now:    time.Now,
	}
	m.reset(newVersion(config.MaxLevels), 0, map[uint64]*versionEntry{}, map[string]*pinEntry{})
	return m
}

func (m *Manager) reset(current *Version, rev int64, versions map[uint64]*versionEntry, pins map[string]*pinEntry) {
	m.mu.Lock()
	m.current = current
	m.currentRev = rev
	m.indexes = buildIndexes(current)
	m.versions = versions
	m.pins = pins
	m.tasks = make(map[uint64]*CompactionTask)
	m.busy = make(map[uint64]uint64)
	m.quarantine = make(map[uint64][]uint64)
	m.protected = cuckoo.NewFilter(filterBucketSize, filterFingerprintBits,
		m.config.ProtectedFilterSlots, cuckoo.TableTypePacked)
	m.unfiltered = make(map[uint64]bool)
	m.pinRefs = make(map[uint64]int)
	m.fileRefs = make(map[uint64]int)
	for _, e := range pins {
		m.protectVersionLocked(e.pin.VersionID, 1)
	}
	m.mu.Unlock()
}

// Load reads versions and pins from the store. Compaction tasks are not
// persisted; anything in flight on the previous leader is forgotten.
func (m *Manager) Load(ctx context.Context) error {
	kvs, err := m.store.List(ctx, metastore.HummockVersionPrefix)
	if err != nil {
		return fmt.Errorf("hummock: load versions: %w", err)
	}
	versions := make(map[uint64]*versionEntry, len(kvs))
	for _, kv := range kvs {
		v := &Version{}
		if err := encoding.UnmarshalCompressed(kv.Value, v); err != nil {
			return fmt.Errorf("hummock: decode %s: %w", kv.Key, err)
		}
		versions[v.ID] = &versionEntry{v: v, rev: kv.Version}
	}

	current := newVersion(m.config.MaxLevels)
	var currentRev int64
	kv, err := m.store.Get(ctx, metastore.HummockCurrentKey)
	switch {
	case errors.Is(err, metastore.ErrNotFound):
	case err != nil:
		return fmt.Errorf("hummock: load current version: %w", err)
	default:
		currentID, err := metastore.DecodeUint64(kv.Value)
		if err != nil {
			return err
		}
		e, ok := versions[currentID]
		if !ok {
			return fmt.Errorf("%w: current version %d is missing", ErrVersionNotFound, currentID)
		}
		current = e.v
		currentRev = kv.Version
	}

	pinKVs, err := m.store.List(ctx, metastore.HummockPinnedPrefix)
	if err != nil {
		return fmt.Errorf("hummock: load pins: %w", err)
	}
	pins := make(map[string]*pinEntry, len(pinKVs))
	for _, kv := range pinKVs {
		var p Pin
		if err := encoding.Unmarshal(kv.Value, &p); err != nil {
			return fmt.Errorf("hummock: decode %s: %w", kv.Key, err)
		}
		pins[p.Token] = &pinEntry{pin: p, rev: kv.Version}
	}

	m.reset(current, currentRev, versions, pins)
	m.updateMetrics()
	log.Info().
		Uint64("version", current.ID).
		Uint64("max_committed_epoch", current.MaxCommittedEpoch).
		Int("retained_versions", len(versions)).
		Int("pins", len(pins)).
		Msg("Loaded hummock versions")
	return nil
}

// CurrentVersion returns the latest committed version
func (m *Manager) CurrentVersion() *Version {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.Clone()
}

// GetVersion returns a retained version by id
func (m *Manager) GetVersion(versionID uint64) (*Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if versionID == m.current.ID {
		return m.current.Clone(), nil
	}
	e, ok := m.versions[versionID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrVersionNotFound, versionID)
	}
	return e.v.Clone(), nil
}

// NotifySnapshot is the snapshot provider of the hummock topic
func (m *Manager) NotifySnapshot() (interface{}, error) {
	return m.CurrentVersion(), nil
}

// CommitEpoch adds the files flushed for epoch as a new version and commits
// it on its own
func (m *Manager) CommitEpoch(ctx context.Context, epoch uint64, ssts []SstableInfo) (uint64, error) {
	staged, next, err := m.stageCommitEpoch(epoch, ssts)
	if err != nil {
		return 0, err
	}
	if _, err := metastore.Commit(ctx, m.store, staged); err != nil {
		return 0, fmt.Errorf("hummock: commit epoch %d: %w", epoch, err)
	}
	return next.ID, nil
}

// StageCommitEpoch returns the ops that install the version for epoch. No
// other version can be produced until the bundle commits or aborts.
func (m *Manager) StageCommitEpoch(epoch uint64, ssts []SstableInfo) (*metastore.Staged, error) {
	staged, _, err := m.stageCommitEpoch(epoch, ssts)
	return staged, err
}

func (m *Manager) stageCommitEpoch(epoch uint64, ssts []SstableInfo) (*metastore.Staged, *Version, error) {
	m.commitMu.Lock()

	m.mu.RLock()
	current := m.current
	m.mu.RUnlock()

	if epoch <= current.MaxCommittedEpoch {
		m.commitMu.Unlock()
		return nil, nil, fmt.Errorf("%w: %d <= %d", ErrStaleEpoch, epoch, current.MaxCommittedEpoch)
	}
	existing := current.FileIDs()
	for _, s := range ssts {
		if _, dup := existing[s.ID]; dup || s.ID == 0 {
			m.commitMu.Unlock()
			return nil, nil, fmt.Errorf("hummock: sstable %d is already part of the version", s.ID)
		}
	}

	next := current.Clone()
	next.ID++
	next.MaxCommittedEpoch = epoch
	next.addL0(ssts)

	staged, err := m.stageVersion(next, nil)
	if err != nil {
		return nil, nil, err
	}
	return staged, next, nil
}

// stageVersion builds the ops that make next current. commitMu must be held;
// it is released when the bundle commits or aborts, or here on error.
func (m *Manager) stageVersion(next *Version, onCommit func()) (*metastore.Staged, error) {
	data, err := encoding.MarshalCompressed(next)
	if err != nil {
		m.commitMu.Unlock()
		return nil, fmt.Errorf("hummock: encode version %d: %w", next.ID, err)
	}

	m.mu.RLock()
	currentExpected := m.currentRev
	m.mu.RUnlock()
	if currentExpected == 0 {
		currentExpected = metastore.NotExists
	}

	return &metastore.Staged{
		Ops: []metastore.Op{
			metastore.Put(metastore.HummockVersionKey(next.ID), data, metastore.NotExists),
			metastore.Put(metastore.HummockCurrentKey, metastore.EncodeUint64(next.ID), currentExpected),
		},
		OnCommit: func(rev int64) {
			defer m.commitMu.Unlock()
			m.install(next, rev)
			if onCommit != nil {
				onCommit()
			}
		},
		OnAbort: func() {
			m.commitMu.Unlock()
		},
	}, nil
}

func (m *Manager) install(next *Version, rev int64) {
	m.mu.Lock()
	m.current = next
	m.currentRev = rev
	m.versions[next.ID] = &versionEntry{v: next, rev: rev}
	m.indexes = buildIndexes(next)
	m.pruneQuarantineLocked()
	m.mu.Unlock()

	log.Debug().
		Uint64("version", next.ID).
		Uint64("max_committed_epoch", next.MaxCommittedEpoch).
		Int("files", next.FileCount()).
		Msg("Installed hummock version")

	if m.events != nil {
		if _, err := m.events.Publish(notify.TopicHummock, notify.OpUpdate, "version", strconv.FormatUint(next.ID, 10), next); err != nil {
			log.Warn().Err(err).Uint64("version", next.ID).Msg("Failed to publish hummock version")
		}
	}
	m.updateMetrics()
}

// GetNewSstIDs reserves n sstable ids and returns the first
func (m *Manager) GetNewSstIDs(ctx context.Context, n uint64) (uint64, error) {
	if n == 0 {
		return 0, fmt.Errorf("hummock: cannot reserve zero sstable ids")
	}
	return m.ids.NextN(ctx, id.Sstable, n)
}

// Pin keeps the newest version at or below epoch readable until Unpin. An
// epoch of zero pins the current version.
func (m *Manager) Pin(ctx context.Context, nodeID uint64, epoch uint64) (Pin, error) {
	m.pinMu.Lock()
	defer m.pinMu.Unlock()

	m.mu.RLock()
	v := m.current
	if epoch != 0 && epoch < v.MaxCommittedEpoch {
		v = nil
		for _, e := range m.versions {
			if e.v.MaxCommittedEpoch <= epoch && (v == nil || e.v.ID > v.ID) {
				v = e.v
			}
		}
	}
	m.mu.RUnlock()
	if v == nil {
		return Pin{}, fmt.Errorf("%w: no version at epoch %d", ErrVersionNotFound, epoch)
	}

	p := Pin{
		Token:     uuid.NewString(),
		NodeID:    nodeID,
		VersionID: v.ID,
		Epoch:     v.MaxCommittedEpoch,
		CreatedAt: m.now(),
	}
	data, err := encoding.Marshal(&p)
	if err != nil {
		return Pin{}, err
	}
	rev, err := m.store.Put(ctx, metastore.HummockPinKey(p.Token), data, metastore.NotExists)
	if err != nil {
		return Pin{}, fmt.Errorf("hummock: pin version %d: %w", v.ID, err)
	}

	m.mu.Lock()
	m.pins[p.Token] = &pinEntry{pin: p, rev: rev}
	m.protectVersionLocked(p.VersionID, 1)
	m.mu.Unlock()
	m.updateMetrics()

	log.Debug().Str("token", p.Token).Uint64("node", nodeID).Uint64("version", v.ID).Msg("Pinned hummock version")
	return p, nil
}

// Unpin releases a pin
func (m *Manager) Unpin(ctx context.Context, token string) error {
	m.pinMu.Lock()
	defer m.pinMu.Unlock()

	m.mu.RLock()
	e, ok := m.pins[token]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrPinNotFound, token)
	}
	if err := m.store.Delete(ctx, metastore.HummockPinKey(token), e.rev); err != nil && !errors.Is(err, metastore.ErrNotFound) {
		return fmt.Errorf("hummock: unpin %s: %w", token, err)
	}

	m.mu.Lock()
	delete(m.pins, token)
	m.protectVersionLocked(e.pin.VersionID, -1)
	m.mu.Unlock()
	m.updateMetrics()
	return nil
}

// ReleaseNodePins drops every pin held by a node
func (m *Manager) ReleaseNodePins(ctx context.Context, nodeID uint64) (int, error) {
	m.pinMu.Lock()
	defer m.pinMu.Unlock()

	var ops []metastore.Op
	var released []Pin
	m.mu.RLock()
	for token, e := range m.pins {
		if e.pin.NodeID == nodeID {
			ops = append(ops, metastore.Delete(metastore.HummockPinKey(token), e.rev))
			released = append(released, e.pin)
		}
	}
	m.mu.RUnlock()
	if len(ops) == 0 {
		return 0, nil
	}

	if _, err := m.store.Txn(ctx, ops); err != nil {
		return 0, fmt.Errorf("hummock: release pins of node %d: %w", nodeID, err)
	}

	m.mu.Lock()
	for _, p := range released {
		delete(m.pins, p.Token)
		m.protectVersionLocked(p.VersionID, -1)
	}
	m.mu.Unlock()
	m.updateMetrics()

	log.Info().Uint64("node", nodeID).Int("pins", len(released)).Msg("Released pins of node")
	return len(released), nil
}

// Pins returns the live pins ordered by creation
func (m *Manager) Pins() []Pin {
	m.mu.RLock()
	out := make([]Pin, 0, len(m.pins))
	for _, e := range m.pins {
		out = append(out, e.pin)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Token < out[j].Token
	})
	return out
}

// GC deletes versions that are neither current nor pinned and returns the
// sstables no remaining version references, ready for vacuum.
func (m *Manager) GC(ctx context.Context) ([]uint64, error) {
	m.pinMu.Lock()
	defer m.pinMu.Unlock()
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	m.mu.RLock()
	keep := map[uint64]bool{m.current.ID: true}
	for _, e := range m.pins {
		keep[e.pin.VersionID] = true
	}
	var ops []metastore.Op
	var doomed []*Version
	live := make(map[uint64]struct{})
	for vid, e := range m.versions {
		if keep[vid] {
			for f := range e.v.FileIDs() {
				live[f] = struct{}{}
			}
			continue
		}
		ops = append(ops, metastore.Delete(metastore.HummockVersionKey(vid), e.rev))
		doomed = append(doomed, e.v)
	}
	m.mu.RUnlock()

	if len(ops) == 0 {
		return nil, nil
	}
	if _, err := m.store.Txn(ctx, ops); err != nil {
		return nil, fmt.Errorf("hummock: gc versions: %w", err)
	}

	staleSet := make(map[uint64]struct{})
	m.mu.Lock()
	for _, v := range doomed {
		delete(m.versions, v.ID)
		for f := range v.FileIDs() {
			if _, ok := live[f]; !ok {
				staleSet[f] = struct{}{}
			}
		}
	}
	m.mu.Unlock()

	stale := make([]uint64, 0, len(staleSet))
	for f := range staleSet {
		stale = append(stale, f)
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i] < stale[j] })

	telemetry.HummockGCVersionsTotal.Add(float64(len(doomed)))
	log.Info().Int("versions", len(doomed)).Int("stale_sstables", len(stale)).Msg("Collected hummock versions")
	return stale, nil
}

// protectVersionLocked adjusts the pin count of a version and keeps the
// protected filter in step with the files it references
func (m *Manager) protectVersionLocked(versionID uint64, delta int) {
	before := m.pinRefs[versionID]
	after := before + delta
	if after <= 0 {
		delete(m.pinRefs, versionID)
	} else {
		m.pinRefs[versionID] = after
	}
	if (before > 0) == (after > 0) {
		return
	}

	v := m.versionLocked(versionID)
	if v == nil {
		return
	}
	buf := make([]byte, 8)
	for f := range v.FileIDs() {
		binary.LittleEndian.PutUint64(buf, f)
		refs := m.fileRefs[f]
		if delta > 0 {
			m.fileRefs[f] = refs + 1
			if refs == 0 && !m.protected.Add(buf) {
				m.unfiltered[f] = true
			}
			continue
		}
		if refs <= 1 {
			delete(m.fileRefs, f)
			if m.unfiltered[f] {
				delete(m.unfiltered, f)
			} else {
				m.protected.Delete(buf)
			}
			continue
		}
		m.fileRefs[f] = refs - 1
	}
}

func (m *Manager) versionLocked(versionID uint64) *Version {
	if versionID == m.current.ID {
		return m.current
	}
	if e, ok := m.versions[versionID]; ok {
		return e.v
	}
	return nil
}

// isProtectedLocked may report false positives, never false negatives
func (m *Manager) isProtectedLocked(sstID uint64) bool {
	if len(m.pinRefs) == 0 {
		return false
	}
	if m.unfiltered[sstID] {
		return true
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, sstID)
	return m.protected.Contain(buf)
}

func (m *Manager) updateMetrics() {
	m.mu.RLock()
	v := m.current
	pins := len(m.pins)
	pending := 0
	for _, t := range m.tasks {
		if t.State == TaskPending {
			pending++
		}
	}
	m.mu.RUnlock()

	telemetry.HummockVersionID.Set(float64(v.ID))
	telemetry.HummockPinnedVersions.Set(float64(pins))
	telemetry.CompactionTasksPending.Set(float64(pending))
	for _, l := range v.Levels {
		level := strconv.Itoa(l.Index)
		telemetry.HummockLevelFiles.With(level).Set(float64(len(l.Files)))
		telemetry.HummockLevelBytes.With(level).Set(float64(l.TotalBytes))
	}
}
